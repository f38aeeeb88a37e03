// Package mock provides a scriptable credential validator for testing.
package mock

import (
	"context"
	"sync"

	"github.com/shbatm/ha-mcp-oauth/providers"
)

// Validator is a configurable in-memory validator for tests. The zero value
// accepts every credential pair.
type Validator struct {
	mu sync.Mutex

	// ValidateFunc, when set, decides every call.
	ValidateFunc func(ctx context.Context, hubURL, hubToken string) error

	// Err, when set (and ValidateFunc is nil), is returned from every call.
	Err error

	calls []Call
}

// Call records one ValidateCredentials invocation.
type Call struct {
	HubURL   string
	HubToken string
}

var _ providers.Validator = (*Validator)(nil)

// New creates a mock validator that accepts all credentials.
func New() *Validator {
	return &Validator{}
}

// Name returns the validator name.
func (v *Validator) Name() string {
	return "mock"
}

// ValidateCredentials records the call and returns the scripted result.
func (v *Validator) ValidateCredentials(ctx context.Context, hubURL, hubToken string) error {
	v.mu.Lock()
	v.calls = append(v.calls, Call{HubURL: hubURL, HubToken: hubToken})
	fn := v.ValidateFunc
	err := v.Err
	v.mu.Unlock()

	if fn != nil {
		return fn(ctx, hubURL, hubToken)
	}
	return err
}

// Calls returns a copy of all recorded invocations.
func (v *Validator) Calls() []Call {
	v.mu.Lock()
	defer v.mu.Unlock()
	calls := make([]Call, len(v.calls))
	copy(calls, v.calls)
	return calls
}
