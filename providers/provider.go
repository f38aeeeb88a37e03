// Package providers defines the credential-validation boundary between the
// authorization server and the hub it guards. A Validator probes a hub with
// user-supplied credentials during consent and classifies the outcome into a
// message safe to show on the consent page.
package providers

import (
	"context"
)

// Validator validates user-supplied hub credentials.
type Validator interface {
	// Name returns the validator name (e.g., "homeassistant").
	Name() string

	// ValidateCredentials probes the hub at hubURL with the given long-lived
	// token. It returns nil when the credentials are usable. Any failure is
	// returned as a *ValidationError whose Message is safe to render to the
	// user; the underlying cause stays in Err for logging.
	ValidateCredentials(ctx context.Context, hubURL, hubToken string) error
}

// ValidationError is a classified probe failure. Message is user-facing and
// never contains credentials or raw response bodies.
type ValidationError struct {
	// Message is the exact text shown on the consent page.
	Message string

	// Err is the underlying cause, for logs only.
	Err error
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
