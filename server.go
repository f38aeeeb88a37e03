// Package oauth implements an OAuth 2.1 authorization server that fronts a
// Home Assistant instance for MCP clients. Clients register dynamically,
// users approve access by entering their hub URL and long-lived token on a
// consent page, and the issued access token is a stateless encoding of those
// validated credentials.
package oauth

import (
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/shbatm/ha-mcp-oauth/instrumentation"
	"github.com/shbatm/ha-mcp-oauth/providers"
	"github.com/shbatm/ha-mcp-oauth/security"
	"github.com/shbatm/ha-mcp-oauth/storage"
)

// Server is the authorization server protocol engine. It owns the stores and
// the credential validator; Handler exposes it over HTTP.
type Server struct {
	config Config

	clientStore storage.ClientStore
	flowStore   storage.FlowStore
	tokenStore  storage.TokenStore

	validator providers.Validator

	auditor         *security.Auditor
	rateLimiter     *security.RateLimiter
	instrumentation *instrumentation.Instrumentation

	logger *slog.Logger
}

// Options bundles the dependencies for New.
type Options struct {
	// Config is the server configuration. Issuer is required.
	Config Config

	// ClientStore, FlowStore and TokenStore persist protocol state. All three
	// are required; storage/memory.Store implements them all.
	ClientStore storage.ClientStore
	FlowStore   storage.FlowStore
	TokenStore  storage.TokenStore

	// Validator probes the hub with user-supplied credentials at consent time.
	// Required.
	Validator providers.Validator

	// Instrumentation is optional; when nil a no-op instance is created.
	Instrumentation *instrumentation.Instrumentation
}

// New creates a new authorization server.
func New(opts Options) (*Server, error) {
	if opts.ClientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if opts.FlowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if opts.TokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if opts.Validator == nil {
		return nil, fmt.Errorf("credential validator is required")
	}

	config := opts.Config
	if err := config.applyDefaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	inst := opts.Instrumentation
	if inst == nil {
		var err error
		inst, err = instrumentation.New(instrumentation.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to create instrumentation: %w", err)
		}
	}

	var limiter *security.RateLimiter
	if config.RateLimitRequestsPerSecond > 0 {
		limiter = security.NewRateLimiter(
			config.RateLimitRequestsPerSecond,
			config.RateLimitBurst,
			config.Logger,
		)
	}

	return &Server{
		config:          config,
		clientStore:     opts.ClientStore,
		flowStore:       opts.FlowStore,
		tokenStore:      opts.TokenStore,
		validator:       opts.Validator,
		auditor:         security.NewAuditor(config.Logger, !config.DisableAudit),
		rateLimiter:     limiter,
		instrumentation: inst,
		logger:          config.Logger,
	}, nil
}

// Config returns a copy of the effective (defaulted) configuration.
func (s *Server) Config() Config {
	return s.config
}

// Close releases background resources (the rate limiter's cleanup goroutine).
// Stores are owned by the caller and stopped separately.
func (s *Server) Close() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}

// generateRandomToken returns a cryptographically random URL-safe string,
// used for client IDs, secrets, transaction IDs, authorization codes, and
// opaque tokens.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
