package oauth

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Default token and transaction lifetimes.
const (
	// DefaultAuthCodeTTL is how long an authorization code stays redeemable.
	DefaultAuthCodeTTL = 5 * time.Minute

	// DefaultPendingAuthTTL is how long a consent transaction stays open.
	DefaultPendingAuthTTL = 5 * time.Minute

	// DefaultAccessTokenTTL is the advertised access-token lifetime. Stateless
	// access tokens carry their issue time but are not expiry-checked; the
	// advertised value tells well-behaved clients when to refresh.
	DefaultAccessTokenTTL = time.Hour

	// DefaultRefreshTokenTTL is the refresh-token lifetime.
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

// DefaultSupportedScopes is the scope whitelist applied when none is
// configured. Registrations requesting no scopes are backfilled with these.
var DefaultSupportedScopes = []string{"homeassistant", "mcp"}

// Config holds authorization server configuration.
type Config struct {
	// Issuer is the external base URL of this server (e.g.,
	// "https://mcp.example.com"). Required. Endpoint URLs in discovery
	// metadata are derived from it.
	Issuer string

	// SupportedScopes is the scope whitelist. Registrations may only request
	// scopes from this list; empty registration requests are granted all of
	// them. Defaults to DefaultSupportedScopes.
	SupportedScopes []string

	// ServiceDocumentation is an optional docs URL advertised in discovery
	// metadata.
	ServiceDocumentation string

	// AuthCodeTTL is the authorization-code lifetime. Defaults to 5 minutes.
	AuthCodeTTL time.Duration

	// PendingAuthTTL is the consent-transaction lifetime. Defaults to 5 minutes.
	PendingAuthTTL time.Duration

	// AccessTokenTTL is the advertised access-token lifetime. Defaults to 1 hour.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the refresh-token lifetime. Defaults to 7 days.
	RefreshTokenTTL time.Duration

	// TrustProxy enables X-Forwarded-For / X-Real-IP handling. Only set this
	// behind a reverse proxy you control.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of the
	// server, used to pick the right X-Forwarded-For entry.
	TrustedProxyCount int

	// RateLimitRequestsPerSecond and RateLimitBurst configure the per-IP
	// limiter on the registration and token endpoints. Defaults: 10 rps,
	// burst 20. Set RateLimitRequestsPerSecond negative to disable.
	RateLimitRequestsPerSecond int
	RateLimitBurst             int

	// DisableAudit turns off security audit logging, which is on by default.
	DisableAudit bool

	// Logger for server operations. Defaults to slog.Default().
	Logger *slog.Logger
}

// applyDefaults validates required fields and fills in secure defaults,
// warning about risky settings.
func (c *Config) applyDefaults() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	c.Issuer = strings.TrimRight(c.Issuer, "/")

	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	if !strings.HasPrefix(c.Issuer, "https://") && !strings.HasPrefix(c.Issuer, "http://localhost") &&
		!strings.HasPrefix(c.Issuer, "http://127.0.0.1") {
		c.Logger.Warn("Issuer is not HTTPS; tokens and hub credentials will transit in cleartext",
			"issuer", c.Issuer)
	}

	if len(c.SupportedScopes) == 0 {
		c.SupportedScopes = append([]string(nil), DefaultSupportedScopes...)
	}

	if c.AuthCodeTTL <= 0 {
		c.AuthCodeTTL = DefaultAuthCodeTTL
	}
	if c.PendingAuthTTL <= 0 {
		c.PendingAuthTTL = DefaultPendingAuthTTL
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}

	if c.AuthCodeTTL > 10*time.Minute {
		c.Logger.Warn("Authorization code TTL exceeds 10 minutes; OAuth 2.1 recommends short-lived codes",
			"ttl", c.AuthCodeTTL)
	}

	if c.RateLimitRequestsPerSecond == 0 {
		c.RateLimitRequestsPerSecond = 10
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 20
	}

	return nil
}
