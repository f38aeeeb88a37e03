// Package security provides rate limiting, audit logging, client IP
// extraction, and secure header management for the authorization server.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor logs security-relevant events. Hub URLs are hashed before logging;
// hub tokens and issued tokens are never logged at all.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// AuditEvent is one security audit record.
type AuditEvent struct {
	Type      string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event.
func (a *Auditor) LogEvent(event AuditEvent) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogClientRegistered logs a new client registration.
func (a *Auditor) LogClientRegistered(clientID, clientType, ipAddress string) {
	a.LogEvent(AuditEvent{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"client_type": clientType,
		},
	})
}

// LogAuthorizationStarted logs the creation of a consent transaction.
func (a *Auditor) LogAuthorizationStarted(clientID, ipAddress string) {
	a.LogEvent(AuditEvent{
		Type:      EventAuthorizationStarted,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogConsentGranted logs a successful consent submission. The hub URL is
// hashed; the hub token is never recorded.
func (a *Auditor) LogConsentGranted(clientID, ipAddress, hubURL string) {
	a.LogEvent(AuditEvent{
		Type:      EventConsentGranted,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"hub_url_hash": HashForLogging(hubURL),
		},
	})
}

// LogConsentFailed logs a consent submission rejected by credential
// validation.
func (a *Auditor) LogConsentFailed(clientID, ipAddress, reason string) {
	a.LogEvent(AuditEvent{
		Type:      EventConsentFailed,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogTokenIssued logs a code-grant token issuance.
func (a *Auditor) LogTokenIssued(clientID, ipAddress, scope string) {
	a.LogEvent(AuditEvent{
		Type:      EventTokenIssued,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenRefreshed logs a refresh-grant rotation.
func (a *Auditor) LogTokenRefreshed(clientID, ipAddress string) {
	a.LogEvent(AuditEvent{
		Type:      EventTokenRefreshed,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogTokenRevoked logs a token revocation.
func (a *Auditor) LogTokenRevoked(clientID, ipAddress, tokenKind string) {
	a.LogEvent(AuditEvent{
		Type:      EventTokenRevoked,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"token_kind": tokenKind,
		},
	})
}

// LogAuthFailure logs an authentication or grant failure.
func (a *Auditor) LogAuthFailure(clientID, ipAddress, reason string) {
	a.LogEvent(AuditEvent{
		Type:      EventAuthFailure,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(ipAddress string) {
	a.LogEvent(AuditEvent{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
	})
}

// HashForLogging returns a truncated SHA-256 hex digest of a sensitive value,
// stable enough to correlate log lines without exposing the value.
func HashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
