package security

// Event type constants for security audit logging.
const (
	// Client registration events

	// EventClientRegistered is logged when a new OAuth client is registered.
	EventClientRegistered = "client_registered"

	// Authorization flow events

	// EventAuthorizationStarted is logged when a consent transaction is created.
	EventAuthorizationStarted = "authorization_started"

	// EventConsentGranted is logged when consent is approved and a code issued.
	EventConsentGranted = "consent_granted"

	// EventConsentFailed is logged when a consent submission fails credential
	// validation and the user is bounced back to the form.
	EventConsentFailed = "consent_failed"

	// EventCodeReuseDetected is logged when an authorization code is presented
	// a second time.
	EventCodeReuseDetected = "authorization_code_reuse_detected"

	// Token lifecycle events

	// EventTokenIssued is logged when the code grant issues tokens.
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when the refresh grant rotates tokens.
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked.
	EventTokenRevoked = "token_revoked"

	// Security violation events

	// EventAuthFailure is logged when client authentication or a grant fails.
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded.
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when code_verifier validation fails.
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventInvalidRedirect is logged when an unregistered redirect URI is used.
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a refresh requests scopes
	// beyond the original grant.
	EventScopeEscalationAttempt = "scope_escalation_attempt"
)
