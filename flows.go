package oauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/shbatm/ha-mcp-oauth/providers"
	"github.com/shbatm/ha-mcp-oauth/security"
	"github.com/shbatm/ha-mcp-oauth/storage"
)

// Client type and protocol constants
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"

	TokenEndpointAuthMethodNone  = "none"
	TokenEndpointAuthMethodBasic = "client_secret_basic"
	TokenEndpointAuthMethodPost  = "client_secret_post"

	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"

	ResponseTypeCode = "code"

	PKCEMethodS256 = "S256"

	TokenTypeBearer = "Bearer"
)

// RFC 7636 code_verifier length bounds
const (
	minCodeVerifierLength = 43
	maxCodeVerifierLength = 128
)

// ==================== Client registration ====================

// RegisterClient handles a dynamic client registration request (RFC 7591).
// Requested scopes are checked against the configured whitelist; a request
// with no scopes is granted every supported scope. Confidential registrations
// get a generated secret returned once and stored only as a bcrypt hash.
func (s *Server) RegisterClient(ctx context.Context, req *ClientRegistrationRequest, clientIP string) (*ClientRegistrationResponse, error) {
	if req == nil {
		return nil, ErrInvalidClientMetadata("registration request body is required")
	}
	if len(req.RedirectURIs) == 0 {
		return nil, ErrInvalidClientMetadata("redirect_uris is required")
	}

	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			s.logger.Warn("Client registration rejected: invalid redirect URI",
				"redirect_uri", uri, "error", err, "client_ip", clientIP)
			return nil, ErrInvalidRedirectURI(err.Error())
		}
	}

	scopes, err := s.resolveRequestedScopes(req.Scope)
	if err != nil {
		return nil, err
	}

	clientType, authMethod := resolveClientTypeAndAuthMethod(req.ClientType, req.TokenEndpointAuthMethod)

	clientID := generateRandomToken()
	var clientSecret, clientSecretHash string
	if clientType == ClientTypeConfidential {
		clientSecret = generateRandomToken()
		hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
		if err != nil {
			return nil, ErrServerError("failed to generate client credentials")
		}
		clientSecretHash = string(hash)
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{ResponseTypeCode}
	}

	now := time.Now()
	client := &storage.Client{
		ClientID:                clientID,
		ClientSecretHash:        clientSecretHash,
		ClientType:              clientType,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		ClientName:              req.ClientName,
		Scope:                   strings.Join(scopes, " "),
		CreatedAt:               now,
	}

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		s.logger.Error("Failed to save client", "error", err)
		return nil, ErrServerError("failed to register client")
	}

	s.auditor.LogClientRegistered(clientID, clientType, clientIP)
	s.instrumentation.Metrics().RecordClientRegistration(ctx, clientType)
	s.logger.Info("Registered new OAuth client",
		"client_id", clientID,
		"client_name", client.ClientName,
		"client_type", clientType,
		"scope", client.Scope,
		"client_ip", clientIP)

	return &ClientRegistrationResponse{
		ClientID:                clientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        now.Unix(),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		ClientName:              client.ClientName,
		Scope:                   client.Scope,
		ClientType:              clientType,
	}, nil
}

// resolveRequestedScopes applies the whitelist and the empty-request backfill.
func (s *Server) resolveRequestedScopes(scope string) ([]string, error) {
	requested := strings.Fields(scope)
	if len(requested) == 0 {
		return append([]string(nil), s.config.SupportedScopes...), nil
	}

	for _, sc := range requested {
		if !containsScope(s.config.SupportedScopes, sc) {
			return nil, ErrInvalidScope(fmt.Sprintf("unsupported scope: %s", sc))
		}
	}
	return requested, nil
}

// validateRedirectURI checks a registered redirect URI. Custom schemes are
// allowed (native MCP clients use them), fragments are not.
func validateRedirectURI(uri string) error {
	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("redirect URI is not a valid URL: %s", uri)
	}
	if parsed.Scheme == "" {
		return fmt.Errorf("redirect URI must be absolute: %s", uri)
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect URI must not contain a fragment: %s", uri)
	}
	return nil
}

// resolveClientTypeAndAuthMethod determines client type and token endpoint
// auth method per RFC 7591: auth method "none" forces a public client, and a
// missing method follows from the type.
func resolveClientTypeAndAuthMethod(clientType, authMethod string) (string, string) {
	if authMethod == TokenEndpointAuthMethodNone {
		clientType = ClientTypePublic
	} else if clientType == "" {
		clientType = ClientTypePublic
	}

	if authMethod == "" {
		if clientType == ClientTypeConfidential {
			authMethod = TokenEndpointAuthMethodBasic
		} else {
			authMethod = TokenEndpointAuthMethodNone
		}
	}

	return clientType, authMethod
}

// ==================== Authorization flow ====================

// AuthorizationRequest carries the query parameters of a GET /authorize.
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	State               string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// StartAuthorizationFlow validates an authorization request and opens a
// consent transaction. The returned transaction ID goes into the consent-page
// redirect; the transaction itself expires after Config.PendingAuthTTL.
func (s *Server) StartAuthorizationFlow(ctx context.Context, req *AuthorizationRequest, clientIP string) (string, error) {
	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return "", ErrInvalidClient("unknown client")
		}
		return "", ErrServerError("failed to look up client")
	}

	if !containsString(client.RedirectURIs, req.RedirectURI) {
		s.auditor.LogEvent(security.AuditEvent{
			Type:      security.EventInvalidRedirect,
			ClientID:  req.ClientID,
			IPAddress: clientIP,
			Details:   map[string]any{"redirect_uri": req.RedirectURI},
		})
		return "", ErrInvalidRedirectURI("redirect_uri is not registered for this client")
	}

	if req.ResponseType != ResponseTypeCode {
		return "", ErrInvalidRequest(fmt.Sprintf("unsupported response_type: %s", req.ResponseType))
	}

	// OAuth 2.1: PKCE is mandatory, S256 only.
	if req.CodeChallenge == "" {
		return "", ErrInvalidRequest("code_challenge is required")
	}
	method := req.CodeChallengeMethod
	if method == "" {
		method = PKCEMethodS256
	}
	if method != PKCEMethodS256 {
		return "", ErrInvalidRequest(fmt.Sprintf("unsupported code_challenge_method: %s", method))
	}

	granted := strings.Fields(client.Scope)
	requested := strings.Fields(req.Scope)
	if len(requested) == 0 {
		requested = granted
	} else {
		for _, sc := range requested {
			if !containsScope(granted, sc) {
				return "", ErrInvalidScope(fmt.Sprintf("scope not granted to client: %s", sc))
			}
		}
	}

	now := time.Now()
	txnID := generateRandomToken()
	pending := &storage.PendingAuthorization{
		TxnID:               txnID,
		ClientID:            client.ClientID,
		ClientName:          client.ClientName,
		RedirectURI:         req.RedirectURI,
		State:               req.State,
		Scopes:              requested,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.config.PendingAuthTTL),
	}

	if err := s.flowStore.SavePendingAuthorization(ctx, pending); err != nil {
		s.logger.Error("Failed to save pending authorization", "error", err)
		return "", ErrServerError("failed to start authorization")
	}

	s.auditor.LogAuthorizationStarted(client.ClientID, clientIP)
	s.instrumentation.Metrics().RecordAuthorizationStarted(ctx, client.ClientID)
	s.logger.Info("Authorization flow started",
		"client_id", client.ClientID,
		"scope", strings.Join(requested, " "),
		"client_ip", clientIP)

	return txnID, nil
}

// ConsentDetails describes an open consent transaction for page rendering.
type ConsentDetails struct {
	TxnID       string
	ClientID    string
	ClientName  string
	RedirectURI string
	Scopes      []string
}

// LookupConsent retrieves an open consent transaction. Expired transactions
// come back as storage.ErrPendingAuthorizationExpired (and are gone).
func (s *Server) LookupConsent(ctx context.Context, txnID string) (*ConsentDetails, error) {
	pending, err := s.flowStore.GetPendingAuthorization(ctx, txnID)
	if err != nil {
		return nil, err
	}
	return &ConsentDetails{
		TxnID:       pending.TxnID,
		ClientID:    pending.ClientID,
		ClientName:  pending.ClientName,
		RedirectURI: pending.RedirectURI,
		Scopes:      pending.Scopes,
	}, nil
}

// ConsentError is a consent-submission failure. Retry means the transaction
// survived and the form should be re-rendered with Message; otherwise the
// transaction is gone and Message is terminal.
type ConsentError struct {
	Message string
	Retry   bool
}

func (e *ConsentError) Error() string {
	return e.Message
}

// CompleteConsent processes a consent-form submission: it probes the hub with
// the submitted credentials and, on success, consumes the transaction, caches
// the credentials for the upcoming code exchange, and returns the client
// redirect URL carrying the authorization code and state.
func (s *Server) CompleteConsent(ctx context.Context, txnID, hubURL, hubToken, clientIP string) (string, error) {
	pending, err := s.flowStore.GetPendingAuthorization(ctx, txnID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrPendingAuthorizationExpired):
			return "", &ConsentError{Message: "This authorization request has expired. Please start over from your client."}
		case errors.Is(err, storage.ErrPendingAuthorizationNotFound):
			return "", &ConsentError{Message: "Unknown or already completed authorization request."}
		default:
			s.logger.Error("Failed to load pending authorization", "error", err)
			return "", &ConsentError{Message: "Something went wrong. Please start over from your client."}
		}
	}

	hubURL = strings.TrimSpace(hubURL)
	hubToken = strings.TrimSpace(hubToken)
	if hubURL == "" || hubToken == "" {
		return "", &ConsentError{
			Message: "Both Home Assistant URL and access token are required.",
			Retry:   true,
		}
	}
	hubURL = strings.TrimRight(hubURL, "/")

	if err := s.validator.ValidateCredentials(ctx, hubURL, hubToken); err != nil {
		var ve *providers.ValidationError
		message := "Credential validation failed. Please check the URL and token."
		if errors.As(err, &ve) {
			message = ve.Message
		}
		s.auditor.LogConsentFailed(pending.ClientID, clientIP, message)
		s.instrumentation.Metrics().RecordConsentProcessed(ctx, pending.ClientID, false)
		s.logger.Warn("Consent credential validation failed",
			"client_id", pending.ClientID,
			"hub_url_hash", security.HashForLogging(hubURL),
			"error", err)
		return "", &ConsentError{Message: message, Retry: true}
	}

	if err := s.flowStore.DeletePendingAuthorization(ctx, txnID); err != nil {
		s.logger.Error("Failed to consume pending authorization", "error", err)
		return "", &ConsentError{Message: "Something went wrong. Please start over from your client."}
	}

	now := time.Now()
	if err := s.flowStore.SaveHubCredentials(ctx, pending.ClientID, &storage.HubCredentials{
		HubURL:      hubURL,
		HubToken:    hubToken,
		ValidatedAt: now,
	}); err != nil {
		s.logger.Error("Failed to cache hub credentials", "error", err)
		return "", &ConsentError{Message: "Something went wrong. Please start over from your client."}
	}

	code := generateRandomToken()
	if err := s.flowStore.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:                code,
		ClientID:            pending.ClientID,
		RedirectURI:         pending.RedirectURI,
		Scopes:              pending.Scopes,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.config.AuthCodeTTL),
	}); err != nil {
		s.logger.Error("Failed to save authorization code", "error", err)
		return "", &ConsentError{Message: "Something went wrong. Please start over from your client."}
	}

	s.auditor.LogConsentGranted(pending.ClientID, clientIP, hubURL)
	s.instrumentation.Metrics().RecordConsentProcessed(ctx, pending.ClientID, true)
	s.logger.Info("Consent granted, authorization code issued",
		"client_id", pending.ClientID,
		"client_ip", clientIP)

	redirect, err := url.Parse(pending.RedirectURI)
	if err != nil {
		// Registered and matched at flow start; parse failure here means the
		// store was tampered with.
		return "", &ConsentError{Message: "Something went wrong. Please start over from your client."}
	}
	query := redirect.Query()
	query.Set("code", code)
	if pending.State != "" {
		query.Set("state", pending.State)
	}
	redirect.RawQuery = query.Encode()

	return redirect.String(), nil
}

// ==================== Token grants ====================

// ExchangeAuthorizationCode handles grant_type=authorization_code. The code
// is redeemed atomically (a second presentation fails), PKCE is verified, and
// the cached hub credentials become a stateless access token. A rotatable
// refresh token is issued alongside; only the refresh token is stored.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, clientID, clientSecret, code, redirectURI, codeVerifier, clientIP string) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, clientID, clientSecret, clientIP)
	if err != nil {
		return nil, err
	}

	record, err := s.flowStore.ConsumeAuthorizationCode(ctx, code, client.ClientID)
	if err != nil {
		s.auditor.LogAuthFailure(client.ClientID, clientIP, "authorization code invalid or reused")
		s.instrumentation.Metrics().RecordCodeReuseDetected(ctx)
		return nil, ErrInvalidGrant("authorization code is invalid, expired, or already used")
	}

	if record.RedirectURI != redirectURI {
		s.auditor.LogAuthFailure(client.ClientID, clientIP, "redirect_uri mismatch at token endpoint")
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}

	if err := validatePKCE(record.CodeChallenge, record.CodeChallengeMethod, codeVerifier); err != nil {
		s.auditor.LogEvent(security.AuditEvent{
			Type:      security.EventPKCEValidationFailed,
			ClientID:  client.ClientID,
			IPAddress: clientIP,
		})
		s.instrumentation.Metrics().RecordPKCEValidationFailed(ctx, record.CodeChallengeMethod)
		return nil, ErrInvalidGrant(fmt.Sprintf("PKCE verification failed: %v", err))
	}

	creds, err := s.flowStore.GetHubCredentials(ctx, client.ClientID)
	if err != nil {
		s.logger.Error("No cached hub credentials at code exchange",
			"client_id", client.ClientID, "error", err)
		return nil, ErrInvalidGrant("no validated credentials for this authorization")
	}

	now := time.Now()
	accessToken, err := encodeCredentials(creds.HubURL, creds.HubToken, now)
	if err != nil {
		s.logger.Error("Failed to encode access token", "error", err)
		return nil, ErrServerError("failed to issue access token")
	}

	refreshToken := generateRandomToken()
	if err := s.tokenStore.SaveRefreshToken(ctx, &storage.RefreshToken{
		Token:     refreshToken,
		ClientID:  client.ClientID,
		Scopes:    record.Scopes,
		ExpiresAt: now.Add(s.config.RefreshTokenTTL),
	}); err != nil {
		s.logger.Error("Failed to save refresh token", "error", err)
		return nil, ErrServerError("failed to issue refresh token")
	}

	// The credential cache only bridges consent and exchange.
	if err := s.flowStore.DeleteHubCredentials(ctx, client.ClientID); err != nil {
		s.logger.Warn("Failed to clear cached hub credentials", "client_id", client.ClientID, "error", err)
	}

	scope := strings.Join(record.Scopes, " ")
	s.auditor.LogTokenIssued(client.ClientID, clientIP, scope)
	s.instrumentation.Metrics().RecordCodeExchange(ctx, client.ClientID, record.CodeChallengeMethod)
	s.logger.Info("Authorization code exchanged",
		"client_id", client.ClientID,
		"scope", scope,
		"client_ip", clientIP)

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(s.config.AccessTokenTTL.Seconds()),
		RefreshToken: refreshToken,
		Scope:        scope,
	}, nil
}

// RefreshAccessToken handles grant_type=refresh_token. Both tokens rotate:
// the presented refresh token is revoked and replaced, and the new access
// token is an opaque stored record, not a credential encoding. Scopes may
// only narrow, never widen.
func (s *Server) RefreshAccessToken(ctx context.Context, clientID, clientSecret, refreshToken, scope, clientIP string) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, clientID, clientSecret, clientIP)
	if err != nil {
		return nil, err
	}

	record, err := s.tokenStore.GetRefreshToken(ctx, refreshToken)
	if err != nil {
		s.auditor.LogAuthFailure(client.ClientID, clientIP, "refresh token invalid or expired")
		return nil, ErrInvalidGrant("refresh token is invalid or expired")
	}
	if record.ClientID != client.ClientID {
		s.auditor.LogAuthFailure(client.ClientID, clientIP, "refresh token client mismatch")
		return nil, ErrInvalidGrant("refresh token is invalid or expired")
	}

	granted := record.Scopes
	requested := strings.Fields(scope)
	if len(requested) > 0 {
		for _, sc := range requested {
			if !containsScope(record.Scopes, sc) {
				s.auditor.LogEvent(security.AuditEvent{
					Type:      security.EventScopeEscalationAttempt,
					ClientID:  client.ClientID,
					IPAddress: clientIP,
					Details:   map[string]any{"scope": sc},
				})
				return nil, ErrInvalidScope(fmt.Sprintf("scope exceeds original grant: %s", sc))
			}
		}
		granted = requested
	}

	// Carry the claim bag of the previous access token across the rotation,
	// then retire the old pair.
	var claims map[string]string
	if oldAccess, err := s.tokenStore.LinkedAccessToken(ctx, refreshToken); err == nil {
		if oldRecord, err := s.tokenStore.GetAccessToken(ctx, oldAccess); err == nil {
			claims = oldRecord.Claims
		}
		if err := s.tokenStore.DeleteAccessToken(ctx, oldAccess); err != nil {
			s.logger.Warn("Failed to delete rotated access token", "error", err)
		}
		if err := s.tokenStore.Unlink(ctx, oldAccess, refreshToken); err != nil {
			s.logger.Warn("Failed to unlink rotated tokens", "error", err)
		}
	}
	if err := s.tokenStore.DeleteRefreshToken(ctx, refreshToken); err != nil {
		s.logger.Warn("Failed to delete rotated refresh token", "error", err)
	}

	now := time.Now()
	newAccess := generateRandomToken()
	if err := s.tokenStore.SaveAccessToken(ctx, &storage.AccessToken{
		Token:     newAccess,
		ClientID:  client.ClientID,
		Scopes:    granted,
		ExpiresAt: now.Add(s.config.AccessTokenTTL),
		Claims:    claims,
	}); err != nil {
		s.logger.Error("Failed to save access token", "error", err)
		return nil, ErrServerError("failed to issue access token")
	}

	newRefresh := generateRandomToken()
	if err := s.tokenStore.SaveRefreshToken(ctx, &storage.RefreshToken{
		Token:     newRefresh,
		ClientID:  client.ClientID,
		Scopes:    granted,
		ExpiresAt: now.Add(s.config.RefreshTokenTTL),
	}); err != nil {
		s.logger.Error("Failed to save refresh token", "error", err)
		return nil, ErrServerError("failed to issue refresh token")
	}

	if err := s.tokenStore.LinkTokens(ctx, newAccess, newRefresh); err != nil {
		s.logger.Error("Failed to link rotated tokens", "error", err)
		return nil, ErrServerError("failed to issue tokens")
	}

	s.auditor.LogTokenRefreshed(client.ClientID, clientIP)
	s.instrumentation.Metrics().RecordTokenRefresh(ctx, client.ClientID)
	s.logger.Info("Tokens rotated",
		"client_id", client.ClientID,
		"scope", strings.Join(granted, " "),
		"client_ip", clientIP)

	return &TokenResponse{
		AccessToken:  newAccess,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(s.config.AccessTokenTTL.Seconds()),
		RefreshToken: newRefresh,
		Scope:        strings.Join(granted, " "),
	}, nil
}

// authenticateClient resolves and, for confidential clients, authenticates
// the caller at the token endpoint.
func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret, clientIP string) (*storage.Client, error) {
	if clientID == "" {
		return nil, ErrInvalidClient("client_id is required")
	}

	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			s.auditor.LogAuthFailure(clientID, clientIP, "unknown client")
			return nil, ErrInvalidClient("unknown client")
		}
		return nil, ErrServerError("failed to look up client")
	}

	if client.ClientType == ClientTypeConfidential {
		if err := s.clientStore.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
			s.auditor.LogAuthFailure(clientID, clientIP, "client secret validation failed")
			return nil, ErrInvalidClient("client authentication failed")
		}
	}

	return client, nil
}

// ==================== Validation and revocation ====================

// AccessTokenInfo is the result of validating a stateless access token.
type AccessTokenInfo struct {
	// HubURL and HubToken are the credentials embedded in the token.
	HubURL   string
	HubToken string

	// Scopes are the scopes attributed to the token.
	Scopes []string

	// IssuedAt is when the token was minted.
	IssuedAt time.Time
}

// ValidateAccessToken decodes a stateless access token. Decoding is the only
// check: there is no store lookup and no expiry comparison, so a decodable
// token is valid for as long as the embedded hub token works. The opaque
// access tokens minted by the refresh grant do not decode and therefore do
// not validate; clients relying on validation must keep using code-grant
// tokens or re-authorize.
func (s *Server) ValidateAccessToken(token string) (*AccessTokenInfo, error) {
	claims, ok := decodeCredentials(token)
	if !ok {
		return nil, NewOAuthError(ErrorCodeInvalidToken, "token is malformed or not recognized", 401)
	}

	return &AccessTokenInfo{
		HubURL:   claims.HubURL,
		HubToken: claims.HubToken,
		Scopes:   append([]string(nil), s.config.SupportedScopes...),
		IssuedAt: time.Unix(claims.IssuedAt, 0),
	}, nil
}

// RevokedToken reports what a revocation call actually removed. It is a
// closed set: RevokedAccessToken, RevokedRefreshToken, or nil when the token
// matched nothing (stateless tokens and strangers both land there).
type RevokedToken interface {
	revokedToken()
}

// RevokedAccessToken reports revocation of a stored access token, cascading
// to its linked refresh token.
type RevokedAccessToken struct {
	ClientID        string
	CascadedRefresh bool
}

func (RevokedAccessToken) revokedToken() {}

// RevokedRefreshToken reports revocation of a refresh token, cascading to its
// linked access token.
type RevokedRefreshToken struct {
	ClientID       string
	CascadedAccess bool
}

func (RevokedRefreshToken) revokedToken() {}

// RevokeToken revokes a token and its linked counterpart (RFC 7009). Refresh
// tokens are tried first, then stored access tokens. A token that matches
// neither, including every stateless code-grant access token, revokes nothing
// and still succeeds; the endpoint never discloses whether a token existed.
func (s *Server) RevokeToken(ctx context.Context, token, clientIP string) (RevokedToken, error) {
	if token == "" {
		return nil, nil
	}

	if record, err := s.tokenStore.GetRefreshToken(ctx, token); err == nil {
		result := RevokedRefreshToken{ClientID: record.ClientID}

		if linkedAccess, err := s.tokenStore.LinkedAccessToken(ctx, token); err == nil {
			if err := s.tokenStore.DeleteAccessToken(ctx, linkedAccess); err != nil {
				s.logger.Warn("Failed to cascade access token revocation", "error", err)
			} else {
				result.CascadedAccess = true
			}
			if err := s.tokenStore.Unlink(ctx, linkedAccess, token); err != nil {
				s.logger.Warn("Failed to unlink revoked tokens", "error", err)
			}
		}

		if err := s.tokenStore.DeleteRefreshToken(ctx, token); err != nil {
			s.logger.Warn("Failed to delete revoked refresh token", "error", err)
		}

		s.auditor.LogTokenRevoked(record.ClientID, clientIP, "refresh_token")
		s.instrumentation.Metrics().RecordTokenRevocation(ctx, "refresh_token")
		s.logger.Info("Refresh token revoked", "client_id", record.ClientID, "client_ip", clientIP)
		return result, nil
	}

	if record, err := s.tokenStore.GetAccessToken(ctx, token); err == nil {
		result := RevokedAccessToken{ClientID: record.ClientID}

		if linkedRefresh, err := s.tokenStore.LinkedRefreshToken(ctx, token); err == nil {
			if err := s.tokenStore.DeleteRefreshToken(ctx, linkedRefresh); err != nil {
				s.logger.Warn("Failed to cascade refresh token revocation", "error", err)
			} else {
				result.CascadedRefresh = true
			}
			if err := s.tokenStore.Unlink(ctx, token, linkedRefresh); err != nil {
				s.logger.Warn("Failed to unlink revoked tokens", "error", err)
			}
		}

		if err := s.tokenStore.DeleteAccessToken(ctx, token); err != nil {
			s.logger.Warn("Failed to delete revoked access token", "error", err)
		}

		s.auditor.LogTokenRevoked(record.ClientID, clientIP, "access_token")
		s.instrumentation.Metrics().RecordTokenRevocation(ctx, "access_token")
		s.logger.Info("Access token revoked", "client_id", record.ClientID, "client_ip", clientIP)
		return result, nil
	}

	// Unknown or stateless token: nothing to remove, and that is fine.
	return nil, nil
}

// validatePKCE verifies a code_verifier against the stored challenge per
// RFC 7636. Only S256 is accepted.
func validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		return fmt.Errorf("authorization was created without a code challenge")
	}
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}
	if len(verifier) < minCodeVerifierLength || len(verifier) > maxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be %d-%d characters", minCodeVerifierLength, maxCodeVerifierLength)
	}
	for _, ch := range verifier {
		ok := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !ok {
			return fmt.Errorf("code_verifier contains invalid characters")
		}
	}
	if method != PKCEMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

func containsScope(scopes []string, scope string) bool {
	return containsString(scopes, scope)
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
