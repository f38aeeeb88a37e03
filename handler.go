package oauth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/shbatm/ha-mcp-oauth/instrumentation"
	"github.com/shbatm/ha-mcp-oauth/security"
	"github.com/shbatm/ha-mcp-oauth/storage"
)

// Well-known endpoint paths.
const (
	PathRegister  = "/register"
	PathAuthorize = "/authorize"
	PathConsent   = "/consent"
	PathToken     = "/token"
	PathRevoke    = "/revoke"

	// Discovery is served at the RFC 8414 path plus two OIDC-shaped aliases.
	// Some MCP clients (ChatGPT among them) probe /.well-known/openid-configuration
	// and even /token/.well-known/openid-configuration before falling back, so
	// all three return the identical document.
	PathMetadata          = "/.well-known/oauth-authorization-server"
	PathOIDCMetadata      = "/.well-known/openid-configuration"
	PathTokenOIDCMetadata = "/token/.well-known/openid-configuration"
)

// Handler exposes a Server over HTTP.
type Handler struct {
	server *Server
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHandler creates an HTTP handler for the given server.
func NewHandler(server *Server) *Handler {
	return &Handler{
		server: server,
		logger: server.logger,
		tracer: server.instrumentation.Tracer("http"),
	}
}

// RegisterRoutes registers all endpoints on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(PathRegister, h.ServeRegister)
	mux.HandleFunc(PathAuthorize, h.ServeAuthorize)
	mux.HandleFunc(PathConsent, h.ServeConsent)
	mux.HandleFunc(PathToken, h.ServeToken)
	mux.HandleFunc(PathRevoke, h.ServeRevoke)
	mux.HandleFunc(PathMetadata, h.ServeMetadata)
	mux.HandleFunc(PathOIDCMetadata, h.ServeMetadata)
	mux.HandleFunc(PathTokenOIDCMetadata, h.ServeMetadata)
}

// clientIP extracts the caller's IP per the proxy-trust configuration.
func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.config.TrustProxy, h.server.config.TrustedProxyCount)
}

// setCORSHeaders allows browser-based MCP clients to reach the protocol
// endpoints cross-origin. Credentials travel in the request body, never in
// cookies, so a wildcard origin is safe here.
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// writeJSON writes a JSON response body.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError maps an error to an OAuth error response. Unknown errors are
// reported as server_error without leaking internals.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) {
		h.logger.Error("Unexpected handler error", "error", err)
		oauthErr = ErrServerError("internal server error")
	}

	h.writeJSON(w, oauthErr.Status, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

// observe starts a span and returns a completion func recording the HTTP
// metrics for the endpoint.
func (h *Handler) observe(r *http.Request, endpoint string) (*http.Request, func(status int)) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "http."+endpoint)
	instrumentation.AddHTTPAttributes(span, r.Method, endpoint, 0)

	return r.WithContext(ctx), func(status int) {
		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, status)
		if status < 400 {
			instrumentation.SetSpanSuccess(span)
		} else {
			instrumentation.SetSpanError(span, http.StatusText(status))
		}
		span.End()
		h.server.instrumentation.Metrics().RecordHTTPRequest(ctx, r.Method, endpoint, status,
			float64(time.Since(start).Milliseconds()))
	}
}

// allowRate applies the per-IP limiter, answering 429 when exceeded.
func (h *Handler) allowRate(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if h.server.rateLimiter == nil {
		return true
	}
	ip := h.clientIP(r)
	if h.server.rateLimiter.Allow(ip) {
		return true
	}

	h.server.auditor.LogRateLimitExceeded(ip)
	h.server.instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), endpoint)
	h.writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
		Error:            ErrorCodeRateLimitExceeded,
		ErrorDescription: "too many requests, slow down",
	})
	return false
}

// ==================== Client registration ====================

// ServeRegister handles POST /register (RFC 7591 dynamic registration).
func (h *Handler) ServeRegister(w http.ResponseWriter, r *http.Request) {
	security.SetSecurityHeaders(w, h.server.config.Issuer, false)
	setCORSHeaders(w)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r, done := h.observe(r, PathRegister)

	if !h.allowRate(w, r, "register") {
		done(http.StatusTooManyRequests)
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		h.writeError(w, ErrInvalidClientMetadata("request body must be a JSON registration object"))
		done(http.StatusBadRequest)
		return
	}

	resp, err := h.server.RegisterClient(r.Context(), &req, h.clientIP(r))
	if err != nil {
		h.writeError(w, err)
		done(statusOf(err))
		return
	}

	h.writeJSON(w, http.StatusCreated, resp)
	done(http.StatusCreated)
}

// ==================== Authorization and consent ====================

// ServeAuthorize handles GET /authorize. A valid request opens a consent
// transaction and redirects the browser to the consent page; protocol errors
// are answered directly rather than bounced to an unverified redirect URI.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	security.SetSecurityHeaders(w, h.server.config.Issuer, false)

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r, done := h.observe(r, PathAuthorize)

	q := r.URL.Query()
	req := &AuthorizationRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		State:               q.Get("state"),
		Scope:               q.Get("scope"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}

	txnID, err := h.server.StartAuthorizationFlow(r.Context(), req, h.clientIP(r))
	if err != nil {
		h.writeError(w, err)
		done(statusOf(err))
		return
	}

	consentURL := PathConsent + "?txn_id=" + url.QueryEscape(txnID)
	http.Redirect(w, r, consentURL, http.StatusSeeOther)
	done(http.StatusSeeOther)
}

// ServeConsent handles the consent page: GET renders the credential form
// (optionally with an inline error from a bounced submission), POST validates
// the submitted hub credentials and redirects back to the client on success.
func (h *Handler) ServeConsent(w http.ResponseWriter, r *http.Request) {
	security.SetSecurityHeaders(w, h.server.config.Issuer, true)

	switch r.Method {
	case http.MethodGet:
		h.serveConsentForm(w, r)
	case http.MethodPost:
		h.serveConsentSubmit(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) serveConsentForm(w http.ResponseWriter, r *http.Request) {
	r, done := h.observe(r, PathConsent)

	txnID := r.URL.Query().Get("txn_id")
	if txnID == "" {
		renderConsentError(w, http.StatusBadRequest, "Missing authorization transaction.")
		done(http.StatusBadRequest)
		return
	}

	details, err := h.server.LookupConsent(r.Context(), txnID)
	if err != nil {
		status, message := consentLookupFailure(err)
		renderConsentError(w, status, message)
		done(status)
		return
	}

	renderConsentPage(w, details, r.URL.Query().Get("error"))
	done(http.StatusOK)
}

func (h *Handler) serveConsentSubmit(w http.ResponseWriter, r *http.Request) {
	r, done := h.observe(r, PathConsent)

	if err := r.ParseForm(); err != nil {
		renderConsentError(w, http.StatusBadRequest, "Malformed form submission.")
		done(http.StatusBadRequest)
		return
	}

	txnID := r.PostFormValue("txn_id")
	redirectURL, err := h.server.CompleteConsent(r.Context(),
		txnID,
		r.PostFormValue("ha_url"),
		r.PostFormValue("ha_token"),
		h.clientIP(r))
	if err != nil {
		var consentErr *ConsentError
		if errors.As(err, &consentErr) && consentErr.Retry {
			// Bounce back to the form with the message inline; the
			// transaction is still open.
			back := PathConsent + "?txn_id=" + url.QueryEscape(txnID) +
				"&error=" + url.QueryEscape(consentErr.Message)
			http.Redirect(w, r, back, http.StatusSeeOther)
			done(http.StatusSeeOther)
			return
		}

		message := "Something went wrong. Please start over from your client."
		if consentErr != nil {
			message = consentErr.Message
		}
		renderConsentError(w, http.StatusBadRequest, message)
		done(http.StatusBadRequest)
		return
	}

	http.Redirect(w, r, redirectURL, http.StatusSeeOther)
	done(http.StatusSeeOther)
}

// consentLookupFailure maps a consent lookup error to page status and text.
func consentLookupFailure(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrPendingAuthorizationExpired):
		return http.StatusGone, "This authorization request has expired. Please start over from your client."
	case errors.Is(err, storage.ErrPendingAuthorizationNotFound):
		return http.StatusNotFound, "Unknown or already completed authorization request."
	default:
		return http.StatusInternalServerError, "Something went wrong. Please start over from your client."
	}
}

// ==================== Token endpoint ====================

// ServeToken handles POST /token, dispatching on grant_type.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	security.SetSecurityHeaders(w, h.server.config.Issuer, false)
	setCORSHeaders(w)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r, done := h.observe(r, PathToken)

	if !h.allowRate(w, r, "token") {
		done(http.StatusTooManyRequests)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("malformed form body"))
		done(http.StatusBadRequest)
		return
	}

	clientID, clientSecret := clientCredentials(r)
	clientIP := h.clientIP(r)

	var resp *TokenResponse
	var err error
	switch grantType := r.PostFormValue("grant_type"); grantType {
	case GrantTypeAuthorizationCode:
		resp, err = h.server.ExchangeAuthorizationCode(r.Context(),
			clientID, clientSecret,
			r.PostFormValue("code"),
			r.PostFormValue("redirect_uri"),
			r.PostFormValue("code_verifier"),
			clientIP)
	case GrantTypeRefreshToken:
		resp, err = h.server.RefreshAccessToken(r.Context(),
			clientID, clientSecret,
			r.PostFormValue("refresh_token"),
			r.PostFormValue("scope"),
			clientIP)
	case "":
		err = ErrInvalidRequest("grant_type is required")
	default:
		err = ErrUnsupportedGrantType("unsupported grant_type: " + grantType)
	}

	if err != nil {
		h.writeError(w, err)
		done(statusOf(err))
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
	done(http.StatusOK)
}

// clientCredentials extracts client authentication from HTTP Basic auth or
// the form body (client_secret_basic and client_secret_post).
func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		// RFC 6749 appendix B: Basic credentials are form-urlencoded.
		if decodedID, err := url.QueryUnescape(id); err == nil {
			id = decodedID
		}
		if decodedSecret, err := url.QueryUnescape(secret); err == nil {
			secret = decodedSecret
		}
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

// ==================== Revocation ====================

// ServeRevoke handles POST /revoke (RFC 7009). Per the RFC the endpoint
// answers 200 whether or not the token matched anything; only a missing
// token parameter is a client error.
func (h *Handler) ServeRevoke(w http.ResponseWriter, r *http.Request) {
	security.SetSecurityHeaders(w, h.server.config.Issuer, false)
	setCORSHeaders(w)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r, done := h.observe(r, PathRevoke)

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("malformed form body"))
		done(http.StatusBadRequest)
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		h.writeError(w, ErrInvalidRequest("token is required"))
		done(http.StatusBadRequest)
		return
	}

	if _, err := h.server.RevokeToken(r.Context(), token, h.clientIP(r)); err != nil {
		// Storage trouble is ours, not the client's; RFC 7009 still says 200
		// only for unknown tokens, so surface real failures.
		h.writeError(w, err)
		done(statusOf(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	done(http.StatusOK)
}

// ==================== Discovery ====================

// ServeMetadata serves the RFC 8414 discovery document. The same document is
// returned on all three registered discovery paths.
func (h *Handler) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	security.SetSecurityHeaders(w, h.server.config.Issuer, false)
	setCORSHeaders(w)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodHead:
	default:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r, done := h.observe(r, PathMetadata)

	h.writeJSON(w, http.StatusOK, h.server.Metadata())
	done(http.StatusOK)
}

// Metadata builds the discovery document. Two compatibility patches are
// baked in: response_modes_supported is pinned to ["query"], and the token
// and revocation auth method lists always include "none" so public PKCE
// clients do not invent credentials.
func (s *Server) Metadata() *AuthorizationServerMetadata {
	issuer := s.config.Issuer
	return &AuthorizationServerMetadata{
		Issuer:                s.config.Issuer,
		AuthorizationEndpoint: issuer + PathAuthorize,
		TokenEndpoint:         issuer + PathToken,
		RegistrationEndpoint:  issuer + PathRegister,
		RevocationEndpoint:    issuer + PathRevoke,
		ScopesSupported:       append([]string(nil), s.config.SupportedScopes...),
		ResponseTypesSupported: []string{
			ResponseTypeCode,
		},
		ResponseModesSupported: []string{"query"},
		GrantTypesSupported: []string{
			GrantTypeAuthorizationCode,
			GrantTypeRefreshToken,
		},
		TokenEndpointAuthMethodsSupported: []string{
			TokenEndpointAuthMethodBasic,
			TokenEndpointAuthMethodPost,
			TokenEndpointAuthMethodNone,
		},
		RevocationEndpointAuthMethodsSupported: []string{
			TokenEndpointAuthMethodBasic,
			TokenEndpointAuthMethodPost,
			TokenEndpointAuthMethodNone,
		},
		CodeChallengeMethodsSupported: []string{PKCEMethodS256},
		ServiceDocumentation:          s.config.ServiceDocumentation,
	}
}

// statusOf extracts the HTTP status of an error for metric recording.
func statusOf(err error) int {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr.Status
	}
	return http.StatusInternalServerError
}
