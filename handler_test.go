package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/shbatm/ha-mcp-oauth/internal/testutil"
)

func newTestHandler(t *testing.T) (*Server, *http.ServeMux) {
	t.Helper()

	server, _, _ := newTestServer(t)
	mux := http.NewServeMux()
	NewHandler(server).RegisterRoutes(mux)
	return server, mux
}

func postJSON(t *testing.T, mux *http.ServeMux, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func postForm(t *testing.T, mux *http.ServeMux, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

// TestFullAuthorizationFlow drives the protocol end to end over HTTP:
// registration, authorization, consent, code exchange, refresh, revocation.
func TestFullAuthorizationFlow(t *testing.T) {
	_, mux := newTestHandler(t)

	// Register a public client.
	rr := postJSON(t, mux, PathRegister, ClientRegistrationRequest{
		RedirectURIs: []string{"https://example.com/callback"},
		ClientName:   "Flow Test Client",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("POST /register status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var reg ClientRegistrationResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &reg); err != nil {
		t.Fatalf("decode registration response: %v", err)
	}

	// Start authorization; expect a redirect to the consent page.
	challenge, verifier := testutil.GeneratePKCEPair()
	authorizeURL := PathAuthorize + "?" + url.Values{
		"client_id":      {reg.ClientID},
		"redirect_uri":   {"https://example.com/callback"},
		"response_type":  {"code"},
		"state":          {"abc123"},
		"code_challenge": {challenge},
	}.Encode()

	req := httptest.NewRequest(http.MethodGet, authorizeURL, nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusSeeOther {
		t.Fatalf("GET /authorize status = %d, body = %s", rr.Code, rr.Body.String())
	}
	consentLocation := rr.Header().Get("Location")
	if !strings.HasPrefix(consentLocation, PathConsent+"?txn_id=") {
		t.Fatalf("authorize redirect = %q, want consent page", consentLocation)
	}
	consentURL, _ := url.Parse(consentLocation)
	txnID := consentURL.Query().Get("txn_id")

	// The consent form renders with the client name.
	req = httptest.NewRequest(http.MethodGet, consentLocation, nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /consent status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Flow Test Client") {
		t.Error("consent page does not show the client name")
	}

	// Submit credentials; expect a redirect back to the client with the code.
	rr = postForm(t, mux, PathConsent, url.Values{
		"txn_id":   {txnID},
		"ha_url":   {"http://ha.local:8123"},
		"ha_token": {"llat"},
	})
	if rr.Code != http.StatusSeeOther {
		t.Fatalf("POST /consent status = %d, body = %s", rr.Code, rr.Body.String())
	}
	callback, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse callback redirect: %v", err)
	}
	if callback.Host != "example.com" {
		t.Fatalf("callback host = %q, want example.com", callback.Host)
	}
	if got := callback.Query().Get("state"); got != "abc123" {
		t.Errorf("callback state = %q, want abc123", got)
	}
	code := callback.Query().Get("code")
	if code == "" {
		t.Fatal("callback carries no code")
	}

	// Exchange the code.
	rr = postForm(t, mux, PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {reg.ClientID},
		"code":          {code},
		"redirect_uri":  {"https://example.com/callback"},
		"code_verifier": {verifier},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("POST /token status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var tokens TokenResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &tokens); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatal("token response is missing tokens")
	}

	// A second exchange of the same code fails.
	rr = postForm(t, mux, PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {reg.ClientID},
		"code":          {code},
		"redirect_uri":  {"https://example.com/callback"},
		"code_verifier": {verifier},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("code reuse status = %d, want 400", rr.Code)
	}

	// Refresh.
	rr = postForm(t, mux, PathToken, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {reg.ClientID},
		"refresh_token": {tokens.RefreshToken},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var refreshed TokenResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &refreshed); err != nil {
		t.Fatalf("decode refresh response: %v", err)
	}
	if refreshed.RefreshToken == tokens.RefreshToken {
		t.Error("refresh token was not rotated")
	}

	// Revoke the rotated refresh token; the endpoint answers 200.
	rr = postForm(t, mux, PathRevoke, url.Values{"token": {refreshed.RefreshToken}})
	if rr.Code != http.StatusOK {
		t.Fatalf("revoke status = %d", rr.Code)
	}

	// The revoked token no longer refreshes.
	rr = postForm(t, mux, PathToken, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {reg.ClientID},
		"refresh_token": {refreshed.RefreshToken},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("post-revocation refresh status = %d, want 400", rr.Code)
	}
}

func TestConsentBadCredentialsBouncesBackToForm(t *testing.T) {
	server, mux := newTestHandler(t)

	reg := registerTestClient(t, server)
	challenge, _ := testutil.GeneratePKCEPair()
	txnID, err := server.StartAuthorizationFlow(context.Background(),
		&AuthorizationRequest{
			ClientID:      reg.ClientID,
			RedirectURI:   "https://example.com/callback",
			ResponseType:  "code",
			CodeChallenge: challenge,
		}, "198.51.100.1")
	if err != nil {
		t.Fatalf("StartAuthorizationFlow() error = %v", err)
	}

	// Empty credentials are a retryable failure: bounced back to the form.
	rr := postForm(t, mux, PathConsent, url.Values{
		"txn_id":   {txnID},
		"ha_url":   {""},
		"ha_token": {""},
	})
	if rr.Code != http.StatusSeeOther {
		t.Fatalf("POST /consent status = %d, want 303", rr.Code)
	}
	back, _ := url.Parse(rr.Header().Get("Location"))
	if back.Path != PathConsent {
		t.Fatalf("bounce path = %q, want %q", back.Path, PathConsent)
	}
	if back.Query().Get("txn_id") != txnID {
		t.Error("bounce redirect lost the transaction")
	}
	if back.Query().Get("error") == "" {
		t.Error("bounce redirect carries no error message")
	}

	// The form re-renders with the error inline.
	req := httptest.NewRequest(http.MethodGet, rr.Header().Get("Location"), nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET bounced consent status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Both Home Assistant URL and access token are required.") {
		t.Error("re-rendered form does not show the error")
	}
}

func TestConsentUnknownTransaction(t *testing.T) {
	_, mux := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, PathConsent+"?txn_id=missing", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("GET /consent status = %d, want 404", rr.Code)
	}
}

func TestRevokeUnknownTokenStill200(t *testing.T) {
	_, mux := newTestHandler(t)

	rr := postForm(t, mux, PathRevoke, url.Values{"token": {"never-issued"}})
	if rr.Code != http.StatusOK {
		t.Errorf("revoke unknown token status = %d, want 200", rr.Code)
	}

	rr = postForm(t, mux, PathRevoke, url.Values{})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("revoke without token status = %d, want 400", rr.Code)
	}
}

func TestTokenEndpointErrors(t *testing.T) {
	_, mux := newTestHandler(t)

	tests := []struct {
		name       string
		form       url.Values
		wantStatus int
		wantError  string
	}{
		{
			name:       "missing grant type",
			form:       url.Values{},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidRequest,
		},
		{
			name:       "unsupported grant type",
			form:       url.Values{"grant_type": {"password"}},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeUnsupportedGrantType,
		},
		{
			name: "unknown client",
			form: url.Values{
				"grant_type": {"authorization_code"},
				"client_id":  {"nobody"},
				"code":       {"whatever"},
			},
			wantStatus: http.StatusUnauthorized,
			wantError:  ErrorCodeInvalidClient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postForm(t, mux, PathToken, tt.form)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			var errResp ErrorResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &errResp); err != nil {
				t.Fatalf("decode error response: %v", err)
			}
			if errResp.Error != tt.wantError {
				t.Errorf("error = %q, want %q", errResp.Error, tt.wantError)
			}
		})
	}
}

func TestDiscoveryDocument(t *testing.T) {
	_, mux := newTestHandler(t)

	// All three discovery paths serve the identical patched document.
	paths := []string{PathMetadata, PathOIDCMetadata, PathTokenOIDCMetadata}
	var bodies []string

	for _, path := range paths {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, rr.Code)
		}
		bodies = append(bodies, rr.Body.String())

		var meta AuthorizationServerMetadata
		if err := json.Unmarshal(rr.Body.Bytes(), &meta); err != nil {
			t.Fatalf("decode metadata from %s: %v", path, err)
		}

		if meta.Issuer != "https://auth.example.com" {
			t.Errorf("%s issuer = %q", path, meta.Issuer)
		}
		if len(meta.ResponseModesSupported) != 1 || meta.ResponseModesSupported[0] != "query" {
			t.Errorf("%s response_modes_supported = %v, want [query]", path, meta.ResponseModesSupported)
		}
		if !containsString(meta.TokenEndpointAuthMethodsSupported, "none") {
			t.Errorf("%s token auth methods %v missing none", path, meta.TokenEndpointAuthMethodsSupported)
		}
		if !containsString(meta.RevocationEndpointAuthMethodsSupported, "none") {
			t.Errorf("%s revocation auth methods %v missing none", path, meta.RevocationEndpointAuthMethodsSupported)
		}
		if len(meta.CodeChallengeMethodsSupported) != 1 || meta.CodeChallengeMethodsSupported[0] != "S256" {
			t.Errorf("%s code_challenge_methods_supported = %v, want [S256]", path, meta.CodeChallengeMethodsSupported)
		}
	}

	if bodies[0] != bodies[1] || bodies[1] != bodies[2] {
		t.Error("discovery paths serve different documents")
	}
}

func TestDiscoveryCORSAndMethods(t *testing.T) {
	_, mux := newTestHandler(t)

	req := httptest.NewRequest(http.MethodOptions, PathMetadata, nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Errorf("OPTIONS status = %d, want 204", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS allow-origin header")
	}

	req = httptest.NewRequest(http.MethodHead, PathMetadata, nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("HEAD status = %d, want 200", rr.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, PathMetadata, nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE status = %d, want 405", rr.Code)
	}
}

func TestSecurityHeadersPresent(t *testing.T) {
	_, mux := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, PathMetadata, nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	for _, header := range []string{"X-Frame-Options", "X-Content-Type-Options", "Cache-Control"} {
		if rr.Header().Get(header) == "" {
			t.Errorf("response is missing %s header", header)
		}
	}
	// Issuer is HTTPS, so HSTS applies.
	if rr.Header().Get("Strict-Transport-Security") == "" {
		t.Error("response is missing Strict-Transport-Security header")
	}
}
