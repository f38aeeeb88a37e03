// Package testutil provides shared fixtures and helpers for tests.
package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shbatm/ha-mcp-oauth/storage"
)

// NewHubServer starts a fake Home Assistant instance whose /api/config
// endpoint accepts the given token. The caller closes it.
func NewHubServer(acceptToken string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/config" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+acceptToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"version":"2026.8.1","location_name":"Test Home"}`)
	}))
}

// GenerateTestClient creates a registered public client fixture.
func GenerateTestClient() *storage.Client {
	return &storage.Client{
		ClientID:                "test-client-id",
		ClientType:              "public",
		RedirectURIs:            []string{"https://example.com/callback"},
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              "Test Client",
		Scope:                   "homeassistant mcp",
		CreatedAt:               time.Now(),
	}
}

// GenerateTestPendingAuthorization creates an open consent transaction fixture.
func GenerateTestPendingAuthorization() *storage.PendingAuthorization {
	challenge, _ := GeneratePKCEPair()
	return &storage.PendingAuthorization{
		TxnID:               GenerateRandomString(32),
		ClientID:            "test-client-id",
		ClientName:          "Test Client",
		RedirectURI:         "https://example.com/callback",
		State:               GenerateRandomString(16),
		Scopes:              []string{"homeassistant", "mcp"},
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(5 * time.Minute),
	}
}

// GenerateTestAuthorizationCode creates an authorization code fixture.
func GenerateTestAuthorizationCode() *storage.AuthorizationCode {
	challenge, _ := GeneratePKCEPair()
	return &storage.AuthorizationCode{
		Code:                GenerateRandomString(32),
		ClientID:            "test-client-id",
		RedirectURI:         "https://example.com/callback",
		Scopes:              []string{"homeassistant", "mcp"},
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(5 * time.Minute),
	}
}

// GenerateRandomString generates a random URL-safe string.
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid S256 challenge/verifier pair.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want.
func AssertEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
