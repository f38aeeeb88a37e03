package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/shbatm/ha-mcp-oauth/internal/testutil"
	"github.com/shbatm/ha-mcp-oauth/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	t.Cleanup(s.Stop)
	return s
}

func TestSaveGetClient(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	client := testutil.GenerateTestClient()
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := s.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientName != client.ClientName {
		t.Errorf("ClientName = %q, want %q", got.ClientName, client.ClientName)
	}

	if _, err := s.GetClient(ctx, "missing"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient(missing) error = %v, want ErrClientNotFound", err)
	}
}

func TestSaveClient_Validation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.SaveClient(ctx, nil); err == nil {
		t.Error("SaveClient(nil) did not fail")
	}
	if err := s.SaveClient(ctx, &storage.Client{}); err == nil {
		t.Error("SaveClient(empty ID) did not fail")
	}
}

func TestValidateClientSecret(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("bcrypt error = %v", err)
	}

	confidential := testutil.GenerateTestClient()
	confidential.ClientID = "confidential-client"
	confidential.ClientType = "confidential"
	confidential.ClientSecretHash = string(hash)
	if err := s.SaveClient(ctx, confidential); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	public := testutil.GenerateTestClient()
	if err := s.SaveClient(ctx, public); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  error
	}{
		{"correct secret", "confidential-client", "s3cret", nil},
		{"wrong secret", "confidential-client", "nope", storage.ErrInvalidClientSecret},
		{"public with empty secret", public.ClientID, "", nil},
		{"public with secret", public.ClientID, "anything", storage.ErrInvalidClientSecret},
		{"unknown client", "missing", "s3cret", storage.ErrClientNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ValidateClientSecret(ctx, tt.clientID, tt.secret)
			if tt.wantErr == nil && err != nil {
				t.Errorf("ValidateClientSecret() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateClientSecret() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPendingAuthorization_ExpiresOnRead(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	pending := testutil.GenerateTestPendingAuthorization()
	pending.ExpiresAt = time.Now().Add(-time.Second)
	if err := s.SavePendingAuthorization(ctx, pending); err != nil {
		t.Fatalf("SavePendingAuthorization() error = %v", err)
	}

	_, err := s.GetPendingAuthorization(ctx, pending.TxnID)
	if !errors.Is(err, storage.ErrPendingAuthorizationExpired) {
		t.Fatalf("GetPendingAuthorization() error = %v, want ErrPendingAuthorizationExpired", err)
	}

	// The expired record was deleted by the read.
	_, err = s.GetPendingAuthorization(ctx, pending.TxnID)
	if !errors.Is(err, storage.ErrPendingAuthorizationNotFound) {
		t.Errorf("second read error = %v, want ErrPendingAuthorizationNotFound", err)
	}
}

func TestConsumeAuthorizationCode(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	code := testutil.GenerateTestAuthorizationCode()
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	// Wrong client does not consume the code.
	if _, err := s.ConsumeAuthorizationCode(ctx, code.Code, "other-client"); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Fatalf("wrong-client consume error = %v, want ErrAuthorizationCodeNotFound", err)
	}

	got, err := s.ConsumeAuthorizationCode(ctx, code.Code, code.ClientID)
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode() error = %v", err)
	}
	if got.Code != code.Code {
		t.Errorf("Code = %q, want %q", got.Code, code.Code)
	}

	if _, err := s.ConsumeAuthorizationCode(ctx, code.Code, code.ClientID); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("second consume error = %v, want ErrAuthorizationCodeNotFound", err)
	}
}

func TestConsumeAuthorizationCode_Expired(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	code := testutil.GenerateTestAuthorizationCode()
	code.ExpiresAt = time.Now().Add(-time.Second)
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	if _, err := s.ConsumeAuthorizationCode(ctx, code.Code, code.ClientID); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("expired consume error = %v, want ErrAuthorizationCodeNotFound", err)
	}
}

func TestConsumeAuthorizationCode_Concurrent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	code := testutil.GenerateTestAuthorizationCode()
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	const attempts = 16
	var wg sync.WaitGroup
	successes := make(chan struct{}, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeAuthorizationCode(ctx, code.Code, code.ClientID); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	if got := len(successes); got != 1 {
		t.Errorf("concurrent consumes succeeded %d times, want exactly 1", got)
	}
}

func TestHubCredentials(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	creds := &storage.HubCredentials{
		HubURL:      "http://ha.local:8123",
		HubToken:    "llat",
		ValidatedAt: time.Now(),
	}
	if err := s.SaveHubCredentials(ctx, "client-1", creds); err != nil {
		t.Fatalf("SaveHubCredentials() error = %v", err)
	}

	got, err := s.GetHubCredentials(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetHubCredentials() error = %v", err)
	}
	if got.HubURL != creds.HubURL {
		t.Errorf("HubURL = %q, want %q", got.HubURL, creds.HubURL)
	}

	if err := s.DeleteHubCredentials(ctx, "client-1"); err != nil {
		t.Fatalf("DeleteHubCredentials() error = %v", err)
	}
	if _, err := s.GetHubCredentials(ctx, "client-1"); !errors.Is(err, storage.ErrCredentialsNotFound) {
		t.Errorf("after delete error = %v, want ErrCredentialsNotFound", err)
	}
}

func TestRefreshToken_ExpiresOnRead(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	token := &storage.RefreshToken{
		Token:     "expired-refresh",
		ClientID:  "client-1",
		Scopes:    []string{"mcp"},
		ExpiresAt: time.Now().Add(-time.Second),
	}
	if err := s.SaveRefreshToken(ctx, token); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	if _, err := s.GetRefreshToken(ctx, token.Token); !errors.Is(err, storage.ErrTokenExpired) {
		t.Fatalf("GetRefreshToken() error = %v, want ErrTokenExpired", err)
	}
	if _, err := s.GetRefreshToken(ctx, token.Token); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("second read error = %v, want ErrTokenNotFound", err)
	}
}

func TestTokenLinkage(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.LinkTokens(ctx, "access-1", "refresh-1"); err != nil {
		t.Fatalf("LinkTokens() error = %v", err)
	}

	refresh, err := s.LinkedRefreshToken(ctx, "access-1")
	if err != nil {
		t.Fatalf("LinkedRefreshToken() error = %v", err)
	}
	if refresh != "refresh-1" {
		t.Errorf("LinkedRefreshToken() = %q, want refresh-1", refresh)
	}

	access, err := s.LinkedAccessToken(ctx, "refresh-1")
	if err != nil {
		t.Fatalf("LinkedAccessToken() error = %v", err)
	}
	if access != "access-1" {
		t.Errorf("LinkedAccessToken() = %q, want access-1", access)
	}

	if err := s.Unlink(ctx, "access-1", "refresh-1"); err != nil {
		t.Fatalf("Unlink() error = %v", err)
	}
	if _, err := s.LinkedRefreshToken(ctx, "access-1"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("after unlink error = %v, want ErrTokenNotFound", err)
	}
}

func TestCleanupExpired(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	pending := testutil.GenerateTestPendingAuthorization()
	pending.ExpiresAt = time.Now().Add(-time.Minute)
	if err := s.SavePendingAuthorization(ctx, pending); err != nil {
		t.Fatalf("SavePendingAuthorization() error = %v", err)
	}

	code := testutil.GenerateTestAuthorizationCode()
	code.ExpiresAt = time.Now().Add(-time.Minute)
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	// Expired refresh token with a linked access record: cleanup removes the
	// whole pair.
	if err := s.SaveRefreshToken(ctx, &storage.RefreshToken{
		Token:     "stale-refresh",
		ClientID:  "client-1",
		ExpiresAt: time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}
	if err := s.SaveAccessToken(ctx, &storage.AccessToken{
		Token:     "stale-access",
		ClientID:  "client-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("SaveAccessToken() error = %v", err)
	}
	if err := s.LinkTokens(ctx, "stale-access", "stale-refresh"); err != nil {
		t.Fatalf("LinkTokens() error = %v", err)
	}

	s.cleanupExpired()

	if _, err := s.GetPendingAuthorization(ctx, pending.TxnID); !errors.Is(err, storage.ErrPendingAuthorizationNotFound) {
		t.Errorf("pending after cleanup error = %v, want ErrPendingAuthorizationNotFound", err)
	}
	if _, err := s.ConsumeAuthorizationCode(ctx, code.Code, code.ClientID); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("code after cleanup error = %v, want ErrAuthorizationCodeNotFound", err)
	}
	if _, err := s.GetRefreshToken(ctx, "stale-refresh"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("refresh after cleanup error = %v, want ErrTokenNotFound", err)
	}
	if _, err := s.GetAccessToken(ctx, "stale-access"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("linked access after cleanup error = %v, want ErrTokenNotFound", err)
	}
}
