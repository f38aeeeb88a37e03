// Package memory provides an in-memory implementation of all storage
// interfaces. It is the canonical backend: the authorization server holds
// state only for the lifetime of the process.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/shbatm/ha-mcp-oauth/instrumentation"
	"github.com/shbatm/ha-mcp-oauth/storage"
)

// Store is an in-memory implementation of all storage interfaces.
// It implements ClientStore, FlowStore, and TokenStore.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client

	// Flow storage
	pending     map[string]*storage.PendingAuthorization
	authCodes   map[string]*storage.AuthorizationCode
	credentials map[string]*storage.HubCredentials // client ID -> validated hub credentials

	// Token storage
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken

	// Revocation linkage, maintained in both directions
	accessToRefresh map[string]string
	refreshToAccess map[string]string

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for gauge callbacks (lock-free reads during collection)
	clientsCount       atomic.Int64
	pendingCount       atomic.Int64
	codesCount         atomic.Int64
	refreshTokensCount atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.FlowStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, the default of 1 minute is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		pending:         make(map[string]*storage.PendingAuthorization),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		credentials:     make(map[string]*storage.HubCredentials),
		accessTokens:    make(map[string]*storage.AccessToken),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		accessToRefresh: make(map[string]string),
		refreshToAccess: make(map[string]string),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store and
// registers gauge callbacks for store sizes.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.clientsCount.Store(int64(len(s.clients)))
	s.pendingCount.Store(int64(len(s.pending)))
	s.codesCount.Store(int64(len(s.authCodes)))
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.clientsCount.Load() },
			func() int64 { return s.pendingCount.Load() },
			func() int64 { return s.codesCount.Load() },
			func() int64 { return s.refreshTokensCount.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// startStorageSpan starts a tracing span for a storage operation (nil-safe).
func (s *Store) startStorageSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, nil
	}
	ctx, span := s.tracer.Start(ctx, "storage."+op)
	span.SetAttributes(
		attribute.String(instrumentation.AttrStorageOperation, op),
		attribute.String(instrumentation.AttrStorageType, "memory"),
	)
	return ctx, span
}

// endStorageSpan finishes a storage span with the operation result (nil-safe).
func endStorageSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient inserts or overwrites a registered client. Re-registration with
// the same client ID overwrites the previous record.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	_, span := s.startStorageSpan(ctx, "save_client")
	defer func() { endStorageSpan(span, err) }()

	if client == nil {
		err = fmt.Errorf("client cannot be nil")
		return err
	}
	if client.ClientID == "" {
		err = fmt.Errorf("client ID cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.clients[client.ClientID]
	s.clients[client.ClientID] = client
	if !existed {
		s.clientsCount.Add(1)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID, "client_type", client.ClientType)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	_, span := s.startStorageSpan(ctx, "get_client")
	defer func() { endStorageSpan(span, err) }()

	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}
	return client, nil
}

// ValidateClientSecret validates a client's secret against its bcrypt hash.
// Public clients carry no hash and accept an empty secret.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) (err error) {
	_, span := s.startStorageSpan(ctx, "validate_client_secret")
	defer func() { endStorageSpan(span, err) }()

	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return err
	}

	if client.ClientSecretHash == "" {
		if clientSecret != "" {
			err = storage.ErrInvalidClientSecret
			return err
		}
		return nil
	}

	if bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)) != nil {
		err = storage.ErrInvalidClientSecret
		return err
	}
	return nil
}

// ListClients lists all registered clients.
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	_, span := s.startStorageSpan(ctx, "list_clients")
	defer func() { endStorageSpan(span, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	return clients, nil
}

// ============================================================
// FlowStore
// ============================================================

// SavePendingAuthorization stores a consent transaction.
func (s *Store) SavePendingAuthorization(ctx context.Context, pending *storage.PendingAuthorization) (err error) {
	_, span := s.startStorageSpan(ctx, "save_pending_authorization")
	defer func() { endStorageSpan(span, err) }()

	if pending == nil {
		err = fmt.Errorf("pending authorization cannot be nil")
		return err
	}
	if pending.TxnID == "" {
		err = fmt.Errorf("transaction ID cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.pending[pending.TxnID]
	s.pending[pending.TxnID] = pending
	if !existed {
		s.pendingCount.Add(1)
	}

	s.logger.Debug("Saved pending authorization", "client_id", pending.ClientID)
	return nil
}

// GetPendingAuthorization retrieves a consent transaction. Reading an expired
// transaction deletes it and reports ErrPendingAuthorizationExpired so the
// consent page can render a terminal expiry error.
func (s *Store) GetPendingAuthorization(ctx context.Context, txnID string) (_ *storage.PendingAuthorization, err error) {
	_, span := s.startStorageSpan(ctx, "get_pending_authorization")
	defer func() { endStorageSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	pending, ok := s.pending[txnID]
	if !ok {
		err = storage.ErrPendingAuthorizationNotFound
		return nil, err
	}

	if time.Now().After(pending.ExpiresAt) {
		delete(s.pending, txnID)
		s.pendingCount.Add(-1)
		err = storage.ErrPendingAuthorizationExpired
		return nil, err
	}

	return pending, nil
}

// DeletePendingAuthorization removes a consent transaction.
func (s *Store) DeletePendingAuthorization(ctx context.Context, txnID string) (err error) {
	_, span := s.startStorageSpan(ctx, "delete_pending_authorization")
	defer func() { endStorageSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[txnID]; ok {
		delete(s.pending, txnID)
		s.pendingCount.Add(-1)
	}
	return nil
}

// SaveAuthorizationCode stores an issued authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	_, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer func() { endStorageSpan(span, err) }()

	if code == nil {
		err = fmt.Errorf("authorization code cannot be nil")
		return err
	}
	if code.Code == "" {
		err = fmt.Errorf("code cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.authCodes[code.Code]
	s.authCodes[code.Code] = code
	if !existed {
		s.codesCount.Add(1)
	}
	return nil
}

// ConsumeAuthorizationCode atomically validates and deletes a code under a
// single lock acquisition, so two concurrent exchanges of the same code can
// never both succeed. Unknown, expired, and wrong-client codes all report
// ErrAuthorizationCodeNotFound; callers cannot distinguish a forged code from
// an expired one.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code, clientID string) (_ *storage.AuthorizationCode, err error) {
	_, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer func() { endStorageSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.authCodes[code]
	if !ok {
		err = storage.ErrAuthorizationCodeNotFound
		return nil, err
	}

	if time.Now().After(record.ExpiresAt) {
		delete(s.authCodes, code)
		s.codesCount.Add(-1)
		err = storage.ErrAuthorizationCodeNotFound
		return nil, err
	}

	if record.ClientID != clientID {
		err = storage.ErrAuthorizationCodeNotFound
		return nil, err
	}

	delete(s.authCodes, code)
	s.codesCount.Add(-1)
	return record, nil
}

// DeleteAuthorizationCode removes an authorization code.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) (err error) {
	_, span := s.startStorageSpan(ctx, "delete_authorization_code")
	defer func() { endStorageSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authCodes[code]; ok {
		delete(s.authCodes, code)
		s.codesCount.Add(-1)
	}
	return nil
}

// SaveHubCredentials caches validated hub credentials for a client.
func (s *Store) SaveHubCredentials(ctx context.Context, clientID string, creds *storage.HubCredentials) (err error) {
	_, span := s.startStorageSpan(ctx, "save_hub_credentials")
	defer func() { endStorageSpan(span, err) }()

	if clientID == "" {
		err = fmt.Errorf("client ID cannot be empty")
		return err
	}
	if creds == nil {
		err = fmt.Errorf("credentials cannot be nil")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.credentials[clientID] = creds
	s.logger.Debug("Cached hub credentials", "client_id", clientID, "hub_url", creds.HubURL)
	return nil
}

// GetHubCredentials retrieves cached hub credentials for a client.
func (s *Store) GetHubCredentials(ctx context.Context, clientID string) (_ *storage.HubCredentials, err error) {
	_, span := s.startStorageSpan(ctx, "get_hub_credentials")
	defer func() { endStorageSpan(span, err) }()

	s.mu.RLock()
	creds, ok := s.credentials[clientID]
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: client %s", storage.ErrCredentialsNotFound, clientID)
		return nil, err
	}
	return creds, nil
}

// DeleteHubCredentials removes cached hub credentials for a client.
func (s *Store) DeleteHubCredentials(ctx context.Context, clientID string) (err error) {
	_, span := s.startStorageSpan(ctx, "delete_hub_credentials")
	defer func() { endStorageSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.credentials, clientID)
	return nil
}

// ============================================================
// TokenStore
// ============================================================

// SaveAccessToken stores an access-token record.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	_, span := s.startStorageSpan(ctx, "save_access_token")
	defer func() { endStorageSpan(span, err) }()

	if token == nil {
		err = fmt.Errorf("token cannot be nil")
		return err
	}
	if token.Token == "" {
		err = fmt.Errorf("token string cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.accessTokens[token.Token] = token
	return nil
}

// GetAccessToken retrieves an access-token record.
func (s *Store) GetAccessToken(ctx context.Context, token string) (_ *storage.AccessToken, err error) {
	_, span := s.startStorageSpan(ctx, "get_access_token")
	defer func() { endStorageSpan(span, err) }()

	s.mu.RLock()
	record, ok := s.accessTokens[token]
	s.mu.RUnlock()

	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}
	return record, nil
}

// DeleteAccessToken removes an access-token record. Deleting a record that was
// never materialized (a stateless code-grant token) is a no-op.
func (s *Store) DeleteAccessToken(ctx context.Context, token string) (err error) {
	_, span := s.startStorageSpan(ctx, "delete_access_token")
	defer func() { endStorageSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.accessTokens, token)
	return nil
}

// SaveRefreshToken stores a refresh-token record.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	_, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer func() { endStorageSpan(span, err) }()

	if token == nil {
		err = fmt.Errorf("token cannot be nil")
		return err
	}
	if token.Token == "" {
		err = fmt.Errorf("token string cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.refreshTokens[token.Token]
	s.refreshTokens[token.Token] = token
	if !existed {
		s.refreshTokensCount.Add(1)
	}
	return nil
}

// GetRefreshToken retrieves a refresh-token record. An expired record is
// deleted on read and reported as ErrTokenExpired.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (_ *storage.RefreshToken, err error) {
	_, span := s.startStorageSpan(ctx, "get_refresh_token")
	defer func() { endStorageSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.refreshTokens[token]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	if !record.ExpiresAt.IsZero() && time.Now().After(record.ExpiresAt) {
		delete(s.refreshTokens, token)
		s.refreshTokensCount.Add(-1)
		err = storage.ErrTokenExpired
		return nil, err
	}

	return record, nil
}

// DeleteRefreshToken removes a refresh-token record.
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) (err error) {
	_, span := s.startStorageSpan(ctx, "delete_refresh_token")
	defer func() { endStorageSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refreshTokens[token]; ok {
		delete(s.refreshTokens, token)
		s.refreshTokensCount.Add(-1)
	}
	return nil
}

// LinkTokens records the access<->refresh pairing in both directions.
func (s *Store) LinkTokens(ctx context.Context, accessToken, refreshToken string) (err error) {
	_, span := s.startStorageSpan(ctx, "link_tokens")
	defer func() { endStorageSpan(span, err) }()

	if accessToken == "" || refreshToken == "" {
		err = fmt.Errorf("access and refresh tokens cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.accessToRefresh[accessToken] = refreshToken
	s.refreshToAccess[refreshToken] = accessToken
	return nil
}

// LinkedRefreshToken returns the refresh token paired with an access token.
func (s *Store) LinkedRefreshToken(ctx context.Context, accessToken string) (_ string, err error) {
	_, span := s.startStorageSpan(ctx, "linked_refresh_token")
	defer func() { endStorageSpan(span, err) }()

	s.mu.RLock()
	refreshToken, ok := s.accessToRefresh[accessToken]
	s.mu.RUnlock()

	if !ok {
		err = storage.ErrTokenNotFound
		return "", err
	}
	return refreshToken, nil
}

// LinkedAccessToken returns the access token paired with a refresh token.
func (s *Store) LinkedAccessToken(ctx context.Context, refreshToken string) (_ string, err error) {
	_, span := s.startStorageSpan(ctx, "linked_access_token")
	defer func() { endStorageSpan(span, err) }()

	s.mu.RLock()
	accessToken, ok := s.refreshToAccess[refreshToken]
	s.mu.RUnlock()

	if !ok {
		err = storage.ErrTokenNotFound
		return "", err
	}
	return accessToken, nil
}

// Unlink removes the pairing between an access and a refresh token.
func (s *Store) Unlink(ctx context.Context, accessToken, refreshToken string) (err error) {
	_, span := s.startStorageSpan(ctx, "unlink_tokens")
	defer func() { endStorageSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.accessToRefresh, accessToken)
	delete(s.refreshToAccess, refreshToken)
	return nil
}

// ============================================================
// Cleanup
// ============================================================

// cleanupLoop periodically removes expired records so abandoned flows do not
// accumulate for the lifetime of the process.
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanupExpired removes expired pending authorizations, authorization codes,
// refresh tokens (with their linkage), and stored access tokens.
func (s *Store) cleanupExpired() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removedPending := 0
	for txnID, pending := range s.pending {
		if now.After(pending.ExpiresAt) {
			delete(s.pending, txnID)
			s.pendingCount.Add(-1)
			removedPending++
		}
	}

	removedCodes := 0
	for code, record := range s.authCodes {
		if now.After(record.ExpiresAt) {
			delete(s.authCodes, code)
			s.codesCount.Add(-1)
			removedCodes++
		}
	}

	removedTokens := 0
	for token, record := range s.refreshTokens {
		if !record.ExpiresAt.IsZero() && now.After(record.ExpiresAt) {
			delete(s.refreshTokens, token)
			s.refreshTokensCount.Add(-1)
			if access, ok := s.refreshToAccess[token]; ok {
				delete(s.refreshToAccess, token)
				delete(s.accessToRefresh, access)
				delete(s.accessTokens, access)
			}
			removedTokens++
		}
	}
	for token, record := range s.accessTokens {
		if !record.ExpiresAt.IsZero() && now.After(record.ExpiresAt) {
			delete(s.accessTokens, token)
			if refresh, ok := s.accessToRefresh[token]; ok {
				delete(s.accessToRefresh, token)
				delete(s.refreshToAccess, refresh)
			}
			removedTokens++
		}
	}

	if removedPending > 0 || removedCodes > 0 || removedTokens > 0 {
		s.logger.Debug("Cleaned up expired records",
			"pending", removedPending,
			"codes", removedCodes,
			"tokens", removedTokens)
	}
}
