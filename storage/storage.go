// Package storage defines interfaces for persisting OAuth clients, pending
// authorizations, authorization codes, tokens, and transient hub credentials.
// The in-memory backend in storage/memory is the canonical implementation;
// server state is deliberately process-scoped.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations. Callers match them with
// errors.Is; a missing and an expired record are reported distinctly only
// where the consent UI needs different wording.
var (
	ErrClientNotFound = errors.New("client not found")

	ErrInvalidClientSecret = errors.New("invalid client secret")

	ErrPendingAuthorizationNotFound = errors.New("pending authorization not found")

	// ErrPendingAuthorizationExpired is returned when a pending authorization
	// is read after its TTL. The record is deleted as a side effect of the read.
	ErrPendingAuthorizationExpired = errors.New("pending authorization expired")

	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")

	ErrCredentialsNotFound = errors.New("hub credentials not found")

	ErrTokenNotFound = errors.New("token not found")

	ErrTokenExpired = errors.New("token expired")
)

// Client represents a registered OAuth client.
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash, empty for public clients
	ClientType              string // "public" or "confidential"
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	Scope                   string // space-separated granted scopes
	CreatedAt               time.Time
}

// PendingAuthorization is a consent transaction. It is created when an
// authorization request is accepted and consumed when the consent form is
// submitted, or deleted when read after its TTL.
type PendingAuthorization struct {
	TxnID               string
	ClientID            string
	ClientName          string
	RedirectURI         string
	State               string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AuthorizationCode is a single-use code issued on consent approval.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// HubCredentials holds a validated hub URL and long-lived token. They are
// cached keyed by client ID only between consent approval and code exchange;
// after the exchange the access token string itself carries them.
type HubCredentials struct {
	HubURL      string
	HubToken    string
	ValidatedAt time.Time
}

// AccessToken is a stored access-token record. Records exist only for tokens
// minted by the refresh grant; code-grant access tokens are stateless and are
// never written here.
type AccessToken struct {
	Token     string
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
	Claims    map[string]string // opaque claim bag carried across rotations
}

// RefreshToken is a stored refresh-token record.
type RefreshToken struct {
	Token     string
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
}

// ClientStore manages OAuth client registrations.
type ClientStore interface {
	// SaveClient inserts or overwrites a registered client.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret checks a confidential client's secret against its
	// stored hash. Public clients (no stored hash) accept an empty secret.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients (for admin purposes).
	ListClients(ctx context.Context) ([]*Client, error)
}

// FlowStore manages consent transactions, authorization codes, and the
// transient hub-credential cache.
type FlowStore interface {
	// SavePendingAuthorization stores a consent transaction keyed by TxnID.
	SavePendingAuthorization(ctx context.Context, pending *PendingAuthorization) error

	// GetPendingAuthorization retrieves a consent transaction. Reading an
	// expired transaction deletes it and returns ErrPendingAuthorizationExpired.
	GetPendingAuthorization(ctx context.Context, txnID string) (*PendingAuthorization, error)

	// DeletePendingAuthorization removes a consent transaction.
	DeletePendingAuthorization(ctx context.Context, txnID string) error

	// SaveAuthorizationCode stores an issued authorization code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically validates and deletes a code.
	// It fails with ErrAuthorizationCodeNotFound if the code is unknown,
	// expired (deleted on read), or was issued to a different client.
	// SECURITY: the check-and-delete MUST be atomic per code so that two
	// concurrent exchanges of the same code cannot both succeed.
	ConsumeAuthorizationCode(ctx context.Context, code, clientID string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code.
	DeleteAuthorizationCode(ctx context.Context, code string) error

	// SaveHubCredentials caches validated hub credentials for a client.
	SaveHubCredentials(ctx context.Context, clientID string, creds *HubCredentials) error

	// GetHubCredentials retrieves cached hub credentials for a client.
	GetHubCredentials(ctx context.Context, clientID string) (*HubCredentials, error)

	// DeleteHubCredentials removes cached hub credentials for a client.
	DeleteHubCredentials(ctx context.Context, clientID string) error
}

// TokenStore manages access-token and refresh-token records plus the
// bidirectional access/refresh linkage used to cascade revocation.
type TokenStore interface {
	// SaveAccessToken stores an access-token record.
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken retrieves an access-token record.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// DeleteAccessToken removes an access-token record. Deleting a token that
	// was never materialized is a no-op.
	DeleteAccessToken(ctx context.Context, token string) error

	// SaveRefreshToken stores a refresh-token record.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken retrieves a refresh-token record. An expired record is
	// deleted on read and reported as ErrTokenExpired.
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// DeleteRefreshToken removes a refresh-token record.
	DeleteRefreshToken(ctx context.Context, token string) error

	// LinkTokens records the access<->refresh pairing in both directions.
	LinkTokens(ctx context.Context, accessToken, refreshToken string) error

	// LinkedRefreshToken returns the refresh token paired with an access token,
	// or ErrTokenNotFound if no linkage exists.
	LinkedRefreshToken(ctx context.Context, accessToken string) (string, error)

	// LinkedAccessToken returns the access token paired with a refresh token,
	// or ErrTokenNotFound if no linkage exists.
	LinkedAccessToken(ctx context.Context, refreshToken string) (string, error)

	// Unlink removes the pairing between an access and a refresh token.
	Unlink(ctx context.Context, accessToken, refreshToken string) error
}
