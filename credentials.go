package oauth

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// credentialClaims is the payload of a stateless access token: the hub URL
// and long-lived token the server validated at consent, plus the issue time.
// The encoding is reversible base64url JSON with no signature or encryption;
// possession of the token string is possession of the hub credentials, which
// is exactly the trust model (the server guards the front door, the hub token
// already grants full hub access).
type credentialClaims struct {
	HubURL   string `json:"ha_url"`
	HubToken string `json:"ha_token"`
	IssuedAt int64  `json:"iat"`
}

// encodeCredentials packs hub credentials into a stateless access token.
func encodeCredentials(hubURL, hubToken string, issuedAt time.Time) (string, error) {
	payload, err := json.Marshal(credentialClaims{
		HubURL:   hubURL,
		HubToken: hubToken,
		IssuedAt: issuedAt.Unix(),
	})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(payload), nil
}

// decodeCredentials unpacks a stateless access token. Any malformed input,
// from padding damage to truncation to a random opaque token, comes back as
// ok=false; there is no secondary lookup, so only tokens produced by
// encodeCredentials ever decode.
func decodeCredentials(token string) (credentialClaims, bool) {
	// Tolerate padded variants of the same encoding.
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return credentialClaims{}, false
	}

	var claims credentialClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return credentialClaims{}, false
	}
	if claims.HubURL == "" || claims.HubToken == "" {
		return credentialClaims{}, false
	}
	return claims, true
}
