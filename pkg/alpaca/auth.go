package alpaca

import (
	"fmt"
	"net/http"
)

// AuthType represents the authentication method
type AuthType string

const (
	AuthTypeKey   AuthType = "key"
	AuthTypeOAuth AuthType = "oauth"
)

// Authenticator interface for different auth methods
type Authenticator interface {
	AddAuthHeaders(req *http.Request) error
}

// KeyAuthenticator uses the API key ID / secret key header pair.
type KeyAuthenticator struct {
	keyID     string
	secretKey string
}

func NewKeyAuthenticator(keyID, secretKey string) *KeyAuthenticator {
	return &KeyAuthenticator{keyID: keyID, secretKey: secretKey}
}

func (k *KeyAuthenticator) AddAuthHeaders(req *http.Request) error {
	if k.keyID == "" || k.secretKey == "" {
		return fmt.Errorf("missing API key or secret")
	}
	req.Header.Set("APCA-API-KEY-ID", k.keyID)
	req.Header.Set("APCA-API-SECRET-KEY", k.secretKey)
	return nil
}

// Credentials exposes the key pair for the streaming handshake.
func (k *KeyAuthenticator) Credentials() (string, string) {
	return k.keyID, k.secretKey
}

// OAuthAuthenticator sends an OAuth access token issued to a connected app.
type OAuthAuthenticator struct {
	token string
}

func NewOAuthAuthenticator(token string) *OAuthAuthenticator {
	return &OAuthAuthenticator{token: token}
}

func (o *OAuthAuthenticator) AddAuthHeaders(req *http.Request) error {
	if o.token == "" {
		return fmt.Errorf("missing OAuth token")
	}
	req.Header.Set("Authorization", "Bearer "+o.token)
	return nil
}

// NewAuthenticator picks the authenticator for authType; key auth is the
// default.
func NewAuthenticator(authType AuthType, keyID, secretKey, token string) (Authenticator, error) {
	switch authType {
	case AuthTypeKey, "":
		return NewKeyAuthenticator(keyID, secretKey), nil
	case AuthTypeOAuth:
		return NewOAuthAuthenticator(token), nil
	default:
		return nil, fmt.Errorf("unknown auth type %q", authType)
	}
}
