package auth

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// BasicAuthenticator implements HTTP basic authentication.
type BasicAuthenticator struct {
	username string
	password string
}

// NewBasicAuthenticator creates a new basic auth authenticator.
func NewBasicAuthenticator(username, password string) *BasicAuthenticator {
	return &BasicAuthenticator{
		username: username,
		password: password,
	}
}

// ParseLegacyAuth decodes an "_auth" value, base64 of "user:password".
func ParseLegacyAuth(encoded string) (*BasicAuthenticator, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode _auth: %w", err)
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return nil, fmt.Errorf("decode _auth: expected user:password")
	}
	return NewBasicAuthenticator(user, pass), nil
}

// Authenticate adds the Authorization: Basic header to the request.
func (a *BasicAuthenticator) Authenticate(req *http.Request) error {
	if a.username != "" || a.password != "" {
		req.SetBasicAuth(a.username, a.password)
	}
	return nil
}

// Type returns the authentication type.
func (a *BasicAuthenticator) Type() Type {
	return AuthTypeBasic
}
