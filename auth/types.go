// Package auth provides registry authentication.
package auth

import (
	"net/http"
	"strings"
)

// Authenticator adds credentials to a registry request.
type Authenticator interface {
	// Authenticate adds authentication to the request
	Authenticate(req *http.Request) error
}

// Type represents the type of authentication.
type Type string

const (
	// AuthTypeNone indicates no authentication is required.
	AuthTypeNone Type = "none"
	// AuthTypeBearer indicates an npm auth token.
	AuthTypeBearer Type = "bearer"
	// AuthTypeBasic indicates HTTP basic authentication.
	AuthTypeBasic Type = "basic"
)

// Credentials are the configured credentials for one registry host.
type Credentials struct {
	Token    string `toml:"token" json:"token,omitempty"`
	Username string `toml:"username" json:"username,omitempty"`
	Password string `toml:"password" json:"password,omitempty"`

	// Auth is the legacy base64 "user:password" form.
	Auth string `toml:"auth" json:"_auth,omitempty"`
}

// Type returns the authentication the credentials select. A token wins
// over a username and password.
func (c Credentials) Type() Type {
	switch {
	case c.Token != "":
		return AuthTypeBearer
	case c.Username != "" || c.Password != "" || c.Auth != "":
		return AuthTypeBasic
	default:
		return AuthTypeNone
	}
}

// Authenticator returns the authenticator for c, or nil when c is empty.
// Secrets stored in the OS keychain are read here.
func (c Credentials) Authenticator() (Authenticator, error) {
	c, err := c.Resolve()
	if err != nil {
		return nil, err
	}
	switch c.Type() {
	case AuthTypeBearer:
		return NewBearerAuthenticator(c.Token), nil
	case AuthTypeBasic:
		if c.Auth != "" && c.Username == "" {
			return ParseLegacyAuth(c.Auth)
		}
		return NewBasicAuthenticator(c.Username, c.Password), nil
	default:
		return nil, nil
	}
}

// Hosts maps registry hosts to authenticators.
type Hosts map[string]Authenticator

// NewHosts builds authenticators for every host with credentials.
func NewHosts(creds map[string]Credentials) (Hosts, error) {
	hosts := make(Hosts, len(creds))
	for host, c := range creds {
		a, err := c.Authenticator()
		if err != nil {
			return nil, err
		}
		if a != nil {
			hosts[strings.ToLower(host)] = a
		}
	}
	return hosts, nil
}

// For returns the authenticator for host, matching with or without the
// port, or nil.
func (h Hosts) For(host string) Authenticator {
	host = strings.ToLower(host)
	if a, ok := h[host]; ok {
		return a
	}
	if i := strings.LastIndex(host, ":"); i > 0 {
		return h[host[:i]]
	}
	return nil
}
