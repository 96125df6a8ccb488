package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrMissingCredential is returned when a required credential is unset.
var ErrMissingCredential = errors.New("missing credential")

const (
	defaultAuthorityURL = "https://login.microsoftonline.com"
	defaultScope        = "https://management.azure.com/.default"
)

// CredentialConfig holds the service principal used for the management API.
type CredentialConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	AuthorityURL string `yaml:"authority_url"`
	Scope        string `yaml:"scope"`
}

// TokenSource returns a bearer token for the management API.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Credentials fetches a fresh client-credentials token on every call.
type Credentials struct {
	cc   *clientcredentials.Config
	http *http.Client
}

// NewCredentials validates cfg and returns a token source.
func NewCredentials(cfg CredentialConfig, timeout time.Duration) (*Credentials, error) {
	var missing []string
	if cfg.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	if cfg.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if cfg.ClientSecret == "" {
		missing = append(missing, "client_secret")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingCredential, strings.Join(missing, ", "))
	}

	authority := strings.TrimRight(cfg.AuthorityURL, "/")
	if authority == "" {
		authority = defaultAuthorityURL
	}
	scope := cfg.Scope
	if scope == "" {
		scope = defaultScope
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Credentials{
		cc: &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", authority, cfg.TenantID),
			Scopes:       []string{scope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		http: &http.Client{Timeout: timeout},
	}, nil
}

// Token requests a new access token. Tokens are not cached.
func (c *Credentials) Token(ctx context.Context) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	tok, err := c.cc.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("acquire token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("acquire token: empty access token")
	}
	return tok.AccessToken, nil
}
