// provider.go -- Static OAuth provider configuration and the provider registry.
// Adding a provider: add a ProviderName, its defaults in internal/config, and any
// authorization-request extensions in authParams.
package oauth

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/MGallo-Code/obol/internal/pkce"
	"golang.org/x/oauth2"
)

// ProviderName identifies one of the statically supported identity providers.
// Used as the {provider} URL param, the backend path segment and the attempt-store key suffix.
type ProviderName string

const (
	Google    ProviderName = "google"
	Authentik ProviderName = "authentik"
)

// knownProviders is the closed set of providers the registry accepts.
var knownProviders = map[ProviderName]bool{
	Google:    true,
	Authentik: true,
}

// ErrUnknownProvider is returned by Lookup for names that are not configured.
// Reaching it from a login start means a routing or deployment mistake, not user error.
var ErrUnknownProvider = errors.New("unknown oauth provider")

// ConfigurationError reports a missing or invalid static provider setting.
// Fatal at start-up; never surfaced to the login UI.
type ConfigurationError struct {
	Provider ProviderName
	Field    string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("oauth config: provider %q: %s %s", e.Provider, e.Field, e.Reason)
}

// ProviderConfig is the immutable identity of one OAuth provider.
// Holds no secrets -- client secrets live in the confidential backend.
type ProviderConfig struct {
	Name         ProviderName
	AuthorizeURL string
	ClientID     string
	RedirectURI  string
	Scope        string // space-separated, e.g. "openid profile email"

	// Issuer, when set and AuthorizeURL is empty, is used for OIDC discovery at start-up.
	Issuer string
}

// Validate checks every field a login attempt depends on.
// Returns *ConfigurationError on the first problem found.
func (c ProviderConfig) Validate() error {
	if !knownProviders[c.Name] {
		return &ConfigurationError{Provider: c.Name, Field: "name", Reason: "is not a supported provider"}
	}
	if c.ClientID == "" {
		return &ConfigurationError{Provider: c.Name, Field: "client id", Reason: "is required"}
	}
	if c.RedirectURI == "" {
		return &ConfigurationError{Provider: c.Name, Field: "redirect uri", Reason: "is required"}
	}
	if !isAbsoluteURL(c.RedirectURI) {
		return &ConfigurationError{Provider: c.Name, Field: "redirect uri", Reason: "must be an absolute URL"}
	}
	if c.AuthorizeURL == "" {
		return &ConfigurationError{Provider: c.Name, Field: "authorize url", Reason: "is required"}
	}
	if !isAbsoluteURL(c.AuthorizeURL) {
		return &ConfigurationError{Provider: c.Name, Field: "authorize url", Reason: "must be an absolute URL"}
	}
	if strings.TrimSpace(c.Scope) == "" {
		return &ConfigurationError{Provider: c.Name, Field: "scope", Reason: "is required"}
	}
	return nil
}

// AuthCodeURL builds the authorization request URL carrying state and the S256 challenge,
// plus any provider-specific parameters.
func (c ProviderConfig) AuthCodeURL(state, codeChallenge string) string {
	cfg := oauth2.Config{
		ClientID:    c.ClientID,
		RedirectURL: c.RedirectURI,
		Scopes:      strings.Fields(c.Scope),
		Endpoint:    oauth2.Endpoint{AuthURL: c.AuthorizeURL},
	}
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", pkce.ChallengeMethod),
	}
	return cfg.AuthCodeURL(state, append(opts, c.authParams()...)...)
}

// authParams returns the provider-specific authorization-request extensions.
func (c ProviderConfig) authParams() []oauth2.AuthCodeOption {
	switch c.Name {
	case Google:
		// Refresh-capable access; consent is forced so Google re-issues a refresh token.
		return []oauth2.AuthCodeOption{oauth2.AccessTypeOffline, oauth2.ApprovalForce}
	default:
		return nil
	}
}

// Registry maps provider names to their configuration. Built once at start-up, read-only after.
type Registry struct {
	providers map[ProviderName]ProviderConfig
}

// NewRegistry validates every config and indexes it by name.
// Duplicate names are a *ConfigurationError.
func NewRegistry(configs ...ProviderConfig) (*Registry, error) {
	reg := &Registry{providers: make(map[ProviderName]ProviderConfig, len(configs))}
	for _, c := range configs {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := reg.providers[c.Name]; dup {
			return nil, &ConfigurationError{Provider: c.Name, Field: "name", Reason: "is configured twice"}
		}
		reg.providers[c.Name] = c
	}
	return reg, nil
}

// Lookup returns the config for name, or ErrUnknownProvider.
func (r *Registry) Lookup(name ProviderName) (ProviderConfig, error) {
	c, ok := r.providers[name]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return c, nil
}

// Names returns the configured provider names in sorted order.
func (r *Registry) Names() []ProviderName {
	names := make([]ProviderName, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}
