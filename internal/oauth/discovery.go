// discovery.go -- OIDC discovery of authorization endpoints.
package oauth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Discover fills in AuthorizeURL from the issuer's OIDC discovery document when the
// config has an Issuer but no explicit AuthorizeURL. Other configs are returned unchanged.
// Makes one outbound HTTP request; call at start-up only.
func Discover(ctx context.Context, c ProviderConfig) (ProviderConfig, error) {
	if c.AuthorizeURL != "" || c.Issuer == "" {
		return c, nil
	}
	p, err := oidc.NewProvider(ctx, c.Issuer)
	if err != nil {
		return c, fmt.Errorf("%s oidc discovery: %w", c.Name, err)
	}
	authURL := p.Endpoint().AuthURL
	if authURL == "" {
		return c, &ConfigurationError{Provider: c.Name, Field: "issuer", Reason: "advertises no authorization_endpoint"}
	}
	c.AuthorizeURL = authURL
	return c, nil
}
