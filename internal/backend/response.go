// response.go -- Typed, validated parse results for backend JSON bodies.
package backend

import (
	"encoding/json"
	"fmt"
	"math"
)

// UserInfo is the identity block embedded in a token exchange response.
type UserInfo struct {
	Sub     string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// TokenResponse is the backend's answer to a successful code exchange.
// ExpiresIn is in seconds; zero means the backend did not say.
type TokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	IDToken      string   `json:"id_token,omitempty"`
	ExpiresIn    int64    `json:"expires_in,omitempty"`
	UserInfo     UserInfo `json:"userinfo"`
}

// UnmarshalJSON accepts a fractional expires_in and floors it to whole seconds.
func (tr *TokenResponse) UnmarshalJSON(data []byte) error {
	type plain TokenResponse
	aux := struct {
		*plain
		ExpiresIn float64 `json:"expires_in,omitempty"`
	}{plain: (*plain)(tr)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	tr.ExpiresIn = int64(math.Floor(aux.ExpiresIn))
	return nil
}

// Profile is the "who am I" answer, including the application role.
type Profile struct {
	Sub      string `json:"sub,omitempty"`
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	Picture  string `json:"picture,omitempty"`
	Provider string `json:"provider"`
	Role     string `json:"role,omitempty"`
}

// ParseTokenResponse decodes and validates a token exchange body.
// access_token, userinfo.sub and userinfo.email are required.
func ParseTokenResponse(raw []byte) (*TokenResponse, error) {
	var tr TokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, fmt.Errorf("%w: token response: %v", ErrMalformedResponse, err)
	}
	switch {
	case tr.AccessToken == "":
		return nil, fmt.Errorf("%w: token response missing access_token", ErrMalformedResponse)
	case tr.UserInfo.Sub == "":
		return nil, fmt.Errorf("%w: token response missing userinfo.sub", ErrMalformedResponse)
	case tr.UserInfo.Email == "":
		return nil, fmt.Errorf("%w: token response missing userinfo.email", ErrMalformedResponse)
	case tr.ExpiresIn < 0:
		return nil, fmt.Errorf("%w: token response has negative expires_in", ErrMalformedResponse)
	}
	return &tr, nil
}

// ParseProfile decodes a /me body. Every field is optional: login only takes the
// role from it, and identity already came from the token response.
func ParseProfile(raw []byte) (*Profile, error) {
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: profile: %v", ErrMalformedResponse, err)
	}
	return &p, nil
}
