// session.go -- The normalized login result handed back to the caller.
package login

import "github.com/MGallo-Code/obol/internal/oauth"

// UserInfo is the identity block of a Session.
type UserInfo struct {
	Sub     string `json:"sub"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// Session is the result of a completed login. Owned by the caller once returned.
// ExpiresAt is absolute epoch seconds, fixed at exchange time; nil when the backend
// gave no expires_in. Role is empty when the profile lookup was unavailable.
type Session struct {
	Provider     oauth.ProviderName `json:"provider"`
	AccessToken  string             `json:"access_token"`
	RefreshToken string             `json:"refresh_token,omitempty"`
	IDToken      string             `json:"id_token,omitempty"`
	ExpiresAt    *int64             `json:"expires_at,omitempty"`
	UserInfo     *UserInfo          `json:"userinfo,omitempty"`
	Role         string             `json:"role,omitempty"`
}
