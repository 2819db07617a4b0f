// client.go -- HTTP client for the confidential token-exchange backend.
//
// The backend holds the provider client secrets and performs the real token exchange.
// This client only forwards the code + PKCE verifier and reads back normalized JSON.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GenericExchangeMessage is used when the backend rejects an exchange without a usable detail.
const GenericExchangeMessage = "Token exchange failed"

// maxBodyBytes caps how much of any backend response is read.
const maxBodyBytes = 1 << 20

// ErrMalformedResponse is returned when a 2xx body does not decode or lacks required fields.
var ErrMalformedResponse = errors.New("malformed backend response")

// ExchangeError is returned by ExchangeCode for a non-2xx response.
// Message is the backend-supplied detail, or GenericExchangeMessage when none was usable.
type ExchangeError struct {
	StatusCode int
	Message    string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("backend token exchange: status %d: %s", e.StatusCode, e.Message)
}

// ProfileError is returned by FetchProfile for a non-2xx response.
type ProfileError struct {
	StatusCode int
}

func (e *ProfileError) Error() string {
	return fmt.Sprintf("backend profile lookup: status %d", e.StatusCode)
}

// Client talks to the backend's /api/login endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a Client for baseURL (e.g. "https://api.example.com").
// timeout bounds each outbound request.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ExchangeRequest is the JSON body sent to POST /api/login/{provider}/token.
type ExchangeRequest struct {
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
}

// ExchangeCode trades an authorization code for tokens via the backend.
// Returns *ExchangeError for non-2xx responses; transport and decode failures are wrapped.
func (c *Client) ExchangeCode(ctx context.Context, provider string, in ExchangeRequest) (*TokenResponse, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("backend: encoding exchange request: %w", err)
	}

	endpoint := c.baseURL + "/api/login/" + url.PathEscape(provider) + "/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("backend: building exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// A body read or parse failure must not hide the HTTP failure itself.
		msg := GenericExchangeMessage
		if readErr == nil {
			msg = errorDetail(raw)
		}
		return nil, &ExchangeError{StatusCode: resp.StatusCode, Message: msg}
	}
	if readErr != nil {
		return nil, fmt.Errorf("backend: reading exchange response: %w", readErr)
	}
	return ParseTokenResponse(raw)
}

// FetchProfile calls GET /api/login/me with the new access token.
// Returns *ProfileError for non-2xx responses.
func (c *Client) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/login/me", nil)
	if err != nil {
		return nil, fmt.Errorf("backend: building profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: profile request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, &ProfileError{StatusCode: resp.StatusCode}
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("backend: reading profile response: %w", err)
	}
	return ParseProfile(raw)
}

// errorDetail extracts a non-empty string "detail" from an error body.
// Anything else (non-JSON, missing, empty or non-string detail) yields GenericExchangeMessage.
func errorDetail(raw []byte) string {
	var body struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return GenericExchangeMessage
	}
	if s, ok := body.Detail.(string); ok && s != "" {
		return s
	}
	return GenericExchangeMessage
}
