// config.go

// Environment variable loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MGallo-Code/obol/internal/oauth"
	"github.com/joho/godotenv"
)

// Built-in provider defaults.
const (
	DefaultScope           = "openid profile email"
	GoogleAuthorizeURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	authentikAuthorizePath = "/application/o/authorize/"
)

// Config holds all env configuration vars for obol.
type Config struct {
	BackendURL     string
	BackendTimeout time.Duration
	RedisURL       string
	DatabaseURL    string // optional; empty disables the login audit log
	Port           string
	LogLevel       slog.Level

	// CookieSecure controls the Secure flag (and __Host- prefix) on the scope cookie.
	// Default true; set COOKIE_SECURE=false only for local plain-HTTP development.
	CookieSecure bool

	// AttemptTTL bounds how long a started login waits for its callback.
	AttemptTTL time.Duration
	// ScopeCookieTTL is the lifetime of the flow-scope cookie.
	ScopeCookieTTL time.Duration

	// Rate limit policy for login starts per client IP. Defaults: max=20, window=1m.
	RateLoginStartMax    int
	RateLoginStartWindow time.Duration

	// AuditRetention is how long login events are kept. Default 30 days.
	AuditRetention time.Duration

	// Providers holds one entry per enabled provider. Validated by oauth.NewRegistry.
	Providers []oauth.ProviderConfig
}

// LoadDotEnv loads path (default ".env") into the process environment if it exists.
// Variables already set in the environment win.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// LoadConfig reads environment variables and returns a validated Config.
// Missing required variables and half-configured providers are errors.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.BackendURL = strings.TrimRight(os.Getenv("BACKEND_URL"), "/")
	if cfg.BackendURL == "" {
		return nil, fmt.Errorf("BACKEND_URL is required")
	}
	// Verifier and code travel to the backend; never over plain HTTP outside localhost.
	if !strings.HasPrefix(cfg.BackendURL, "https://") && !isLocalHTTP(cfg.BackendURL) {
		return nil, fmt.Errorf("BACKEND_URL must start with https:// (http:// allowed for localhost only)")
	}
	cfg.BackendTimeout = envDuration("BACKEND_TIMEOUT", 10*time.Second)

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "7866"
	}

	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	// Default true -- only explicit "false" disables.
	cfg.CookieSecure = os.Getenv("COOKIE_SECURE") != "false"

	cfg.AttemptTTL = envDuration("ATTEMPT_TTL", 10*time.Minute)
	cfg.ScopeCookieTTL = envDuration("SCOPE_COOKIE_TTL", 10*time.Minute)
	cfg.RateLoginStartMax = envInt("RATE_LOGIN_START_MAX", 20)
	cfg.RateLoginStartWindow = envDuration("RATE_LOGIN_START_WINDOW", time.Minute)
	cfg.AuditRetention = envDuration("AUDIT_RETENTION", 30*24*time.Hour)

	google, ok, err := providerFromEnv(oauth.Google, "GOOGLE", GoogleAuthorizeURL, "")
	if err != nil {
		return nil, err
	}
	if ok {
		cfg.Providers = append(cfg.Providers, google)
	}

	authentikDefault := ""
	if base := strings.TrimRight(os.Getenv("AUTHENTIK_URL"), "/"); base != "" {
		authentikDefault = base + authentikAuthorizePath
	}
	authentik, ok, err := providerFromEnv(oauth.Authentik, "AUTHENTIK", authentikDefault, os.Getenv("AUTHENTIK_ISSUER"))
	if err != nil {
		return nil, err
	}
	if ok {
		cfg.Providers = append(cfg.Providers, authentik)
	}

	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no oauth provider configured: set GOOGLE_CLIENT_ID/GOOGLE_REDIRECT_URI or AUTHENTIK_CLIENT_ID/AUTHENTIK_REDIRECT_URI")
	}
	return cfg, nil
}

// providerFromEnv reads {PREFIX}_CLIENT_ID, _REDIRECT_URI, _AUTHORIZE_URL and _SCOPE.
// A provider with neither client id nor redirect URI is disabled (ok=false); one with only
// one of them is a *oauth.ConfigurationError. Full validation happens in oauth.NewRegistry.
func providerFromEnv(name oauth.ProviderName, prefix, defaultAuthorizeURL, issuer string) (oauth.ProviderConfig, bool, error) {
	clientID := os.Getenv(prefix + "_CLIENT_ID")
	redirectURI := os.Getenv(prefix + "_REDIRECT_URI")
	if clientID == "" && redirectURI == "" {
		return oauth.ProviderConfig{}, false, nil
	}
	if clientID == "" {
		return oauth.ProviderConfig{}, false, &oauth.ConfigurationError{Provider: name, Field: "client id", Reason: "is required (" + prefix + "_CLIENT_ID)"}
	}
	if redirectURI == "" {
		return oauth.ProviderConfig{}, false, &oauth.ConfigurationError{Provider: name, Field: "redirect uri", Reason: "is required (" + prefix + "_REDIRECT_URI)"}
	}

	authorizeURL := os.Getenv(prefix + "_AUTHORIZE_URL")
	if authorizeURL == "" && issuer == "" {
		authorizeURL = defaultAuthorizeURL
	}
	scope := os.Getenv(prefix + "_SCOPE")
	if scope == "" {
		scope = DefaultScope
	}

	return oauth.ProviderConfig{
		Name:         name,
		AuthorizeURL: authorizeURL,
		ClientID:     clientID,
		RedirectURI:  redirectURI,
		Scope:        scope,
		Issuer:       issuer,
	}, true, nil
}

func isLocalHTTP(u string) bool {
	for _, p := range []string{"http://localhost", "http://127.0.0.1", "http://[::1]"} {
		if u == p || strings.HasPrefix(u, p+":") || strings.HasPrefix(u, p+"/") {
			return true
		}
	}
	return false
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
