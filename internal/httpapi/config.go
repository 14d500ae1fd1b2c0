package httpapi

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr     = ":8080"
	defaultAllowedOrigin  = "http://localhost:8000"
	defaultSessionIssuer  = "tauth"
	defaultSessionCookie  = "app_session"
	defaultCallbackPath   = "/payments/mpesa_callback"
	defaultRequestTimeout = 45 * time.Second
	defaultListLimit      = 50
	maxListLimit          = 200
)

// Config aggregates runtime settings for the HTTP surface.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	// RequestTimeout bounds each API call. app.Config.Validate requires it to
	// exceed the gateway token plus push timeouts.
	RequestTimeout time.Duration
	CallbackPath   string
	ListLimit      int
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.CallbackPath = defaultIfEmpty(cfg.CallbackPath, defaultCallbackPath)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = defaultListLimit
	}
	if cfg.ListLimit > maxListLimit {
		return fmt.Errorf("list limit must not exceed %d", maxListLimit)
	}
	if !strings.HasPrefix(cfg.CallbackPath, "/") {
		return fmt.Errorf("callback path %q must start with /", cfg.CallbackPath)
	}
	if strings.HasPrefix(cfg.CallbackPath, apiPrefix+"/") {
		return fmt.Errorf("callback path %q must not live under %s", cfg.CallbackPath, apiPrefix)
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
