package mpesa

import (
	"fmt"
	"strings"
	"time"
)

// Environment selects the Daraja deployment.
type Environment string

const (
	EnvironmentSandbox Environment = "sandbox"
	EnvironmentLive    Environment = "live"

	defaultTransactionType = "CustomerPayBillOnline"
	defaultTokenTimeout    = 10 * time.Second
	defaultPushTimeout     = 30 * time.Second

	sandboxBaseURL = "https://sandbox.safaricom.co.ke"
	liveBaseURL    = "https://api.safaricom.co.ke"

	authPath  = "/oauth/v1/generate?grant_type=client_credentials"
	pushPath  = "/mpesa/stkpush/v1/processrequest"
	queryPath = "/mpesa/stkpushquery/v1/query"
)

// Config aggregates the Daraja credentials and endpoints.
type Config struct {
	Environment     Environment
	AuthURL         string
	PushURL         string
	QueryURL        string
	ConsumerKey     string
	ConsumerSecret  string
	ShortCode       string
	PassKey         string
	TransactionType string
	TokenTimeout    time.Duration
	PushTimeout     time.Duration
}

// Validate fills defaults and rejects unknown environments. Missing
// credentials are reported per call as ErrMisconfiguredCredentials so the
// rest of the service can run without payments configured.
func (cfg *Config) Validate() error {
	environment := Environment(strings.ToLower(strings.TrimSpace(string(cfg.Environment))))
	if environment == "" {
		environment = EnvironmentSandbox
	}
	var baseURL string
	switch environment {
	case EnvironmentSandbox:
		baseURL = sandboxBaseURL
	case EnvironmentLive:
		baseURL = liveBaseURL
	default:
		return fmt.Errorf("mpesa environment %q must be %q or %q", cfg.Environment, EnvironmentSandbox, EnvironmentLive)
	}
	cfg.Environment = environment
	cfg.AuthURL = defaultIfEmpty(cfg.AuthURL, baseURL+authPath)
	cfg.PushURL = defaultIfEmpty(cfg.PushURL, baseURL+pushPath)
	cfg.QueryURL = defaultIfEmpty(cfg.QueryURL, baseURL+queryPath)
	cfg.TransactionType = defaultIfEmpty(cfg.TransactionType, defaultTransactionType)
	if cfg.TokenTimeout <= 0 {
		cfg.TokenTimeout = defaultTokenTimeout
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = defaultPushTimeout
	}
	return nil
}

func (cfg Config) credentialsConfigured() bool {
	return strings.TrimSpace(cfg.ConsumerKey) != "" &&
		strings.TrimSpace(cfg.ConsumerSecret) != "" &&
		strings.TrimSpace(cfg.ShortCode) != "" &&
		strings.TrimSpace(cfg.PassKey) != ""
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
