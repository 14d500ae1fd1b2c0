package app

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/fundis/internal/httpapi"
	"github.com/MarkoPoloResearchLab/fundis/internal/mpesa"
	"github.com/MarkoPoloResearchLab/fundis/internal/sweeper"
)

const (
	// StoreDriverGorm persists through gorm (postgres or sqlite).
	StoreDriverGorm = "gorm"
	// StoreDriverPGX persists through raw pgx queries (postgres only).
	StoreDriverPGX = "pgx"

	// PaymentPolicyIndependent keeps booking and payment lifecycles apart.
	PaymentPolicyIndependent = "independent"
	// PaymentPolicyMirror moves bookings through the payment phase statuses.
	PaymentPolicyMirror = "mirror"

	NotifierLog  = "log"
	NotifierSNS  = "sns"
	NotifierAMQP = "amqp"

	DefaultDatabaseURL       = "sqlite:///tmp/fundis.db"
	defaultBookingPriceUnits = 100
	defaultStaleAfter        = 60 * time.Second
	defaultAMQPExchange      = "fundis.events"
	centsPerUnit             = 100
)

// Config aggregates every runtime setting of the fundis daemon.
type Config struct {
	DatabaseURL string
	StoreDriver string

	HTTP  httpapi.Config
	MPesa mpesa.Config

	// CallbackURLBase is the public origin the gateway reaches, e.g. https://fundis.example.
	CallbackURLBase     string
	DefaultBookingPrice int64
	PaymentPolicy       string
	StaleAfter          time.Duration
	QueryAfter          time.Duration

	SweeperEnabled bool
	Sweeper        sweeper.Config

	Notifiers      []string
	SNSRegion      string
	SNSSenderID    string
	AMQPURL        string
	AMQPExchange   string
	AMQPRoutingKey string
}

// Validate fills defaults and rejects inconsistent settings.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, DefaultDatabaseURL)
	cfg.StoreDriver = strings.ToLower(defaultIfEmpty(cfg.StoreDriver, StoreDriverGorm))
	cfg.PaymentPolicy = strings.ToLower(defaultIfEmpty(cfg.PaymentPolicy, PaymentPolicyIndependent))
	cfg.AMQPExchange = defaultIfEmpty(cfg.AMQPExchange, defaultAMQPExchange)
	if cfg.DefaultBookingPrice <= 0 {
		cfg.DefaultBookingPrice = defaultBookingPriceUnits
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if len(cfg.Notifiers) == 0 {
		cfg.Notifiers = []string{NotifierLog}
	}

	target, err := parseDatabaseURL(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if err := target.supportsStore(cfg.StoreDriver); err != nil {
		return err
	}
	switch cfg.PaymentPolicy {
	case PaymentPolicyIndependent, PaymentPolicyMirror:
	default:
		return fmt.Errorf("payment policy %q must be %q or %q", cfg.PaymentPolicy, PaymentPolicyIndependent, PaymentPolicyMirror)
	}
	for _, notifier := range cfg.Notifiers {
		switch notifier {
		case NotifierLog, NotifierSNS:
		case NotifierAMQP:
			if strings.TrimSpace(cfg.AMQPURL) == "" {
				return fmt.Errorf("amqp notifier requires an amqp url")
			}
		default:
			return fmt.Errorf("unknown notifier %q", notifier)
		}
	}
	if err := cfg.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}
	if err := cfg.MPesa.Validate(); err != nil {
		return fmt.Errorf("mpesa config: %w", err)
	}
	if _, err := cfg.CallbackURL(); err != nil {
		return err
	}
	// The mpesa client fetches a token and then pushes; a reservation must
	// outlive both calls or a second push could start while the first is live.
	gatewayBudget := cfg.MPesa.TokenTimeout + cfg.MPesa.PushTimeout
	if cfg.StaleAfter <= gatewayBudget {
		return fmt.Errorf("stale window %s must exceed token plus push timeouts (%s)", cfg.StaleAfter, gatewayBudget)
	}
	// A payment request waits for the push; shorter handler deadlines would
	// answer the client before the gateway has.
	if cfg.HTTP.RequestTimeout <= gatewayBudget {
		return fmt.Errorf("request timeout %s must exceed token plus push timeouts (%s)", cfg.HTTP.RequestTimeout, gatewayBudget)
	}
	return nil
}

// CallbackURL joins the public base with the callback route.
func (cfg Config) CallbackURL() (string, error) {
	base := strings.TrimSpace(cfg.CallbackURLBase)
	if base == "" {
		return "", fmt.Errorf("callback url base is required")
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "https" && parsed.Scheme != "http") {
		return "", fmt.Errorf("callback url base %q must be an absolute http(s) url", base)
	}
	return strings.TrimRight(base, "/") + cfg.HTTP.CallbackPath, nil
}

// DefaultPriceCents converts the configured whole-unit booking price.
func (cfg Config) DefaultPriceCents() int64 {
	return cfg.DefaultBookingPrice * centsPerUnit
}

// ParseNotifiers splits a comma-delimited notifier list, dropping blanks.
func ParseNotifiers(raw string) []string {
	notifiers := []string{}
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.ToLower(strings.TrimSpace(part))
		if trimmed != "" {
			notifiers = append(notifiers, trimmed)
		}
	}
	return notifiers
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}
