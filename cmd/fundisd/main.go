package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/fundis/internal/app"
	"github.com/MarkoPoloResearchLab/fundis/internal/httpapi"
	"github.com/MarkoPoloResearchLab/fundis/internal/mpesa"
	"github.com/MarkoPoloResearchLab/fundis/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/fundis/internal/sweeper"
	"github.com/MarkoPoloResearchLab/fundis/pkg/marketplace"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagDatabaseURL   = "database-url"
	flagListenAddr    = "listen-addr"
	flagStoreDriver   = "store-driver"
	flagSweeper       = "sweeper"
	flagPaymentPolicy = "payment-policy"
	flagUserID        = "id"
	flagPhone         = "phone"
	flagName          = "name"
	flagRole          = "role"
	flagInactive      = "inactive"
	flagVerified      = "verified"
	flagFreelancer    = "freelancer"
	flagPrice         = "price"
)

const centsPerUnit = 100

const (
	configKeyDatabaseURL          = "database_url"
	configKeyStoreDriver          = "store_driver"
	configKeyListenAddr           = "listen_addr"
	configKeyAllowedOrigins       = "allowed_origins"
	configKeySessionSigningKey    = "session_signing_key"
	configKeySessionIssuer        = "session_issuer"
	configKeySessionCookie        = "session_cookie"
	configKeyRequestTimeout       = "request_timeout"
	configKeyCallbackPath         = "callback_path"
	configKeyMPesaEnvironment     = "mpesa_environment"
	configKeyMPesaConsumerKey     = "mpesa_consumer_key"
	configKeyMPesaConsumerSecret  = "mpesa_consumer_secret"
	configKeyMPesaShortCode       = "mpesa_shortcode"
	configKeyMPesaPassKey         = "mpesa_passkey"
	configKeyMPesaTransactionType = "mpesa_transaction_type"
	configKeyMPesaCallbackBase    = "mpesa_callback_url_base"
	configKeyMPesaTokenTimeout    = "mpesa_token_timeout"
	configKeyMPesaPushTimeout     = "mpesa_push_timeout"
	configKeyDefaultBookingPrice  = "default_booking_price"
	configKeyPaymentPolicy        = "payment_policy"
	configKeyStaleAfter           = "stale_after"
	configKeyQueryAfter           = "query_after"
	configKeySweeperEnabled       = "sweeper_enabled"
	configKeySweeperInterval      = "sweeper_interval"
	configKeySweeperBatchSize     = "sweeper_batch_size"
	configKeyNotifiers            = "notifiers"
	configKeySNSRegion            = "sns_region"
	configKeySNSSenderID          = "sns_sender_id"
	configKeyAMQPURL              = "amqp_url"
	configKeyAMQPExchange         = "amqp_exchange"
	configKeyAMQPRoutingKey       = "amqp_routing_key"
)

// envBindings maps config keys to the environment variables deployments set.
var envBindings = map[string]string{
	configKeyDatabaseURL:          "DATABASE_URL",
	configKeyStoreDriver:          "FUNDIS_STORE_DRIVER",
	configKeyListenAddr:           "FUNDIS_LISTEN_ADDR",
	configKeyAllowedOrigins:       "FUNDIS_ALLOWED_ORIGINS",
	configKeySessionSigningKey:    "FUNDIS_SESSION_SIGNING_KEY",
	configKeySessionIssuer:        "FUNDIS_SESSION_ISSUER",
	configKeySessionCookie:        "FUNDIS_SESSION_COOKIE",
	configKeyRequestTimeout:       "FUNDIS_REQUEST_TIMEOUT",
	configKeyCallbackPath:         "FUNDIS_CALLBACK_PATH",
	configKeyMPesaEnvironment:     "MPESA_API_ENVIRONMENT",
	configKeyMPesaConsumerKey:     "MPESA_CONSUMER_KEY",
	configKeyMPesaConsumerSecret:  "MPESA_CONSUMER_SECRET",
	configKeyMPesaShortCode:       "MPESA_SHORTCODE",
	configKeyMPesaPassKey:         "MPESA_PASSKEY",
	configKeyMPesaTransactionType: "MPESA_TRANSACTION_TYPE",
	configKeyMPesaCallbackBase:    "MPESA_CALLBACK_URL_BASE",
	configKeyMPesaTokenTimeout:    "MPESA_TOKEN_TIMEOUT",
	configKeyMPesaPushTimeout:     "MPESA_PUSH_TIMEOUT",
	configKeyDefaultBookingPrice:  "DEFAULT_BOOKING_PRICE",
	configKeyPaymentPolicy:        "FUNDIS_PAYMENT_POLICY",
	configKeyStaleAfter:           "FUNDIS_STALE_AFTER",
	configKeyQueryAfter:           "FUNDIS_QUERY_AFTER",
	configKeySweeperEnabled:       "FUNDIS_SWEEPER_ENABLED",
	configKeySweeperInterval:      "FUNDIS_SWEEPER_INTERVAL",
	configKeySweeperBatchSize:     "FUNDIS_SWEEPER_BATCH_SIZE",
	configKeyNotifiers:            "FUNDIS_NOTIFIERS",
	configKeySNSRegion:            "AWS_REGION",
	configKeySNSSenderID:          "FUNDIS_SNS_SENDER_ID",
	configKeyAMQPURL:              "FUNDIS_AMQP_URL",
	configKeyAMQPExchange:         "FUNDIS_AMQP_EXCHANGE",
	configKeyAMQPRoutingKey:       "FUNDIS_AMQP_ROUTING_KEY",
}

// flagBindings maps config keys to command-line flags.
var flagBindings = map[string]string{
	configKeyDatabaseURL:    flagDatabaseURL,
	configKeyListenAddr:     flagListenAddr,
	configKeyStoreDriver:    flagStoreDriver,
	configKeySweeperEnabled: flagSweeper,
	configKeyPaymentPolicy:  flagPaymentPolicy,
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fundisd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	settings := viper.New()
	cfg := &app.Config{}
	cmd := &cobra.Command{
		Use:           "fundisd",
		Short:         "Marketplace bookings with M-Pesa STK push payments",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, settings, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.PersistentFlags().String(flagDatabaseURL, app.DefaultDatabaseURL, "PostgreSQL URL or SQLite path")
	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagStoreDriver, app.StoreDriverGorm, "store implementation: gorm or pgx")
	cmd.Flags().String(flagPaymentPolicy, app.PaymentPolicyIndependent, "booking/payment coupling: independent or mirror")
	cmd.Flags().Bool(flagSweeper, true, "periodically reconcile pushes whose callback never arrived")

	cmd.AddCommand(newMigrateCommand(settings), newUsersCommand(settings), newServicesCommand(settings))
	return cmd
}

func bindSettings(cmd *cobra.Command, settings *viper.Viper) error {
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	for key, env := range envBindings {
		if err := settings.BindEnv(key, env); err != nil {
			return err
		}
	}
	for key, flag := range flagBindings {
		if lookup := cmd.Flags().Lookup(flag); lookup != nil {
			if err := settings.BindPFlag(key, lookup); err != nil {
				return err
			}
		}
	}
	return nil
}

func loadConfig(cmd *cobra.Command, settings *viper.Viper, cfg *app.Config) error {
	if err := bindSettings(cmd, settings); err != nil {
		return err
	}
	*cfg = app.Config{
		DatabaseURL: settings.GetString(configKeyDatabaseURL),
		StoreDriver: settings.GetString(configKeyStoreDriver),
		HTTP: httpapi.Config{
			ListenAddr:        settings.GetString(configKeyListenAddr),
			AllowedOrigins:    httpapi.ParseAllowedOrigins(settings.GetString(configKeyAllowedOrigins)),
			SessionSigningKey: settings.GetString(configKeySessionSigningKey),
			SessionIssuer:     settings.GetString(configKeySessionIssuer),
			SessionCookieName: settings.GetString(configKeySessionCookie),
			RequestTimeout:    settings.GetDuration(configKeyRequestTimeout),
			CallbackPath:      settings.GetString(configKeyCallbackPath),
		},
		MPesa: mpesa.Config{
			Environment:     mpesa.Environment(settings.GetString(configKeyMPesaEnvironment)),
			ConsumerKey:     settings.GetString(configKeyMPesaConsumerKey),
			ConsumerSecret:  settings.GetString(configKeyMPesaConsumerSecret),
			ShortCode:       settings.GetString(configKeyMPesaShortCode),
			PassKey:         settings.GetString(configKeyMPesaPassKey),
			TransactionType: settings.GetString(configKeyMPesaTransactionType),
			TokenTimeout:    settings.GetDuration(configKeyMPesaTokenTimeout),
			PushTimeout:     settings.GetDuration(configKeyMPesaPushTimeout),
		},
		CallbackURLBase:     settings.GetString(configKeyMPesaCallbackBase),
		DefaultBookingPrice: settings.GetInt64(configKeyDefaultBookingPrice),
		PaymentPolicy:       settings.GetString(configKeyPaymentPolicy),
		StaleAfter:          settings.GetDuration(configKeyStaleAfter),
		QueryAfter:          settings.GetDuration(configKeyQueryAfter),
		SweeperEnabled:      settings.GetBool(configKeySweeperEnabled),
		Sweeper: sweeper.Config{
			Interval:  settings.GetDuration(configKeySweeperInterval),
			BatchSize: settings.GetInt(configKeySweeperBatchSize),
		},
		Notifiers:      app.ParseNotifiers(settings.GetString(configKeyNotifiers)),
		SNSRegion:      settings.GetString(configKeySNSRegion),
		SNSSenderID:    settings.GetString(configKeySNSSenderID),
		AMQPURL:        settings.GetString(configKeyAMQPURL),
		AMQPExchange:   settings.GetString(configKeyAMQPExchange),
		AMQPRoutingKey: settings.GetString(configKeyAMQPRoutingKey),
	}
	return cfg.Validate()
}

func runServer(ctx context.Context, cfg *app.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	return app.Run(ctx, *cfg, logger)
}

func newMigrateCommand(settings *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openAdminDatabase(cmd, settings)
			if err != nil {
				return err
			}
			defer func() { _ = database.Close() }()
			if err := app.PrepareSchema(database, true); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready (%s)\n", database.Driver)
			return nil
		},
	}
}

func newUsersCommand(settings *viper.Viper) *cobra.Command {
	users := &cobra.Command{Use: "users", Short: "Manage the user directory"}
	add := &cobra.Command{
		Use:   "add",
		Short: "Create or update a directory user",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := userFromFlags(cmd)
			if err != nil {
				return err
			}
			database, err := openAdminDatabase(cmd, settings)
			if err != nil {
				return err
			}
			defer func() { _ = database.Close() }()
			if err := gormstore.New(database.DB).UpsertUser(cmd.Context(), user); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s saved as %s\n", user.ID, user.Role)
			return nil
		},
	}
	add.Flags().String(flagUserID, "", "user id, as issued by the session provider")
	add.Flags().String(flagPhone, "", "Kenyan mobile number")
	add.Flags().String(flagName, "", "display name")
	add.Flags().String(flagRole, string(marketplace.RoleClient), "client, freelancer or admin")
	add.Flags().Bool(flagInactive, false, "store the user as inactive")
	add.Flags().Bool(flagVerified, false, "mark a freelancer as verified")
	_ = add.MarkFlagRequired(flagUserID)
	users.AddCommand(add)
	return users
}

func newServicesCommand(settings *viper.Viper) *cobra.Command {
	services := &cobra.Command{Use: "services", Short: "Manage freelancer catalog entries"}
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a catalog entry for a freelancer",
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := serviceFromFlags(cmd)
			if err != nil {
				return err
			}
			database, err := openAdminDatabase(cmd, settings)
			if err != nil {
				return err
			}
			defer func() { _ = database.Close() }()
			store := gormstore.New(database.DB)
			owner, err := store.GetUser(cmd.Context(), service.FreelancerID)
			if err != nil {
				return err
			}
			if owner.Role != marketplace.RoleFreelancer {
				return fmt.Errorf("user %s is a %s, not a freelancer", owner.ID, owner.Role)
			}
			created, err := store.CreateService(cmd.Context(), service)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "service %d created for %s\n", created.ID.Int64(), created.FreelancerID)
			return nil
		},
	}
	add.Flags().String(flagFreelancer, "", "freelancer user id")
	add.Flags().String(flagName, "", "service name")
	add.Flags().Int64(flagPrice, 0, "price in whole KES; 0 uses the default booking price")
	add.Flags().Bool(flagInactive, false, "store the service as inactive")
	_ = add.MarkFlagRequired(flagFreelancer)
	_ = add.MarkFlagRequired(flagName)
	services.AddCommand(add)
	return services
}

func openAdminDatabase(cmd *cobra.Command, settings *viper.Viper) (*app.Database, error) {
	if err := bindSettings(cmd, settings); err != nil {
		return nil, err
	}
	dsn := settings.GetString(configKeyDatabaseURL)
	if dsn == "" {
		dsn = app.DefaultDatabaseURL
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	database, err := app.OpenDatabase(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	if err := app.PrepareSchema(database, false); err != nil {
		_ = database.Close()
		return nil, err
	}
	return database, nil
}

func userFromFlags(cmd *cobra.Command) (marketplace.User, error) {
	rawID, _ := cmd.Flags().GetString(flagUserID)
	rawPhone, _ := cmd.Flags().GetString(flagPhone)
	fullName, _ := cmd.Flags().GetString(flagName)
	rawRole, _ := cmd.Flags().GetString(flagRole)
	inactive, _ := cmd.Flags().GetBool(flagInactive)
	verified, _ := cmd.Flags().GetBool(flagVerified)

	userID, err := marketplace.NewUserID(rawID)
	if err != nil {
		return marketplace.User{}, err
	}
	role, err := marketplace.ParseRole(rawRole)
	if err != nil {
		return marketplace.User{}, err
	}
	user := marketplace.User{
		ID:                 userID,
		FullName:           strings.TrimSpace(fullName),
		Role:               role,
		Active:             !inactive,
		VerifiedFreelancer: verified && role == marketplace.RoleFreelancer,
	}
	if strings.TrimSpace(rawPhone) != "" {
		user.Phone, err = marketplace.NormalizePhone(rawPhone)
		if err != nil {
			return marketplace.User{}, err
		}
	}
	return user, nil
}

func serviceFromFlags(cmd *cobra.Command) (marketplace.Service, error) {
	rawFreelancer, _ := cmd.Flags().GetString(flagFreelancer)
	name, _ := cmd.Flags().GetString(flagName)
	priceUnits, _ := cmd.Flags().GetInt64(flagPrice)
	inactive, _ := cmd.Flags().GetBool(flagInactive)

	freelancerID, err := marketplace.NewUserID(rawFreelancer)
	if err != nil {
		return marketplace.Service{}, err
	}
	if strings.TrimSpace(name) == "" {
		return marketplace.Service{}, fmt.Errorf("service name is required")
	}
	if priceUnits < 0 {
		return marketplace.Service{}, fmt.Errorf("price must not be negative")
	}
	return marketplace.Service{
		FreelancerID: freelancerID,
		Name:         strings.TrimSpace(name),
		PriceCents:   marketplace.AmountCents(priceUnits * centsPerUnit),
		Active:       !inactive,
	}, nil
}
