package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/fundis/internal/app"
	"github.com/MarkoPoloResearchLab/fundis/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/fundis/pkg/marketplace"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnvironment(test *testing.T) {
	test.Setenv("DATABASE_URL", "sqlite://"+filepath.Join(test.TempDir(), "fundis.db"))
	test.Setenv("FUNDIS_SESSION_SIGNING_KEY", "secret-key")
	test.Setenv("FUNDIS_ALLOWED_ORIGINS", "https://fundis.example, https://admin.fundis.example")
	test.Setenv("MPESA_API_ENVIRONMENT", "live")
	test.Setenv("MPESA_SHORTCODE", "174379")
	test.Setenv("MPESA_CALLBACK_URL_BASE", "https://api.fundis.example")
	test.Setenv("DEFAULT_BOOKING_PRICE", "250")
	test.Setenv("FUNDIS_NOTIFIERS", "log,sns")
	test.Setenv("FUNDIS_SWEEPER_INTERVAL", "2m")
	test.Setenv("FUNDIS_STALE_AFTER", "90s")

	cmd := newRootCommand()
	require.NoError(test, cmd.ParseFlags([]string{"--" + flagListenAddr, ":9191", "--" + flagPaymentPolicy, "mirror"}))
	cfg := &app.Config{}
	require.NoError(test, loadConfig(cmd, viper.New(), cfg))

	assert.Equal(test, ":9191", cfg.HTTP.ListenAddr)
	assert.Equal(test, []string{"https://fundis.example", "https://admin.fundis.example"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(test, "174379", cfg.MPesa.ShortCode)
	assert.Equal(test, "https://api.safaricom.co.ke/mpesa/stkpush/v1/processrequest", cfg.MPesa.PushURL)
	assert.EqualValues(test, 25000, cfg.DefaultPriceCents())
	assert.Equal(test, app.PaymentPolicyMirror, cfg.PaymentPolicy)
	assert.Equal(test, []string{"log", "sns"}, cfg.Notifiers)
	assert.True(test, cfg.SweeperEnabled)
	assert.Equal(test, 2*time.Minute, cfg.Sweeper.Interval)
	assert.Equal(test, 90*time.Second, cfg.StaleAfter)
	callbackURL, err := cfg.CallbackURL()
	require.NoError(test, err)
	assert.Equal(test, "https://api.fundis.example/payments/mpesa_callback", callbackURL)
}

func TestLoadConfigRequiresSigningKey(test *testing.T) {
	test.Setenv("FUNDIS_SESSION_SIGNING_KEY", "")
	test.Setenv("MPESA_CALLBACK_URL_BASE", "https://api.fundis.example")

	cmd := newRootCommand()
	require.NoError(test, cmd.ParseFlags(nil))
	require.Error(test, loadConfig(cmd, viper.New(), &app.Config{}))
}

func executeCommand(test *testing.T, args ...string) string {
	test.Helper()
	cmd := newRootCommand()
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetArgs(args)
	require.NoError(test, cmd.ExecuteContext(context.Background()), output.String())
	return output.String()
}

func TestAdminCommandsSeedDirectory(test *testing.T) {
	databaseURL := "sqlite://" + filepath.Join(test.TempDir(), "fundis.db")

	output := executeCommand(test, "migrate", "--"+flagDatabaseURL, databaseURL)
	assert.Contains(test, output, "schema ready (sqlite)")

	output = executeCommand(test, "users", "add", "--"+flagDatabaseURL, databaseURL,
		"--id", "fundi-1", "--role", "freelancer", "--phone", "0712345678", "--name", "Otieno", "--verified")
	assert.Contains(test, output, "user fundi-1 saved as freelancer")

	output = executeCommand(test, "services", "add", "--"+flagDatabaseURL, databaseURL,
		"--freelancer", "fundi-1", "--name", "Wiring", "--price", "150")
	assert.Contains(test, output, "service 1 created for fundi-1")

	database, err := app.OpenDatabase(context.Background(), databaseURL)
	require.NoError(test, err)
	defer func() { _ = database.Close() }()
	store := gormstore.New(database.DB)

	userID, err := marketplace.NewUserID("fundi-1")
	require.NoError(test, err)
	user, err := store.GetUser(context.Background(), userID)
	require.NoError(test, err)
	assert.Equal(test, "+254712345678", user.Phone.String())
	assert.True(test, user.Active)
	assert.True(test, user.VerifiedFreelancer)

	serviceID, err := marketplace.NewServiceID(1)
	require.NoError(test, err)
	service, err := store.GetService(context.Background(), serviceID)
	require.NoError(test, err)
	assert.EqualValues(test, 15000, service.PriceCents)
	assert.True(test, service.Active)
}

func TestServicesAddRejectsNonFreelancer(test *testing.T) {
	databaseURL := "sqlite://" + filepath.Join(test.TempDir(), "fundis.db")
	executeCommand(test, "users", "add", "--"+flagDatabaseURL, databaseURL, "--id", "client-1")

	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"services", "add", "--" + flagDatabaseURL, databaseURL, "--freelancer", "client-1", "--name", "Wiring"})
	require.ErrorContains(test, cmd.ExecuteContext(context.Background()), "not a freelancer")
}

func TestUsersAddRejectsBadInput(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		args []string
	}{
		{name: "bad role", args: []string{"--id", "u-1", "--role", "owner"}},
		{name: "bad phone", args: []string{"--id", "u-1", "--phone", "12345"}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			cmd := newRootCommand()
			cmd.SetOut(&bytes.Buffer{})
			args := append([]string{"users", "add", "--" + flagDatabaseURL, "sqlite://" + filepath.Join(test.TempDir(), "fundis.db")}, testCase.args...)
			cmd.SetArgs(args)
			require.ErrorIs(test, cmd.ExecuteContext(context.Background()), marketplace.ErrValidation)
		})
	}
}
