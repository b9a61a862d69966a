package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/quickbrushlabs/quickbrush/internal/apikey"
	"github.com/quickbrushlabs/quickbrush/internal/billing/stripeoracle"
	"github.com/quickbrushlabs/quickbrush/internal/generation"
	"github.com/quickbrushlabs/quickbrush/internal/httpserver"
	"github.com/quickbrushlabs/quickbrush/internal/ratelimit"
	"github.com/quickbrushlabs/quickbrush/internal/store/gormstore"
	"github.com/quickbrushlabs/quickbrush/pkg/brushstroke"
	openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL         = "database-url"
	flagListenAddr          = "listen-addr"
	flagAllowedOrigins      = "allowed-origins"
	flagSessionSigningKey   = "session-signing-key"
	flagStripeSecretKey     = "stripe-secret-key"
	flagStripeWebhookSecret = "stripe-webhook-secret"
	flagOpenAIAPIKey        = "openai-api-key"
	flagCheckoutSuccessURL  = "checkout-success-url"
	flagCheckoutCancelURL   = "checkout-cancel-url"
	flagPriceBasic          = "price-basic"
	flagPricePro            = "price-pro"
	flagPricePremium        = "price-premium"
	flagPriceUltimate       = "price-ultimate"
	flagPricePack250        = "price-pack-250"
	flagPricePack500        = "price-pack-500"
	flagPricePack1000       = "price-pack-1000"
	flagPricePack2500       = "price-pack-2500"

	defaultDatabaseURL = "sqlite:///tmp/quickbrush.db"
	defaultListenAddr  = ":8080"

	generateScope          = "generate"
	generatePerMinuteLimit = 10
	generatePerDayLimit    = 300
)

type runtimeConfig struct {
	DatabaseURL         string
	ListenAddr          string
	AllowedOrigins      string
	SessionSigningKey   string
	StripeSecretKey     string
	StripeWebhookSecret string
	OpenAIAPIKey        string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	TierPrices          stripeoracle.TierPriceIDs
	PackPrices          stripeoracle.PackPriceIDs
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "quickbrushd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "quickbrushd",
		Short:         "Quickbrush brushstroke balance and generation API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated CORS origins")
	cmd.Flags().String(flagSessionSigningKey, "", "HS256 signing key for session tokens")
	cmd.Flags().String(flagStripeSecretKey, "", "Stripe secret key")
	cmd.Flags().String(flagStripeWebhookSecret, "", "Stripe webhook signing secret")
	cmd.Flags().String(flagOpenAIAPIKey, "", "OpenAI API key")
	cmd.Flags().String(flagCheckoutSuccessURL, "", "checkout success redirect URL")
	cmd.Flags().String(flagCheckoutCancelURL, "", "checkout cancel redirect URL")
	cmd.Flags().String(flagPriceBasic, "", "Stripe price id for the basic tier")
	cmd.Flags().String(flagPricePro, "", "Stripe price id for the pro tier")
	cmd.Flags().String(flagPricePremium, "", "Stripe price id for the premium tier")
	cmd.Flags().String(flagPriceUltimate, "", "Stripe price id for the ultimate tier")
	cmd.Flags().String(flagPricePack250, "", "Stripe price id for the 250 pack")
	cmd.Flags().String(flagPricePack500, "", "Stripe price id for the 500 pack")
	cmd.Flags().String(flagPricePack1000, "", "Stripe price id for the 1000 pack")
	cmd.Flags().String(flagPricePack2500, "", "Stripe price id for the 2500 pack")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		flagDatabaseURL:         "DATABASE_URL",
		flagListenAddr:          "LISTEN_ADDR",
		flagAllowedOrigins:      "ALLOWED_ORIGINS",
		flagSessionSigningKey:   "SESSION_SIGNING_KEY",
		flagStripeSecretKey:     "STRIPE_SECRET_KEY",
		flagStripeWebhookSecret: "STRIPE_WEBHOOK_SECRET",
		flagOpenAIAPIKey:        "OPENAI_API_KEY",
		flagCheckoutSuccessURL:  "CHECKOUT_SUCCESS_URL",
		flagCheckoutCancelURL:   "CHECKOUT_CANCEL_URL",
		flagPriceBasic:          "STRIPE_PRICE_BASIC",
		flagPricePro:            "STRIPE_PRICE_PRO",
		flagPricePremium:        "STRIPE_PRICE_PREMIUM",
		flagPriceUltimate:       "STRIPE_PRICE_ULTIMATE",
		flagPricePack250:        "STRIPE_PRICE_PACK_250",
		flagPricePack500:        "STRIPE_PRICE_PACK_500",
		flagPricePack1000:       "STRIPE_PRICE_PACK_1000",
		flagPricePack2500:       "STRIPE_PRICE_PACK_2500",
	}
	for flag, env := range bindings {
		key := strings.ReplaceAll(flag, "-", "_")
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString("database_url")
	cfg.ListenAddr = viper.GetString("listen_addr")
	cfg.AllowedOrigins = viper.GetString("allowed_origins")
	cfg.SessionSigningKey = viper.GetString("session_signing_key")
	cfg.StripeSecretKey = viper.GetString("stripe_secret_key")
	cfg.StripeWebhookSecret = viper.GetString("stripe_webhook_secret")
	cfg.OpenAIAPIKey = viper.GetString("openai_api_key")
	cfg.CheckoutSuccessURL = viper.GetString("checkout_success_url")
	cfg.CheckoutCancelURL = viper.GetString("checkout_cancel_url")
	cfg.TierPrices = stripeoracle.TierPriceIDs{
		Basic:    viper.GetString("price_basic"),
		Pro:      viper.GetString("price_pro"),
		Premium:  viper.GetString("price_premium"),
		Ultimate: viper.GetString("price_ultimate"),
	}
	cfg.PackPrices = stripeoracle.PackPriceIDs{
		Pack250:  viper.GetString("price_pack_250"),
		Pack500:  viper.GetString("price_pack_500"),
		Pack1000: viper.GetString("price_pack_1000"),
		Pack2500: viper.GetString("price_pack_2500"),
	}

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	if cfg.StripeSecretKey == "" {
		return fmt.Errorf("stripe secret key is required")
	}
	if cfg.StripeWebhookSecret == "" {
		return fmt.Errorf("stripe webhook secret is required")
	}
	if cfg.OpenAIAPIKey == "" {
		return fmt.Errorf("openai api key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	store := gormstore.New(gormDB)
	if driver == "sqlite" {
		if err := store.Migrate(); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	catalog := stripeoracle.NewCatalog(cfg.TierPrices, cfg.PackPrices)
	backend := stripeoracle.NewAPIBackend(cfg.StripeSecretKey)
	oracle, err := stripeoracle.NewOracle(backend, store, catalog)
	if err != nil {
		return fmt.Errorf("oracle init: %w", err)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	engine, err := brushstroke.NewEngine(store, oracle, clock,
		brushstroke.WithOperationLogger(&zapOperationLogger{logger: logger}))
	if err != nil {
		return fmt.Errorf("engine init: %w", err)
	}

	webhooks, err := stripeoracle.NewWebhookHandler(cfg.StripeWebhookSecret, engine, store)
	if err != nil {
		return fmt.Errorf("webhook handler init: %w", err)
	}

	keys := apikey.NewService(store, time.Now)

	limiter, err := ratelimit.NewLimiter(store, generateScope, []ratelimit.Rule{
		{Limit: generatePerMinuteLimit, Window: time.Minute},
		{Limit: generatePerDayLimit, Window: 24 * time.Hour},
	}, time.Now)
	if err != nil {
		return fmt.Errorf("limiter init: %w", err)
	}

	openaiClient := openai.NewClient(cfg.OpenAIAPIKey)
	generator, err := generation.NewService(
		store,
		engine,
		generation.NewOpenAIRefiner(openaiClient, ""),
		generation.NewOpenAIRenderer(openaiClient, ""),
		limiter,
	)
	if err != nil {
		return fmt.Errorf("generation service init: %w", err)
	}

	server, err := httpserver.NewServer(
		httpserver.Config{
			ListenAddr:         cfg.ListenAddr,
			AllowedOrigins:     httpserver.ParseAllowedOrigins(cfg.AllowedOrigins),
			SessionSigningKey:  cfg.SessionSigningKey,
			CheckoutSuccessURL: cfg.CheckoutSuccessURL,
			CheckoutCancelURL:  cfg.CheckoutCancelURL,
		},
		logger,
		engine,
		generator,
		keys,
		oracle,
		webhooks,
		store,
	)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}
	return server.Run(ctx)
}

// zapOperationLogger adapts the engine's operation callbacks to zap.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (adapter *zapOperationLogger) LogOperation(ctx context.Context, entry brushstroke.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("type", entry.Type.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("status", entry.Status),
	}
	if entry.GenerationRef != "" {
		fields = append(fields, zap.String("generation_id", entry.GenerationRef))
	}
	if entry.PaymentRef != "" {
		fields = append(fields, zap.String("payment_ref", entry.PaymentRef))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("balance operation failed", fields...)
		return
	}
	adapter.logger.Info("balance operation", fields...)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "quickbrush.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
