package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/checkout"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/config"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/contact"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/database"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/kv"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/orders"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/payments"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/pricing"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/server"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/users"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/verification"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	shutdownTimeout     = 10 * time.Second
	sqlitePurgeInterval = 5 * time.Minute
	otpIssuer           = "OneSpark"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "onespark-api",
		Short: "OneSpark pre-order backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("public-origin", defaults.GetString("http.public_origin"), "Public site origin used for checkout redirects")
	cmd.PersistentFlags().String("store-backend", defaults.GetString("store.backend"), "Key-value store backend (redis, sqlite)")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis connection URL")
	cmd.PersistentFlags().String("sqlite-path", defaults.GetString("sqlite.path"), "SQLite database path")
	cmd.PersistentFlags().String("verification-backend", defaults.GetString("verification.backend"), "One-time code backend (twilio, local)")
	cmd.PersistentFlags().String("google-client-id", defaults.GetString("google.client_id"), "Google OAuth client ID")
	cmd.PersistentFlags().Int("max-spots", defaults.GetInt("pricing.max_spots"), "Number of buy-now units on offer")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.public_origin", "public-origin")
	bindFlag(cmd, "store.backend", "store-backend")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "sqlite.path", "sqlite-path")
	bindFlag(cmd, "verification.backend", "verification-backend")
	bindFlag(cmd, "google.client_id", "google-client-id")
	bindFlag(cmd, "pricing.max_spots", "max-spots")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	collectors := metrics.New()

	dispatcher, err := newDispatcher(appConfig, collectors, logger)
	if err != nil {
		return err
	}

	verifier, err := newVerifier(appConfig, store, dispatcher, logger)
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Store: store, Logger: logger})
	if err != nil {
		return err
	}

	sessions, err := auth.NewSessionManager(auth.SessionManagerConfig{
		Store:  store,
		TTL:    appConfig.SessionTTL,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	admin, err := auth.NewAdminAuthenticator(auth.AdminAuthenticatorConfig{
		Store:    store,
		Username: appConfig.AdminUsername,
		Password: appConfig.AdminPassword,
		TokenTTL: appConfig.AdminTokenTTL,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ledger, err := orders.NewLedger(orders.LedgerConfig{Store: store, Logger: logger})
	if err != nil {
		return err
	}

	stream := server.NewCommentStream()
	board, err := comments.NewBoard(comments.BoardConfig{
		Store:     store,
		Users:     userService,
		Orders:    ledger,
		Publisher: stream,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	catalog, err := pricing.NewCatalog(pricing.Config{
		ProductName:  appConfig.Pricing.ProductName,
		Currency:     appConfig.Pricing.Currency,
		FullPrice:    appConfig.Pricing.FullPrice,
		DiscountRate: appConfig.Pricing.DiscountRate,
		DepositRate:  appConfig.Pricing.DepositRate,
		FlashPrice:   appConfig.Pricing.FlashPrice,
		FlashEndsAt:  appConfig.Pricing.FlashEndsAt,
		MaxSpots:     appConfig.Pricing.MaxSpots,
	})
	if err != nil {
		return err
	}

	gateway, err := payments.NewStripeGateway(payments.StripeConfig{
		SecretKey:     appConfig.StripeSecretKey,
		WebhookSecret: appConfig.StripeWebhookSecret,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	checkoutService, err := checkout.NewService(checkout.ServiceConfig{
		Users:    userService,
		Orders:   ledger,
		Gateway:  gateway,
		Notifier: dispatcher,
		Catalog:  catalog,
		Recorder: collectors,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	deps := server.Dependencies{
		Users:          userService,
		Sessions:       sessions,
		Admin:          admin,
		GoogleClientID: appConfig.GoogleClientID,
		Verifier:       verifier,
		Normalizer:     contact.NewNormalizer(appConfig.DefaultCountryCode),
		Orders:         ledger,
		Comments:       board,
		Checkout:       checkoutService,
		Webhooks:       gateway,
		Catalog:        catalog,
		RateLimitStore: store,
		RateLimit: server.RateLimitConfig{
			Limit:  appConfig.OTPRateLimit,
			Window: appConfig.OTPRateLimitWindow,
		},
		Metrics:        collectors,
		Realtime:       stream,
		PublicOrigin:   appConfig.PublicOrigin,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	}
	if appConfig.GoogleClientID != "" {
		googleVerifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
			Audience: appConfig.GoogleClientID,
			JWKSURL:  appConfig.GoogleJWKSURL,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		deps.GoogleVerifier = googleVerifier
	} else {
		logger.Info("google sign-in disabled: google.client_id not set")
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store", appConfig.StoreBackend),
			zap.String("verification", appConfig.VerificationBackend))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// openStore connects the configured key-value backend. The returned func
// releases it.
func openStore(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (kv.Store, func(), error) {
	switch appConfig.StoreBackend {
	case config.StoreBackendSQLite:
		db, err := database.OpenSQLite(appConfig.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		store, err := kv.NewSQLiteStore(kv.SQLiteStoreConfig{Database: db})
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, err
		}
		purgeCtx, cancel := context.WithCancel(ctx)
		go purgeExpired(purgeCtx, store, logger)
		return store, func() {
			cancel()
			_ = sqlDB.Close()
		}, nil
	default:
		store, err := kv.OpenRedis(ctx, appConfig.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("redis close failed", zap.Error(err))
			}
		}, nil
	}
}

func purgeExpired(ctx context.Context, store *kv.SQLiteStore, logger *zap.Logger) {
	ticker := time.NewTicker(sqlitePurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("expired key purge failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Debug("expired keys purged", zap.Int64("count", removed))
			}
		}
	}
}

// newDispatcher picks real providers where credentials exist and logs
// everything else.
func newDispatcher(appConfig config.AppConfig, collectors *metrics.Collectors, logger *zap.Logger) (*notify.Dispatcher, error) {
	fallback := notify.NewLogSender(logger)

	var email notify.EmailSender = fallback
	if appConfig.SendGridConfigured() {
		sender, err := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    appConfig.SendGridAPIKey,
			FromEmail: appConfig.SendGridFromEmail,
			FromName:  appConfig.SendGridFromName,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		email = sender
	} else {
		logger.Warn("sendgrid not configured: emails will only be logged")
	}

	var sms notify.SMSSender = fallback
	if appConfig.TwilioConfigured() && appConfig.TwilioFromNumber != "" {
		sender, err := notify.NewTwilioSMSSender(notify.TwilioSMSConfig{
			AccountSID: appConfig.TwilioAccountSID,
			AuthToken:  appConfig.TwilioAuthToken,
			FromNumber: appConfig.TwilioFromNumber,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		sms = sender
	} else {
		logger.Warn("twilio messaging not configured: sms will only be logged")
	}

	return notify.NewDispatcher(notify.DispatcherConfig{
		Email:           email,
		SMS:             sms,
		AdminEmail:      appConfig.AdminEmail,
		OrderTemplateID: appConfig.SendGridOrderTemplateID,
		ProductName:     appConfig.Pricing.ProductName,
		Recorder:        collectors,
		Logger:          logger,
	})
}

func newVerifier(appConfig config.AppConfig, store kv.Store, sender verification.CodeSender, logger *zap.Logger) (verification.Verifier, error) {
	if appConfig.VerificationBackend == config.VerificationBackendLocal {
		local, err := verification.NewLocalVerifier(verification.LocalConfig{
			Store:   store,
			Sender:  sender,
			CodeTTL: appConfig.CodeTTL,
			Issuer:  otpIssuer,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		logger.Warn("local verification backend in use: codes are delivered through the notification senders")
		return local, nil
	}
	twilio, err := verification.NewTwilioVerifier(verification.TwilioConfig{
		AccountSID: appConfig.TwilioAccountSID,
		AuthToken:  appConfig.TwilioAuthToken,
		ServiceSID: appConfig.TwilioVerifyServiceSID,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return twilio, nil
}
