package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kotonoha-labs/kotonoha/backend/internal/auth"
	"github.com/kotonoha-labs/kotonoha/backend/internal/changeset"
	"github.com/kotonoha-labs/kotonoha/backend/internal/config"
	"github.com/kotonoha-labs/kotonoha/backend/internal/database"
	"github.com/kotonoha-labs/kotonoha/backend/internal/lexicon"
	"github.com/kotonoha-labs/kotonoha/backend/internal/logging"
	"github.com/kotonoha-labs/kotonoha/backend/internal/mailer"
	"github.com/kotonoha-labs/kotonoha/backend/internal/quota"
	"github.com/kotonoha-labs/kotonoha/backend/internal/server"
	"github.com/kotonoha-labs/kotonoha/backend/internal/token"
	"github.com/kotonoha-labs/kotonoha/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kotonoha-api",
		Short: "Kotonoha vocabulary backend service",
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("base-url", defaults.GetString("http.base_url"), "Public base URL for magic links")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Magic-link token TTL in minutes")
	cmd.PersistentFlags().Int("session-ttl-hours", defaults.GetInt("session.ttl_hours"), "Session JWT TTL in hours")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("admin-key-hash", "", "Bcrypt hash of the maintainer admin key")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.base_url", "base-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "session.ttl_hours", "session-ttl-hours")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.admin_key_hash", "admin-key-hash")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionIssuer := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "kotonoha-auth",
		Audience:      "kotonoha-api",
		SessionTTL:    appConfig.SessionTTL,
	})

	quotaService, err := quota.NewService(quota.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	tokenStore, err := token.NewStore(token.StoreConfig{
		Database: db,
		Clock:    time.Now,
		TokenTTL: appConfig.TokenTTL,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	idProvider := users.NewUUIDProvider()
	usersService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
	})
	if err != nil {
		return err
	}

	mergeEngine, err := lexicon.NewEngine(lexicon.EngineConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	changesetService, err := changeset.NewService(changeset.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Ledger:     quotaService,
		Merger:     mergeEngine,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:   sessionIssuer,
		Users:      usersService,
		Quota:      quotaService,
		Tokens:     tokenStore,
		Changesets: changesetService,
		Lexicon:    mergeEngine,
		Mailer:     mailer.NewLogMailer(logger),
		AdminKeys:  auth.NewAdminKeyVerifier(appConfig.AdminKeyHash),
		Limits: server.Limits{
			BaseURL:             appConfig.BaseURL,
			EmailWindow:         appConfig.EmailWindow,
			EmailWindowLimit:    appConfig.EmailWindowLimit,
			IPWindow:            appConfig.IPWindow,
			IPWindowLimit:       appConfig.IPWindowLimit,
			Cooldown:            appConfig.Cooldown,
			CloudOcrDailyLimit:  appConfig.CloudOcrDailyLimit,
			AiMeaningDailyLimit: appConfig.AiMeaningDailyLimit,
			ProofreadMaxTokens:  appConfig.ProofreadMaxTokens,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
