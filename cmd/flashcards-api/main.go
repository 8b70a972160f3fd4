package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/cards"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/completion"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/config"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/database"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/generations"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/mcp"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/review"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/server"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/users"
)

const (
	shutdownTimeout = 10 * time.Second
	readHeaderLimit = 10 * time.Second
)

var (
	version = "dev"
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "flashcards-api",
		Short: "Flashcards generation backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newMCPCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before reading the environment")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Origins allowed by CORS")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("provider-api-key", "", "Completion provider API key (overrides env)")
	cmd.PersistentFlags().String("default-model", defaults.GetString("provider.default_model"), "Default completion model")
	cmd.PersistentFlags().Int("card-count", defaults.GetInt("generation.card_count"), "Cards requested per generation")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "provider.api_key", "provider-api-key")
	bindFlag(cmd, "provider.default_model", "default-model")
	bindFlag(cmd, "generation.card_count", "card-count")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
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

// application holds the wired services shared by every subcommand.
type application struct {
	config      config.AppConfig
	logger      *zap.Logger
	db          *gorm.DB
	users       *users.Service
	generations *generations.Service
	cards       *cards.Service
	reconciler  *cards.Reconciler
	realtime    *server.RealtimeDispatcher
}

func newApplication(appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return nil, err
	}

	provider := appConfig.Provider
	completionClient, err := completion.New(completion.Config{
		APIKey:        provider.APIKey,
		BaseURL:       provider.BaseURL,
		Timeout:       provider.Timeout,
		AllowedModels: provider.AllowedModels,
		DefaultModel:  provider.DefaultModel,
		DefaultParams: &completion.Params{
			Temperature:     completion.Float(provider.Temperature),
			MaxTokens:       completion.Int(provider.MaxTokens),
			TopP:            completion.Float(provider.TopP),
			PresencePenalty: completion.Float(provider.PresencePenalty),
		},
		HTTPReferer:  provider.HTTPReferer,
		AppTitle:     provider.AppTitle,
		MaxRetries:   provider.MaxRetries,
		BackoffBase:  provider.BackoffBase,
		MaxRetryWait: provider.MaxRetryWait,
		Logger:       logger,
	})
	if err != nil {
		closeDatabase(db)
		return nil, err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database:      db,
		DefaultLocale: appConfig.DefaultLocale,
		Logger:        logger,
	})
	if err != nil {
		closeDatabase(db)
		return nil, err
	}

	realtime := server.NewRealtimeDispatcher(server.WithRealtimeLogger(logger))
	generationService, err := generations.NewService(generations.ServiceConfig{
		Database:      db,
		Provider:      completionClient,
		Locales:       userService,
		Notifier:      realtime,
		CardCount:     appConfig.CardCount,
		DefaultLocale: appConfig.DefaultLocale,
		Logger:        logger,
	})
	if err != nil {
		closeDatabase(db)
		return nil, err
	}

	cardService, err := cards.NewService(cards.ServiceConfig{
		Database:    db,
		Generations: generationService,
		Logger:      logger,
	})
	if err != nil {
		closeDatabase(db)
		return nil, err
	}

	reconciler, err := cards.NewReconciler(cards.ReconcilerConfig{
		Cards:       cardService,
		Generations: generationService,
		Logger:      logger,
	})
	if err != nil {
		closeDatabase(db)
		return nil, err
	}

	return &application{
		config:      appConfig,
		logger:      logger,
		db:          db,
		users:       userService,
		generations: generationService,
		cards:       cardService,
		reconciler:  reconciler,
		realtime:    realtime,
	}, nil
}

func (a *application) Close() {
	closeDatabase(a.db)
}

func closeDatabase(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func loadConfigAndLogger() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := newApplication(appConfig, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	defer app.Close()

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.SessionIssuer,
		Audience:      appConfig.SessionAudience,
		CookieName:    appConfig.SessionCookie,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: validator,
		Users:            app.users,
		Generations:      app.generations,
		Cards:            app.cards,
		Reconciler:       app.reconciler,
		Reviews:          review.NewRegistry(review.RegistryConfig{TTL: appConfig.ReviewSessionTTL}),
		Realtime:         app.realtime,
		AllowedOrigins:   appConfig.AllowedOrigins,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderLimit,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server stopping")
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newMCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve generation and card tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			app, err := newApplication(appConfig, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			return mcp.Run(mcp.Config{
				UserID:      appConfig.MCPUserID,
				Generations: app.generations,
				Reconciler:  app.reconciler,
				Version:     version,
				Logger:      logger,
			})
		},
	}
}

func newTokenCommand() *cobra.Command {
	var (
		userID      string
		email       string
		displayName string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.SessionIssuer,
				Audience:      appConfig.SessionAudience,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueSessionToken(auth.SessionIdentity{
				UserID:      userID,
				Email:       email,
				DisplayName: displayName,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "User id placed in the token")
	cmd.Flags().StringVar(&email, "email", "", "Optional email claim")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Optional display name claim")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}
