package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/everseal/backend/internal/admins"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/attempts"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/config"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/database"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/notarization"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/server"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/signature"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/signing"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/stats"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/tags"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/verification"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	tokenIssuer   = "everseal-auth"
	tokenAudience = "everseal-admin"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "everseal-api",
		Short: "EverSeal NFC tag verification service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newMintCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Admin token TTL in minutes")
	cmd.PersistentFlags().Bool("require-token", defaults.GetBool("auth.require_token"), "Require a bearer token on admin endpoints")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Admin token signing secret (overrides env)")
	cmd.PersistentFlags().String("mint-base-url", "", "Origin used in minted verification URLs")
	cmd.PersistentFlags().String("notary-endpoint", "", "Ledger gateway endpoint; empty disables notarization")
	cmd.PersistentFlags().Bool("seed-demo-tag", defaults.GetBool("tags_seed_demo"), "Provision the demo tag on startup")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "auth.require_token", "require-token")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "mint.base_url", "mint-base-url")
	bindFlag(cmd, "notary.endpoint", "notary-endpoint")
	bindFlag(cmd, "tags_seed_demo", "seed-demo-tag")
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

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default when no command is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newMintCommand() *cobra.Command {
	var rawUID string
	var counter uint32
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Print a signed verification URL for a provisioned tag",
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := signature.ParseUID(rawUID)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				signed, err := rt.minter.Mint(ctx, uid, counter)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), signed.URL)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&rawUID, "uid", config.DemoTagUID, "Tag uid (14 hex characters)")
	cmd.Flags().Uint32Var(&counter, "counter", 1, "Counter to sign (0.."+strconv.Itoa(signature.MaxCounter)+")")
	return cmd
}

type runtime struct {
	config     config.AppConfig
	logger     *zap.Logger
	db         *gorm.DB
	registry   *tags.Registry
	guard      *tags.ReplayGuard
	attemptLog *attempts.Log
	minter     *signing.Service
}

// withRuntime loads configuration, opens the database and seeds configured
// tags before handing the shared components to fn.
func withRuntime(ctx context.Context, fn func(ctx context.Context, rt *runtime) error) error {
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
	defer database.Close(db) //nolint:errcheck

	registry, err := tags.NewRegistry(tags.RegistryConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	if err := seedTags(ctx, registry, appConfig.Tags); err != nil {
		return err
	}
	guard, err := tags.NewReplayGuard(tags.GuardConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	attemptLog, err := attempts.NewLog(attempts.LogConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	minter, err := signing.NewService(signing.ServiceConfig{
		Registry: registry,
		BaseURL:  appConfig.MintBaseURL,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	return fn(ctx, &runtime{
		config:     appConfig,
		logger:     logger,
		db:         db,
		registry:   registry,
		guard:      guard,
		attemptLog: attemptLog,
		minter:     minter,
	})
}

func seedTags(ctx context.Context, registry *tags.Registry, seeds []config.TagSeed) error {
	if len(seeds) == 0 {
		return nil
	}
	provisions := make([]tags.Provision, 0, len(seeds))
	for _, seed := range seeds {
		provision, err := tags.NewProvision(seed.UID, seed.Key, seed.ProductName, seed.LastCounter)
		if err != nil {
			return err
		}
		provisions = append(provisions, provision)
	}
	_, err := registry.Seed(ctx, provisions)
	return err
}

func runServer(ctx context.Context) error {
	return withRuntime(ctx, func(ctx context.Context, rt *runtime) error {
		appConfig := rt.config
		logger := rt.logger

		adminService, err := admins.NewService(admins.ServiceConfig{Database: rt.db, Logger: logger})
		if err != nil {
			return err
		}
		if appConfig.AdminEmail != "" {
			if _, err := adminService.EnsureAdmin(ctx, appConfig.AdminEmail, appConfig.AdminPassword); err != nil {
				return err
			}
		}

		tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: []byte(appConfig.SigningSecret),
			Issuer:        tokenIssuer,
			Audience:      tokenAudience,
			TokenTTL:      appConfig.TokenTTL,
		})
		if err != nil {
			return err
		}

		if exposed := appConfig.UnguardedSigningTags(); len(exposed) > 0 {
			logger.Warn("signing endpoint is open for provisioned tags; set auth.require_token",
				zap.Strings("tag_uids", exposed))
		}

		signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var notarizer verification.Notarizer
		if appConfig.NotarizationEnabled() {
			notary, err := notarization.NewHTTPNotary(notarization.HTTPNotaryConfig{
				Endpoint: appConfig.NotaryEndpoint,
				APIKey:   appConfig.NotaryAPIKey,
			})
			if err != nil {
				return err
			}
			dispatcher, err := notarization.NewDispatcher(notarization.DispatcherConfig{
				Notary:     notary,
				Store:      rt.attemptLog,
				Workers:    appConfig.NotaryWorkers,
				QueueSize:  appConfig.NotaryQueueSize,
				Timeout:    appConfig.NotaryTimeout,
				MaxRetries: appConfig.NotaryMaxRetries,
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			dispatcher.Start(signalCtx)
			defer func() {
				stop()
				dispatcher.Wait()
			}()
			notarizer = dispatcher
		} else {
			logger.Info("notarization disabled")
		}

		events := server.NewEventDispatcher()
		verifier, err := verification.NewService(verification.ServiceConfig{
			Registry:  rt.registry,
			Guard:     rt.guard,
			Log:       rt.attemptLog,
			Notarizer: notarizer,
			Publisher: events,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		aggregator, err := stats.NewAggregator(stats.AggregatorConfig{
			Source:   rt.attemptLog,
			Location: appConfig.ChartLocation,
		})
		if err != nil {
			return err
		}

		handler, err := server.NewHTTPHandler(server.Dependencies{
			Verifier:       verifier,
			Minter:         rt.minter,
			Stats:          aggregator,
			Attempts:       rt.attemptLog,
			Admins:         adminService,
			TokenManager:   tokenManager,
			Events:         events,
			RequireToken:   appConfig.RequireToken,
			AllowedOrigins: appConfig.AllowedOrigins,
			TrustedProxies: appConfig.TrustedProxies,
			Logger:         logger,
		})
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
			logger.Info("server starting", zap.String("address", appConfig.HTTPAddress), zap.Bool("require_token", appConfig.RequireToken))
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
	})
}
