package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/auth"
	"github.com/MarcoPoloResearchLab/contentnode/internal/blacklist"
	"github.com/MarcoPoloResearchLab/contentnode/internal/config"
	"github.com/MarcoPoloResearchLab/contentnode/internal/database"
	"github.com/MarcoPoloResearchLab/contentnode/internal/ledger"
	"github.com/MarcoPoloResearchLab/contentnode/internal/logging"
	"github.com/MarcoPoloResearchLab/contentnode/internal/peer"
	"github.com/MarcoPoloResearchLab/contentnode/internal/replicaset"
	"github.com/MarcoPoloResearchLab/contentnode/internal/replication"
	"github.com/MarcoPoloResearchLab/contentnode/internal/server"
	"github.com/MarcoPoloResearchLab/contentnode/internal/sessions"
	"github.com/MarcoPoloResearchLab/contentnode/internal/syncfailures"
	"github.com/MarcoPoloResearchLab/contentnode/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "contentnode",
		Short: "Content node storing and replicating user operation logs",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newRepairCommand(), newBlacklistCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("node-endpoint", "", "Public endpoint of this node")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("registry-url", "", "Replica set registry base URL; empty uses the static replica set")
	cmd.PersistentFlags().String("signing-secret", "", "Delegate token signing secret (overrides env)")

	bindFlag(cmd, "node.endpoint", "node-endpoint")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "registry.url", "registry-url")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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
		Short: "Serve clients and peers and replicate owned users to their secondaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newRepairCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Heal user clocks that fell behind their operation log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperatorDatabase(func(db *gorm.DB, logger *zap.Logger, _ config.AppConfig) error {
				ledgerService, err := ledger.NewService(ledger.ServiceConfig{Database: db, Logger: logger})
				if err != nil {
					return err
				}
				report, err := ledgerService.RepairClocks(commandContext(cmd))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d repaired=%d gaps=%d\n", report.Scanned, report.Repaired, report.Gaps)
				return nil
			})
		},
	}
}

func newBlacklistCommand() *cobra.Command {
	var entryType, value string
	command := &cobra.Command{
		Use:   "blacklist",
		Short: "Manage blocked users, tracks and content identifiers",
	}
	command.PersistentFlags().StringVar(&entryType, "type", "", "Entry type (USER, TRACK, CID)")
	command.PersistentFlags().StringVar(&value, "value", "", "Blocked id or content identifier")

	mutate := func(apply func(context.Context, *blacklist.Service, blacklist.Value) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			parsedType, err := blacklist.ParseEntryType(entryType)
			if err != nil {
				return err
			}
			parsedValue, err := blacklist.NewValue(parsedType, value)
			if err != nil {
				return err
			}
			return withBlacklist(func(service *blacklist.Service) error {
				return apply(commandContext(cmd), service, parsedValue)
			})
		}
	}

	command.AddCommand(
		&cobra.Command{
			Use:   "add",
			Short: "Block a value",
			RunE: mutate(func(ctx context.Context, service *blacklist.Service, value blacklist.Value) error {
				return service.Add(ctx, value)
			}),
		},
		&cobra.Command{
			Use:   "remove",
			Short: "Unblock a value",
			RunE: mutate(func(ctx context.Context, service *blacklist.Service, value blacklist.Value) error {
				return service.Remove(ctx, value)
			}),
		},
		&cobra.Command{
			Use:   "list",
			Short: "List blocked values, optionally of one --type",
			RunE: func(cmd *cobra.Command, args []string) error {
				var filter blacklist.EntryType
				if entryType != "" {
					parsed, err := blacklist.ParseEntryType(entryType)
					if err != nil {
						return err
					}
					filter = parsed
				}
				return withBlacklist(func(service *blacklist.Service) error {
					entries, err := service.List(commandContext(cmd), filter)
					if err != nil {
						return err
					}
					writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(writer, "TYPE\tVALUE\tCREATED")
					for _, entry := range entries {
						fmt.Fprintf(writer, "%s\t%s\t%s\n", entry.Type, entry.Value, entry.CreatedAt.UTC().Format(time.RFC3339))
					}
					return writer.Flush()
				})
			},
		},
	)
	return command
}

func withBlacklist(fn func(*blacklist.Service) error) error {
	return withOperatorDatabase(func(db *gorm.DB, logger *zap.Logger, appConfig config.AppConfig) error {
		service, err := blacklist.NewService(blacklist.ServiceConfig{
			Database:     db,
			Logger:       logger,
			CIDWhitelist: appConfig.CIDWhitelist,
		})
		if err != nil {
			return err
		}
		return fn(service)
	})
}

func withOperatorDatabase(fn func(*gorm.DB, *zap.Logger, config.AppConfig) error) error {
	appConfig, err := config.LoadOperator(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, logging.FormatConsole, "")
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

	return fn(db, logger, appConfig)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func runServer(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat, appConfig.NodeEndpoint)
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

	ledgerService, err := ledger.NewService(ledger.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	sessionStore, err := sessions.NewStore(sessions.StoreConfig{
		Database: db,
		TTL:      appConfig.Sessions.TTL,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	blacklistService, err := blacklist.NewService(blacklist.ServiceConfig{
		Database:     db,
		Logger:       logger,
		CIDWhitelist: appConfig.CIDWhitelist,
	})
	if err != nil {
		return err
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.Auth.SigningSecret),
		Issuer:        appConfig.NodeEndpoint,
		Audience:      appConfig.Auth.Audience,
		TokenTTL:      appConfig.Auth.TokenTTL,
	})
	if err != nil {
		return err
	}
	delegateValidator, err := auth.NewDelegateValidator(auth.DelegateValidatorConfig{
		SigningSecret: []byte(appConfig.Auth.SigningSecret),
		Audience:      appConfig.Auth.Audience,
	})
	if err != nil {
		return err
	}

	resolver, err := newResolver(appConfig, tokenIssuer, logger)
	if err != nil {
		return err
	}

	events := server.NewSyncEventDispatcher()
	coordinator, err := replication.NewCoordinator(replication.Config{
		NodeEndpoint: appConfig.NodeEndpoint,
		Ledger:       ledgerService,
		Filter:       blacklistService,
		Peers: peer.NewClient(peer.ClientConfig{
			Authorize: tokenIssuer.Authorizer(auth.RolePeer),
			Logger:    logger,
		}),
		Resolver:         resolver,
		Tracker:          syncfailures.NewTracker(),
		Logger:           logger,
		Observer:         events.ObserveAttempt,
		AttemptTimeout:   appConfig.Sync.Timeout,
		MaxExportRange:   appConfig.Sync.MaxExportRange,
		RetryAttempts:    appConfig.Sync.RetryAttempts,
		RetryBaseDelay:   appConfig.Sync.RetryBaseDelay,
		FailureThreshold: appConfig.Sync.FailureThreshold,
		ReconfigMode:     appConfig.Sync.ReconfigMode,
		PeerRateLimit:    appConfig.Sync.PeerRateLimit,
		Workers:          appConfig.Sync.Workers,
		Interval:         appConfig.Sync.Interval,
		ModuloBase:       appConfig.Sync.ModuloBase,

		ReconfigNodeWhitelist: appConfig.Sync.ReconfigNodeWhitelist,
		ForceWipeEnabled:      appConfig.Sync.ForceWipeEnabled,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Ledger:         ledgerService,
		Users:          userService,
		Sessions:       sessionStore,
		Blacklist:      blacklistService,
		Delegates:      delegateValidator,
		Sync:           coordinator,
		Events:         events,
		Logger:         logger,
		CORSOrigins:    appConfig.CORSOrigins,
		MaxExportRange: appConfig.Sync.MaxExportRange,
		WriteRetries:   appConfig.WriteRetries,

		NodeEndpoint:     appConfig.NodeEndpoint,
		ReplicaSets:      resolver,
		ForceWipeEnabled: appConfig.Sync.ForceWipeEnabled,

		LoginRequiresGateway: appConfig.Auth.LoginGatewayRequired,
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

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		return coordinator.Run(groupCtx)
	})
	group.Go(func() error {
		runPeriodically(groupCtx, appConfig.RepairInterval, func(ctx context.Context) {
			if _, err := ledgerService.RepairClocks(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("scheduled clock repair failed", zap.Error(err))
			}
		})
		return nil
	})
	group.Go(func() error {
		runPeriodically(groupCtx, appConfig.Sessions.PurgePeriod, func(ctx context.Context) {
			purged, err := sessionStore.PurgeExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("session purge failed", zap.Error(err))
				}
				return
			}
			if purged > 0 {
				logger.Info("purged expired sessions", zap.Int64("count", purged))
			}
		})
		return nil
	})

	return group.Wait()
}

func newResolver(appConfig config.AppConfig, issuer *auth.TokenIssuer, logger *zap.Logger) (replicaset.Resolver, error) {
	var source replicaset.Resolver
	if appConfig.Registry.URL != "" {
		registry, err := replicaset.NewHTTPRegistry(replicaset.HTTPRegistryConfig{
			BaseURL:   appConfig.Registry.URL,
			Logger:    logger,
			Authorize: issuer.Authorizer(auth.RoleOperator),
		})
		if err != nil {
			return nil, err
		}
		source = registry
	} else {
		registry, err := replicaset.NewStaticRegistry(appConfig.Registry.Static, appConfig.Registry.Spares)
		if err != nil {
			return nil, err
		}
		source = registry
	}
	return replicaset.NewCachingResolver(source, appConfig.Registry.CacheTTL, logger), nil
}

// runPeriodically runs task every interval until ctx ends; a non-positive interval disables it.
func runPeriodically(ctx context.Context, interval time.Duration, task func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task(ctx)
		}
	}
}
