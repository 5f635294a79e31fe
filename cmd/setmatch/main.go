package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/setmatch/internal/auth"
	"github.com/MarcoPoloResearchLab/setmatch/internal/config"
	"github.com/MarcoPoloResearchLab/setmatch/internal/database"
	"github.com/MarcoPoloResearchLab/setmatch/internal/events"
	"github.com/MarcoPoloResearchLab/setmatch/internal/indexing"
	"github.com/MarcoPoloResearchLab/setmatch/internal/logging"
	"github.com/MarcoPoloResearchLab/setmatch/internal/matching"
	"github.com/MarcoPoloResearchLab/setmatch/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "setmatch",
		Short:        "Commitment index lookups and set matching",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServer(cmd.Context())
			},
		},
		newMatchCommand(),
		newTokenCommand(),
		newEventsCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Duration("stale-threshold", defaults.GetDuration("index.stale_threshold"), "Maximum indexer heartbeat age; 0 disables the check")
	cmd.PersistentFlags().String("index-strategy", defaults.GetString("index.strategy"), "Index strategy (single, aggregate, failover)")
	cmd.PersistentFlags().StringSlice("index-backend", nil, "Additional index DSN (repeatable)")
	cmd.PersistentFlags().String("signing-secret", "", "API token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "index.stale_threshold", "stale-threshold")
	bindFlag(cmd, "index.strategy", "index-strategy")
	bindFlag(cmd, "index.backends", "index-backend")
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

// app holds what every subcommand needs after configuration is loaded.
type app struct {
	config    config.AppConfig
	logger    *zap.Logger
	databases []*gorm.DB
}

func newRuntime(ctx context.Context) (*app, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	rt := &app{config: appConfig, logger: logger}
	primary, err := rt.openDatabase(ctx, appConfig.Database.DSN)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.databases = append(rt.databases, primary)
	return rt, nil
}

func (rt *app) openDatabase(ctx context.Context, dsn string) (*gorm.DB, error) {
	return database.Open(ctx, database.Config{
		Driver:          rt.config.Database.Driver,
		DSN:             dsn,
		ConnectAttempts: rt.config.Database.ConnectAttempts,
	}, rt.logger)
}

func (rt *app) primary() *gorm.DB {
	return rt.databases[0]
}

func (rt *app) close() {
	for _, db := range rt.databases {
		if err := database.Close(db); err != nil {
			rt.logger.Warn("database close failed", zap.Error(err))
		}
	}
	_ = rt.logger.Sync()
}

func (rt *app) newService(db *gorm.DB) (*indexing.Service, error) {
	return indexing.NewService(indexing.ServiceConfig{
		Database:       db,
		Matching:       matching.Config{MaxTimestampDiff: rt.config.MaxTimestampDiff},
		StaleThreshold: rt.config.Index.StaleThreshold,
		Clock:          time.Now,
		Logger:         rt.logger,
	})
}

// lookup builds the configured Lookup: the primary service alone, or the
// primary plus every index.backends entry behind a Composite.
func (rt *app) lookup(ctx context.Context) (indexing.Lookup, error) {
	primary, err := rt.newService(rt.primary())
	if err != nil {
		return nil, err
	}
	if rt.config.Index.Strategy == config.StrategySingle {
		return primary, nil
	}

	strategy, err := indexing.ParseStrategy(rt.config.Index.Strategy)
	if err != nil {
		return nil, err
	}
	backends := []indexing.Lookup{primary}
	for _, dsn := range rt.config.Index.Backends {
		db, err := rt.openDatabase(ctx, dsn)
		if err != nil {
			return nil, err
		}
		rt.databases = append(rt.databases, db)
		service, err := rt.newService(db)
		if err != nil {
			return nil, err
		}
		backends = append(backends, service)
	}
	return indexing.NewComposite(strategy, rt.logger, backends...)
}

func runServer(ctx context.Context) error {
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger

	lookup, err := rt.lookup(ctx)
	if err != nil {
		return err
	}

	var tokens server.TokenValidator
	if rt.config.Auth.Enabled() {
		validator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
			SigningSecret: []byte(rt.config.Auth.SigningSecret),
			Issuer:        rt.config.Auth.Issuer,
			Audience:      rt.config.Auth.Audience,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		tokens = validator
	} else {
		logger.Warn("api authentication disabled, auth.signing_secret is empty")
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Lookup: lookup,
		Tokens: tokens,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              rt.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", rt.config.HTTPAddress),
			zap.String("index_strategy", rt.config.Index.Strategy))
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

func newMatchCommand() *cobra.Command {
	var (
		objectsPath string
		asOf        string
		tolerance   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Rank committed sets against a snapshot of objects",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("tolerance") {
				viper.Set("matching.max_timestamp_diff", tolerance)
			}
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			objects, err := readObjects(objectsPath)
			if err != nil {
				return err
			}
			criteria, err := matching.NewCriteria(objects, asOfFlagValue(asOf))
			if err != nil {
				return err
			}

			lookup, err := rt.lookup(cmd.Context())
			if err != nil {
				return err
			}
			candidates, err := lookup.FindMatchingSets(cmd.Context(), criteria)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), candidates)
		},
	}
	cmd.Flags().StringVar(&objectsPath, "objects", "", "JSON file with [{fingerprint, timestamp}] (- for stdin)")
	cmd.Flags().StringVar(&asOf, "as-of", "", "Only consider events at or before this instant (epoch seconds or RFC 3339 with zone)")
	cmd.Flags().DurationVar(&tolerance, "tolerance", 24*time.Hour, "Maximum timestamp difference for a match")
	_ = cmd.MarkFlagRequired("objects")
	return cmd
}

// asOfFlagValue reads digits as epoch seconds and anything else as a
// timestamp string.
func asOfFlagValue(raw string) any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return seconds
	}
	return raw
}

func readObjects(path string) ([]matching.ObjectAtTime, error) {
	var reader io.Reader = os.Stdin
	if path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		reader = file
	}
	var objects []matching.ObjectAtTime
	if err := json.NewDecoder(reader).Decode(&objects); err != nil {
		return nil, fmt.Errorf("decode objects: %w", err)
	}
	return objects, nil
}

func newTokenCommand() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens",
	}
	var subject string
	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an API token for a client subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if !appConfig.Auth.Enabled() {
				return errors.New("auth.signing_secret is required to issue tokens")
			}
			issued, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.Auth.SigningSecret),
				Issuer:        appConfig.Auth.Issuer,
				Audience:      appConfig.Auth.Audience,
				TokenTTL:      appConfig.Auth.TokenTTL,
			}).Issue(cmd.Context(), subject)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), issued)
		},
	}
	issueCmd.Flags().StringVar(&subject, "subject", "", "Client subject")
	_ = issueCmd.MarkFlagRequired("subject")
	tokenCmd.AddCommand(issueCmd)
	return tokenCmd
}

func newEventsCommand() *cobra.Command {
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Manage the local event store",
	}
	var path string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Load JSONL fixture events into the configured database",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			file, err := os.Open(path)
			if err != nil {
				return err
			}
			defer file.Close()

			importer, err := events.NewImporter(rt.primary(), time.Now)
			if err != nil {
				return err
			}
			result, err := importer.ImportJSONL(cmd.Context(), file)
			if err != nil {
				return err
			}
			rt.logger.Info("events imported",
				zap.String("file", path),
				zap.Int("sets_created", result.SetsCreated),
				zap.Int("objects_committed", result.ObjectsCommitted),
				zap.Int("objects_added_to_sets", result.ObjectsAddedToSets),
				zap.Int("duplicates", result.Duplicates))
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	importCmd.Flags().StringVar(&path, "file", "", "JSONL file of event records")
	_ = importCmd.MarkFlagRequired("file")
	eventsCmd.AddCommand(importCmd)
	return eventsCmd
}

func writeJSON(writer io.Writer, value any) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
