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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantacodes/seomcp-proxy/internal/db"
	"github.com/quantacodes/seomcp-proxy/internal/mcpserver/config"
	"github.com/quantacodes/seomcp-proxy/internal/mcpserver/instance"
	"github.com/quantacodes/seomcp-proxy/internal/mcpserver/quota"
	"github.com/quantacodes/seomcp-proxy/internal/mcpserver/server"
	"github.com/quantacodes/seomcp-proxy/internal/mcpserver/session"
	"github.com/quantacodes/seomcp-proxy/internal/mcpserver/store"
)

const version = "1.0.0"

// cliFlags holds the persistent flag values shared by every subcommand.
type cliFlags struct {
	configPath string
	devMode    bool
	debug      bool
	logLevel   string
}

func main() {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Multi-tenant MCP gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to configuration file (JSON)")
	root.PersistentFlags().BoolVar(&flags.devMode, "dev", false, "enable development mode (X-Debug-Tenant header fallback)")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(newServeCommand(flags))
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the gateway version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("gateway version %s\n", version)
			return nil
		},
	}
}

func newServeCommand(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the MCP gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			setupLogging(cfg)

			log.Info().
				Str("version", version).
				Str("listenAddr", cfg.ListenAddr).
				Bool("devMode", cfg.DevMode).
				Msg("starting mcp gateway")
			if cfg.DevMode {
				log.Warn().Msg("dev mode enabled: bearer auth bypassed via X-Debug-Tenant header")
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
			go func() {
				sig := <-sigChan
				log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
				cancel()
			}()

			return run(ctx, cfg)
		},
	}
}

// loadConfig loads the configuration from file or environment, then applies
// CLI overrides before validation so --dev and --debug work without a full
// config document.
func loadConfig(flags *cliFlags) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if flags.configPath != "" {
		cfg, err = config.Load(flags.configPath)
	} else {
		cfg, err = config.LoadFromEnvironment()
	}
	if err != nil {
		return nil, err
	}

	if flags.devMode {
		cfg.DevMode = true
	}
	if flags.debug {
		cfg.Debug = true
		if flags.logLevel == "info" {
			cfg.LogLevel = "debug"
		}
	}
	if flags.logLevel != "info" {
		cfg.LogLevel = flags.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	zerolog.SetGlobalLevel(parseLogLevel(cfg.LogLevel))

	if cfg.Debug {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Caller().Logger()
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// run wires the gateway's collaborators and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	credentials := store.NewCredentialStore(pool, []byte(cfg.JWTSecret))
	usage := store.NewUsageLog(pool)
	producer := store.NewTenantConfigProducer(
		pool,
		cfg.Child.Command,
		cfg.Child.Args,
		cfg.Child.ProtocolVersion,
		cfg.IdleTimeout,
		cfg.CallTimeout,
		cfg.RestartCooldown,
		cfg.RestartMax,
	)

	instancePool := instance.NewPool(producer)
	sessions := session.NewRegistry(cfg.SessionTTL)
	quotaAcct := quota.New(usage, convertPlans(cfg.Plans))

	mcpServer := server.NewMCPServer(cfg, credentials, instancePool, sessions, quotaAcct, usage)

	serveErr := make(chan error, 1)
	go func() {
		if err := mcpServer.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down mcp gateway")
	case err := <-serveErr:
		if err != nil {
			sessions.Stop()
			instancePool.DrainAll()
			return fmt.Errorf("gateway server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := mcpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("error during http shutdown")
	}

	sessions.Stop()
	instancePool.DrainAll()

	log.Info().Msg("mcp gateway stopped gracefully")
	return nil
}

// convertPlans adapts the config package's PlanLimits (kept free of a quota
// import so config has no dependency on it) to quota.PlanLimits. A nil or
// empty map falls back to quota.DefaultPlanTable.
func convertPlans(plans map[string]config.PlanLimits) map[string]quota.PlanLimits {
	if len(plans) == 0 {
		return nil
	}
	out := make(map[string]quota.PlanLimits, len(plans))
	for name, limits := range plans {
		out[name] = quota.PlanLimits{Verified: limits.Verified, Unverified: limits.Unverified}
	}
	return out
}
