// Package main is the entry point for the policy-resolver binary. It serves
// tenant expense policies over HTTP and offers one-shot resolution and safe
// mode artifact checks from the command line.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/polisai/policy-resolver/pkg/admin"
	"github.com/polisai/policy-resolver/pkg/config"
	"github.com/polisai/policy-resolver/pkg/logging"
	"github.com/polisai/policy-resolver/pkg/policy"
	"github.com/polisai/policy-resolver/pkg/resolver"
	"github.com/polisai/policy-resolver/pkg/storage"
	"github.com/polisai/policy-resolver/pkg/telemetry"
)

const (
	defaultEnvFile          = ".env"
	gracefulShutdownTimeout = 10 * time.Second
)

// CLIConfig holds the parsed global flags.
type CLIConfig struct {
	ConfigPath string
	EnvFile    string
	LogLevel   string
	Pretty     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "policy-resolver",
		Short: "Resilient expense policy resolution",
		Long: `Resolves per-tenant expense policies from the remote policy store.

When the store is unreachable the resolver degrades through stale and
last-known-good cached policies down to a static safe mode policy.

Example:
  policy-resolver serve --config /etc/policy-resolver/config.yaml
  policy-resolver resolve acme`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().String("env-file", defaultEnvFile, "Path to a dotenv file with POLICY_* overrides")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "Human readable log output")

	rootCmd.AddCommand(newServeCmd(), newResolveCmd(), newCheckSafeModeCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve policies over HTTP",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <tenant>",
		Short: "Resolve one tenant's policy and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runResolve,
	}
}

func newCheckSafeModeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-safe-mode [artifact]",
		Short: "Validate a safe mode artifact",
		Long: `Loads and validates a safe mode artifact. Without an argument the
artifact from the configuration is checked, or the bundled one if none is set.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runCheckSafeMode,
	}
}

// parseCLIConfig reads the global flags.
func parseCLIConfig(cmd *cobra.Command) (*CLIConfig, error) {
	flags := cmd.Flags()
	configPath, err := flags.GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	envFile, err := flags.GetString("env-file")
	if err != nil {
		return nil, fmt.Errorf("failed to get env-file flag: %w", err)
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	pretty, err := flags.GetBool("pretty")
	if err != nil {
		return nil, fmt.Errorf("failed to get pretty flag: %w", err)
	}
	return &CLIConfig{ConfigPath: configPath, EnvFile: envFile, LogLevel: logLevel, Pretty: pretty}, nil
}

// loadEnvFile applies a dotenv file. A missing default file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err != nil && path == defaultEnvFile && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// loadRuntime loads configuration and builds the logger. Logs go to w.
func loadRuntime(cmd *cobra.Command, w io.Writer) (*CLIConfig, *config.Config, *slog.Logger, error) {
	cli, err := parseCLIConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := loadEnvFile(cli.EnvFile); err != nil {
		return nil, nil, nil, err
	}

	cfg, err := config.Load(cli.ConfigPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.Pretty {
		cfg.Logging.Pretty = true
	}

	logger := logging.SetupLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: w,
	})
	return cli, cfg, logger, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cli, cfg, logger, err := loadRuntime(cmd, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("Failed to flush traces", "error", err)
		}
	}()

	// Refuse to start without a loadable safe mode artifact.
	if err := verifySafeMode(cfg.SafeMode.Artifact, cfg.Resolver.DefaultCurrency); err != nil {
		return fmt.Errorf("safe mode artifact is unusable: %w", err)
	}

	metrics := telemetry.NewMetrics()
	cache := storage.NewMemoryPolicyCache()
	state := newSourceState(cfg, metrics, logger)
	r, err := buildResolver(cfg, cache, state, metrics, logger)
	if err != nil {
		return err
	}
	current := newSwappableResolver(r)

	if cli.ConfigPath != "" {
		w, err := config.NewFileWatcher(cli.ConfigPath, config.DefaultDebounce, logger)
		if err != nil {
			return fmt.Errorf("failed to watch config file: %w", err)
		}
		defer w.Close()
		rl := &reloader{
			path:    cli.ConfigPath,
			cache:   cache,
			metrics: metrics,
			current: current,
			logger:  logger,
			cfg:     cfg,
			state:   state,
		}
		go rl.run(ctx, w.Subscribe())
	}
	if cfg.SafeMode.Artifact != "" {
		w, err := config.NewFileWatcher(cfg.SafeMode.Artifact, config.DefaultDebounce, logger)
		if err != nil {
			return fmt.Errorf("failed to watch safe mode artifact: %w", err)
		}
		defer w.Close()
		go checkArtifactOnChange(ctx, w.Subscribe(), cfg.SafeMode.Artifact, cfg.Resolver.DefaultCurrency, logger)
	}

	server := admin.NewServer(cfg.Server.AdminAddress, current, metrics, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("Policy resolver started",
		"admin_addr", cfg.Server.AdminAddress,
		"fresh_ttl", cfg.Resolver.FreshTTL.String(),
		"stale_max_age", cfg.Resolver.StaleMaxAge.String(),
		"safe_mode_artifact", newSafeModeLoader(cfg, logger).Source())

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Admin server error", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Received shutdown signal")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", "error", err)
		return err
	}
	logger.Info("Policy resolver stopped")
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	_, cfg, logger, err := loadRuntime(cmd, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	r, err := buildResolver(cfg, storage.NewMemoryPolicyCache(), newSourceState(cfg, nil, logger), nil, logger)
	if err != nil {
		return err
	}

	p, level, err := r.Resolve(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(admin.PolicyResponse{Policy: p, DegradationLevel: level})
}

func runCheckSafeMode(cmd *cobra.Command, args []string) error {
	_, cfg, logger, err := loadRuntime(cmd, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	path := cfg.SafeMode.Artifact
	if len(args) == 1 {
		path = args[0]
	}

	loader := policy.NewSafeModeLoader(path, cfg.Resolver.DefaultCurrency, logger)
	p, err := loader.Load("")
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (effective %s, default %q, %d categories)\n",
		loader.Source(), p.EffectiveDate, p.DefaultCategory, len(p.Categories))
	return nil
}

func verifySafeMode(path, currency string) error {
	_, err := policy.NewSafeModeLoader(path, currency, slog.New(slog.DiscardHandler)).Load("")
	return err
}

// reloader applies config file changes to the running resolver.
type reloader struct {
	path    string
	cache   storage.TieredPolicyCache
	metrics *telemetry.Metrics
	current *swappableResolver
	logger  *slog.Logger

	cfg   *config.Config
	state *sourceState
}

// run reloads the config file on every change event. An invalid file is
// logged and the running resolver is kept.
func (rl *reloader) run(ctx context.Context, events <-chan config.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
		}

		next, err := config.Load(rl.path)
		if err == nil {
			err = rl.apply(next)
		}
		if err != nil {
			rl.logger.Error("Configuration reload failed, keeping previous configuration", "error", err)
		}
	}
}

// apply swaps in a resolver built from next when a resolver setting changed.
// The breaker, fetch group and cached policies are kept unless next points at
// a different policy store.
func (rl *reloader) apply(next *config.Config) error {
	prev := rl.cfg
	sourceChanged := !sameSource(prev.Source, next.Source)

	if next.Breaker != prev.Breaker && !sourceChanged {
		rl.logger.Warn("Breaker settings changed, they apply once the policy source changes or after a restart",
			"threshold", next.Breaker.Threshold, "cooldown", next.Breaker.Cooldown.String())
	}

	if !sourceChanged && next.Source == prev.Source && next.Resolver == prev.Resolver &&
		next.Retry == prev.Retry && next.SafeMode == prev.SafeMode {
		rl.cfg = next
		rl.logger.Info("Configuration reloaded, resolver unchanged", "path", rl.path)
		return nil
	}

	state := rl.state
	if sourceChanged {
		state = newSourceState(next, rl.metrics, rl.logger)
	}
	r, err := buildResolver(next, rl.cache, state, rl.metrics, rl.logger)
	if err != nil {
		return err
	}
	rl.current.Swap(r)
	rl.cfg, rl.state = next, state

	if sourceChanged {
		// Cached policies came from the old store.
		r.Invalidate("")
	}
	rl.logger.Info("Configuration reloaded", "path", rl.path, "source_changed", sourceChanged)
	return nil
}

// checkArtifactOnChange re-validates the safe mode artifact when it changes so
// a broken file is reported before an outage needs it.
func checkArtifactOnChange(ctx context.Context, events <-chan config.ChangeEvent, path, currency string, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
		}

		if err := verifySafeMode(path, currency); err != nil {
			logger.Error("Safe mode artifact changed and is no longer loadable", "path", path, "error", err)
			continue
		}
		logger.Info("Safe mode artifact changed", "path", path)
	}
}

var _ admin.Resolver = (*swappableResolver)(nil)
var _ admin.Resolver = (*resolver.Resolver)(nil)
