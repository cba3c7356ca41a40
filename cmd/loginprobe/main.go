package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazz-dev/loginprobe/internal/browser"
	"github.com/hazz-dev/loginprobe/internal/checker"
	"github.com/hazz-dev/loginprobe/internal/config"
	"github.com/hazz-dev/loginprobe/internal/logging"
	"github.com/hazz-dev/loginprobe/internal/metrics"
	"github.com/hazz-dev/loginprobe/internal/observability"
	"github.com/hazz-dev/loginprobe/internal/scheduler"
	"github.com/hazz-dev/loginprobe/internal/server"
	"github.com/hazz-dev/loginprobe/internal/version"
)

var (
	cfgFile         string
	installBrowsers bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "loginprobe",
		Short:        "Synthetic login monitor exporting Prometheus metrics",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file path (default $"+config.EnvConfigFile+" or "+config.DefaultPath+")")
	root.PersistentFlags().BoolVar(&installBrowsers, "install-browsers", false,
		"download the playwright runtime and Chromium before starting")

	root.AddCommand(versionCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(checkCmd())

	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "loginprobe %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}

func serveCmd() *cobra.Command {
	var overlap string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled login checks and serve /metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, overlap)
		},
	}
	cmd.Flags().StringVar(&overlap, "overlap", scheduler.OverlapAllow.String(),
		"what to do when a check is still running at the next tick: allow or skip")
	return cmd
}

// loadConfig resolves, loads and env-overlays the config. Any failure is
// fatal to the caller.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.ResolvePath(cfgFile))
	if err != nil {
		return nil, err
	}
	config.ApplyEnv(cfg, os.LookupEnv)
	return cfg, nil
}

func launchOptions(cfg *config.Config) browser.LaunchOptions {
	return browser.LaunchOptions{
		ExecutablePath: cfg.Browser.ExecutablePath,
		Headless:       cfg.Browser.Headless,
		Args:           cfg.Browser.Args,
	}
}

func runServe(cmd *cobra.Command, overlapFlag string) error {
	policy, err := scheduler.ParseOverlapPolicy(overlapFlag)
	if err != nil {
		return err
	}

	// 1. Load config
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return err
	}

	// 2. Logger
	logger, closeLog, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer closeLog()
	slog.SetDefault(logger)
	logger.Info("config loaded", "targets", len(cfg.Targets), "version", version.Version)

	// 3. Error reporting
	reporter := observability.SetupRollbar(logger, os.LookupEnv)
	defer reporter.Flush()

	// 4. Browser
	driver := browser.NewPlaywrightDriver(installBrowsers, logger)
	if err := driver.Start(); err != nil {
		return fmt.Errorf("starting browser driver: %w", err)
	}
	defer func() {
		if err := driver.Stop(); err != nil {
			logger.Error("browser driver shutdown", "error", err)
		}
	}()

	// 5. Metrics, runner, scheduler
	registry := metrics.New()
	runner := checker.NewRunner(driver, checker.Options{
		Launch:        launchOptions(cfg),
		ScreenshotDir: cfg.ScreenshotDir,
		OnPanic:       reporter.ReportPanic,
	}, logger)
	sched := scheduler.New(cfg.Targets, runner, registry, logger, scheduler.WithOverlapPolicy(policy))

	// 6. HTTP server
	apiServer := server.New(registry, metrics.ContentType(), cfg.Targets, logger)
	sched.SetOnResult(apiServer.Record)

	httpServer := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind before scheduling so a taken port fails fast.
	ln, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Address, err)
	}

	// 7. Signal context for graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "address", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// 8. Start scheduler
	sched.Start(ctx)
	logger.Info("scheduler started", "targets", len(cfg.Targets))

	// 9. Wait for signal or server error
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		runErr = fmt.Errorf("HTTP server: %w", err)
		stop()
	}

	// 10. Graceful shutdown
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown", "error", err)
	}

	sched.Wait()
	logger.Info("shutdown complete")
	return runErr
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run a one-off login check of every configured target",
		RunE:  runCheck,
	}
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, closeLog, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: "text",
		File:   cfg.Logging.File,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer closeLog()

	driver := browser.NewPlaywrightDriver(installBrowsers, logger)
	if err := driver.Start(); err != nil {
		return fmt.Errorf("starting browser driver: %w", err)
	}
	defer driver.Stop()

	runner := checker.NewRunner(driver, checker.Options{
		Launch:        launchOptions(cfg),
		ScreenshotDir: cfg.ScreenshotDir,
	}, logger)
	return executeCheck(cmd, cfg, runner)
}
