package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/carlosprados/airstack/internal/agent"
	"github.com/carlosprados/airstack/internal/config"
	"github.com/carlosprados/airstack/internal/logging"
	"github.com/carlosprados/airstack/internal/metrics"
	"github.com/carlosprados/airstack/internal/version"
)

// --- Global flags ---
var (
	configPath string
	logLevel   string
	logFile    string
	jsonLogs   bool

	cfg          *config.Config
	closeLogging = func() {}

	rootCmd = &cobra.Command{
		Use:           "airstack",
		Short:         "Declare and run a local Airflow stack on Docker",
		Long:          "airstack declares a Celery-based Airflow deployment (Postgres, Redis, init task and\napplication containers) on the local Docker engine and publishes its outputs.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			closer, err := logging.Init(logging.Options{Level: logLevel, File: logFile, Console: !jsonLogs})
			if err != nil {
				return err
			}
			closeLogging = closer
			if cmd.Annotations["config"] == "none" {
				return nil
			}
			cfg, err = config.Load(resolveConfigPath())
			return err
		},
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Stack file (default ./airstack.toml when present)")
	pf.StringVar(&logLevel, "log-level", envOr("AIRSTACK_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	pf.StringVar(&logFile, "log-file", os.Getenv("AIRSTACK_LOG_FILE"), "Also append logs to this file")
	pf.BoolVar(&jsonLogs, "json-logs", false, "Emit JSON logs instead of console output")
}

func main() {
	err := rootCmd.Execute()
	closeLogging()
	if err != nil {
		log.Error().Err(err).Msg("airstack failed")
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if _, err := os.Stat("airstack.toml"); err == nil {
		return "airstack.toml"
	}
	return ""
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// serve runs the status API until a shutdown signal. If apply is set it is
// run once the listener is up.
func serve(a *agent.Agent, addr string, apply func(context.Context) error) error {
	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go metrics.SampleSelf(ctx, 5*time.Second)

	srv := &http.Server{Addr: addr, Handler: a.Router(), ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("version", version.Version).Msg("status API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	if apply != nil {
		go func() {
			if err := apply(ctx); err != nil {
				log.Error().Err(err).Msg("apply failed")
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received, draining")
	case err := <-errc:
		return err
	}

	// Graceful HTTP shutdown with timeout
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown error")
	}
	return a.Close()
}
