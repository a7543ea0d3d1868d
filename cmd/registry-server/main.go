package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/elfregistry/registry/internal/adapters/auth"
	"github.com/elfregistry/registry/internal/adapters/storage"
	"github.com/elfregistry/registry/internal/api/handlers"
	"github.com/elfregistry/registry/internal/config"
	"github.com/elfregistry/registry/internal/core/registry"
	"github.com/elfregistry/registry/internal/telemetry"
	"github.com/elfregistry/registry/internal/util/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "registry-server",
		Short:         "Serve the ELF program registry",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, v.GetBool("clean-data-directory"), os.Stdout)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "path to YAML config file")
	flags.Int("port", 0, "HTTP port (overrides config)")
	flags.String("storage-backend", "", "storage backend: local, sqlite, gcs, s3, minio, azure")
	flags.String("data-dir", "", "data directory (overrides config)")
	flags.String("log-level", "", "log level (overrides config)")
	flags.String("api-key", "", "additional accepted API key")
	flags.Bool("clean-data-directory", false, "remove the data directory before starting")

	flags.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
	})
	v.SetEnvPrefix("REGISTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return cmd
}

// loadConfig reads the config file and applies flag and REGISTRY_* env overrides.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	return config.Load(strings.TrimSpace(v.GetString("config")), func(c *config.Config) {
		if port := v.GetInt("port"); port != 0 {
			c.Server.Port = port
		}
		if backend := v.GetString("storage-backend"); backend != "" {
			c.Storage.Backend = backend
		}
		if dir := v.GetString("data-dir"); dir != "" {
			c.Storage.DataDir = dir
		}
		if level := v.GetString("log-level"); level != "" {
			c.Log.Level = level
		}
		if key := strings.TrimSpace(v.GetString("api-key")); key != "" {
			c.Auth.APIKeys = append(c.Auth.APIKeys, key)
		}
	})
}

func run(ctx context.Context, cfg *config.Config, cleanDataDir bool, out io.Writer) error {
	logger, err := logging.New(out, cfg.Log.Level)
	if err != nil {
		return err
	}
	logger = logger.With().Str("service", "elf-registry").Logger()

	if cleanDataDir {
		logger.Info().Str("dir", cfg.Storage.DataDir).Msg("cleaning data directory")
		if err := os.RemoveAll(cfg.Storage.DataDir); err != nil {
			return fmt.Errorf("cleaning data directory: %w", err)
		}
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	var opts []registry.Option
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metrics, err := telemetry.Setup(logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metrics.Shutdown(shutdownCtx)
		}()
		opts = append(opts, registry.WithMeterProvider(metrics.MeterProvider()))
		metricsHandler = metrics.Handler()
	}

	backend, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("initializing %s storage: %w", cfg.Storage.Backend, err)
	}
	if closer, ok := backend.(io.Closer); ok {
		defer closer.Close()
	}

	svc, err := registry.New(ctx, storage.Trace(backend, logger), logger, opts...)
	if err != nil {
		return fmt.Errorf("initializing registry: %w", err)
	}

	handler := handlers.New(svc, auth.NewAPIKeyAuth(cfg.Auth.APIKeys), logger, handlers.Options{
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		CORSAllowOrigin: cfg.Server.CORSAllowOrigin,
		MetricsPath:     cfg.Metrics.Path,
		Metrics:         metricsHandler,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Str("backend", svc.Backend()).Msg("starting ELF registry server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}
