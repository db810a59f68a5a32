package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/update_agent/internal/artifact"
	"github.com/italolelis/update_agent/internal/cleanup"
	"github.com/italolelis/update_agent/internal/config"
	"github.com/italolelis/update_agent/internal/device"
	"github.com/italolelis/update_agent/internal/http/rest"
	"github.com/italolelis/update_agent/internal/logctx"
	"github.com/italolelis/update_agent/internal/notifier"
	"github.com/italolelis/update_agent/internal/standalone"
	"github.com/italolelis/update_agent/internal/storage/sqlite"
	"github.com/italolelis/update_agent/internal/telemetry"
	"github.com/italolelis/update_agent/internal/updatemodule"
)

var version = "dev"

const usage = `usage: update_agent <command> [flags]

commands:
  install        install an artifact: --header FILE (--payload-tar FILE | --payload FILE ...)
  commit         commit an installed artifact that required a reboot
  rollback       roll back an installed artifact that required a reboot
  show-provides  print the device type and provides of the installed artifact
  show-modules   list the installed update modules
  daemon         serve the local status API and clean up stale module trees
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Debug("update agent starting...", "version", version, "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg, os.Args[1], os.Args[2:]); err != nil {
		slog.Error("fatal error", "command", os.Args[1], "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, command string, args []string) error {
	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logctx.LoggerFromContext(ctx).Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	dev := device.NewState(cfg.DataStoreDir, sqlite.NewInstrumentedKeyValueRepository(database, tel))

	switch command {
	case "install":
		err = runInstall(ctx, cfg, dev, tel, args)
	case "commit":
		err = newInstaller(cfg, dev, tel).Commit(ctx)
	case "rollback":
		err = newInstaller(cfg, dev, tel).Rollback(ctx)
	case "show-provides":
		err = showProvides(os.Stdout, dev)
	case "show-modules":
		err = showModules(os.Stdout, cfg.ModulesPath)
	case "daemon":
		err = runDaemon(ctx, cfg, dev, tel)
	default:
		fmt.Fprint(os.Stderr, usage)

		return fmt.Errorf("unknown command %q", command)
	}

	if err != nil {
		tel.RecordSystemError("cli", command)
	}

	return err
}

func newInstaller(cfg *config.Config, dev *device.State, tel *telemetry.Telemetry) *standalone.Installer {
	opts := []standalone.Option{standalone.WithTelemetry(tel)}
	if cfg.WebhookURL != "" {
		opts = append(opts, standalone.WithNotifier(notifier.NewWebhookNotifier(cfg.WebhookURL)))
	}

	return standalone.NewInstaller(updatemodule.Config{
		ModulesPath:     cfg.ModulesPath,
		ModulesWorkPath: cfg.ModulesWorkPath,
		Timeout:         cfg.ModuleTimeout(),
	}, dev, opts...)
}

func runInstall(ctx context.Context, cfg *config.Config, dev *device.State, tel *telemetry.Telemetry, args []string) error {
	fs := pflag.NewFlagSet("install", pflag.ContinueOnError)
	headerPath := fs.String("header", "", "JSON file with the artifact header")
	payloadTar := fs.String("payload-tar", "", "uncompressed tar archive holding the payload files")
	payloadFiles := fs.StringArray("payload", nil, "payload file, repeat for several files in order")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *headerPath == "" {
		return errors.New("--header is required")
	}

	if (*payloadTar == "") == (len(*payloadFiles) == 0) {
		return errors.New("exactly one of --payload-tar or --payload is required")
	}

	header, err := artifact.LoadView(*headerPath)
	if err != nil {
		return err
	}

	var payload artifact.Payload

	if *payloadTar != "" {
		f, err := os.Open(*payloadTar)
		if err != nil {
			return fmt.Errorf("failed to open payload archive: %w", err)
		}
		defer f.Close()

		payload = artifact.NewTarPayload(f)
	} else {
		files := artifact.NewFilesPayload(*payloadFiles...)
		defer files.Close()

		payload = files
	}

	result, err := newInstaller(cfg, dev, tel).Install(ctx, header, payload)
	if err != nil {
		return err
	}

	if result.RebootRequired {
		fmt.Printf("Installed %s, a reboot is required (%s). Run commit or rollback after rebooting.\n",
			header.ArtifactName, result.Reboot)

		return nil
	}

	fmt.Printf("Installed and committed %s.\n", header.ArtifactName)

	return nil
}

func showProvides(w io.Writer, dev *device.State) error {
	deviceType, err := dev.DeviceType()
	if err != nil && !errors.Is(err, device.ErrNotFound) {
		return err
	}

	provides, err := dev.LoadProvides()
	if err != nil {
		return err
	}

	if deviceType != "" {
		fmt.Fprintf(w, "device_type=%s\n", deviceType)
	}

	for _, key := range sortedKeys(provides) {
		fmt.Fprintf(w, "%s=%s\n", key, provides[key])
	}

	return nil
}

func showModules(w io.Writer, modulesPath string) error {
	modules, err := updatemodule.DiscoverUpdateModules(modulesPath)
	if err != nil {
		return err
	}

	for _, m := range modules {
		fmt.Fprintln(w, m)
	}

	return nil
}

func runDaemon(ctx context.Context, cfg *config.Config, dev *device.State, tel *telemetry.Telemetry) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cfg, dev, tel)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// =========================================================================
	// Start Cleanup
	setupCleanup(ctx, cfg, tel)

	logger.Info("update agent ready",
		"modules_path", cfg.ModulesPath,
		"work_path", cfg.ModulesWorkPath,
		"db_path", cfg.DBPath,
		"cleanup_interval", cfg.CleanupInterval.String(),
		"retention", cfg.KeepStaleTreesFor.String(),
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, dev *device.State, tel *telemetry.Telemetry) *http.Server {
	status := rest.NewStatusHandler(dev, cfg.ModulesPath)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", status.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, cfg.Telemetry.ServiceName),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func setupCleanup(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		cleanupTicker := time.NewTicker(cfg.CleanupInterval)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down.")

				return
			case <-cleanupTicker.C:
				if _, err := cleanup.DeleteStaleFileTrees(ctx, cfg.ModulesWorkPath, cfg.KeepStaleTreesFor); err != nil {
					logger.Error("failed to delete stale file trees", "err", err)
					tel.RecordSystemError("cleanup", "delete_stale_trees")
				}
			}
		}
	}()
}

func sortedKeys(m map[string]string) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)

	return keys
}
