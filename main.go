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

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"audio-relay/work/broker"
	"audio-relay/work/config"
	"audio-relay/work/logger"
)

var (
	Version = "v0.1.0" // default version
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := pflag.StringP("config", "c", config.DefaultConfigPath, "path to the JSON config file")
	listen := pflag.StringP("listen", "l", "", "override the stream/control listen address")
	admin := pflag.String("admin", "", "override the admin HTTP address (empty keeps the config value)")
	logLevel := pflag.String("log-level", "", "override the log level: DEBUG, INFO, WARN or ERROR")
	examplePath := pflag.String("write-example-config", "", "write an example config to this path and exit")
	showVersion := pflag.BoolP("version", "v", false, "print the version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return 0
	}

	if *examplePath != "" {
		if err := config.CreateExampleConfig(*examplePath); err != nil {
			logger.Error("Failed to write example config: %v", err)
			return 1
		}
		logger.Info("Example config written to %s", *examplePath)
		return 0
	}

	// work on a copy so flag overrides do not leak into the config cache
	cfg := *config.LoadConfig(*configPath)
	if *listen != "" {
		cfg.ListenAddress = *listen
	}
	if *admin != "" {
		cfg.AdminAddress = *admin
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger.SetLogLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := broker.New(&cfg, broker.Options{})
	if err != nil {
		logger.Error("Failed to create broker: %v", err)
		return 1
	}
	if err := b.Listen(cfg.ListenAddress); err != nil {
		logger.Error("Failed to start: %v", err)
		return 1
	}

	logger.Info("Starting Audio Relay %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Listen Address: %s", b.Addr())
	logger.Info("  - Admin Address: %s", orDisabled(cfg.AdminAddress))
	logger.Info("  - Codec: %s", cfg.Codec)
	logger.Info("  - Classify Timeout: %s", cfg.ClassifyTimeout)
	logger.Info("  - Notify Timeout: %s", cfg.NotifyTimeout)
	logger.Info("  - Accept Rate: %s", acceptRateLabel(cfg.AcceptRate))
	logger.Info("  - Handshake Workers: %d", cfg.HandshakeWorkers)
	logger.Info("  - Sink Buffer: %s x %d blocks", cfg.SinkBufferDuration, cfg.SinkQueueBlocks)
	logger.Info("  - Log Level: %s", logger.GetLogLevel())

	var adminServer *http.Server
	if cfg.AdminAddress != "" {
		router := mux.NewRouter()
		router.Handle("/metrics", promhttp.Handler()).Methods("GET")
		setupAdminRoutes(router, b, &cfg)

		adminServer = &http.Server{
			Addr:              cfg.AdminAddress,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Admin server failed: %v", err)
			}
		}()
		go recordEvents(ctx, b.Hub())
	}

	// only the log level is applied live; the rest needs a restart
	go func() {
		err := config.Watch(ctx, *configPath, func(c *config.Config) {
			if *logLevel == "" {
				logger.SetLogLevel(c.LogLevel)
			}
		})
		if err != nil {
			logger.Debug("Config watch disabled: %v", err)
		}
	}()

	if err := b.Run(ctx); err != nil {
		logger.Error("Broker stopped: %v", err)
	}

	if adminServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.Hub().Close()
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Admin server shutdown: %v", err)
		}
	}

	logger.Info("Audio Relay stopped")
	return 0
}

func acceptRateLabel(rate int) string {
	if rate == 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d/s", rate)
}

func orDisabled(addr string) string {
	if addr == "" {
		return "disabled"
	}
	return addr
}
