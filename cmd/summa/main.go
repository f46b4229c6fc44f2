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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/summa-search/summa/internal/config"
	"github.com/summa-search/summa/internal/metrics"
	"github.com/summa-search/summa/internal/server"
)

// Version is set at build time via -ldflags.
var Version = "dev"

const shutdownGracePeriod = 30 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "generate-config":
		os.Exit(runGenerateConfig(os.Args[2:]))
	case "serve":
		os.Exit(runServe(os.Args[2:]))
	case "version":
		fmt.Println(Version)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `summa %s

Usage:
  summa generate-config [flags]   write a default config to stdout
  summa serve <CONFIG>            load a config and run the server
`, Version)
}

func runGenerateConfig(args []string) int {
	flags := pflag.NewFlagSet("generate-config", pflag.ContinueOnError)
	dataPath := flags.String("data-path", "data", "index data directory")
	httpAddr := flags.String("http-addr", "127.0.0.1:8082", "API endpoint")
	metricsAddr := flags.String("metrics-addr", "127.0.0.1:8084", "metrics endpoint")
	logLevel := flags.String("log-level", "info", "log level")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	cfg := config.Default()
	cfg.DataPath = *dataPath
	cfg.HTTPAddr = *httpAddr
	cfg.MetricsAddr = *metricsAddr
	cfg.LogLevel = *logLevel

	rendered, err := cfg.Marshal()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to render config: %v\n", err)
		return 1
	}
	os.Stdout.Write(rendered)
	return 0
}

func runServe(args []string) int {
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "serve requires exactly one CONFIG argument")
		return 2
	}

	cfg, err := config.Load(flags.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("starting summa",
		zap.String("version", Version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("metrics_addr", cfg.MetricsAddr),
		zap.String("data_path", cfg.DataPath))

	promRegistry := prometheus.NewRegistry()
	metrics.Register(promRegistry)
	promRegistry.MustRegister(collectors.NewGoCollector())

	service, err := server.NewService(cfg, logger)
	if err != nil {
		logger.Error("failed to initialise service", zap.Error(err))
		return 1
	}

	mux := http.NewServeMux()
	server.NewHandler(service, logger).RegisterRoutes(mux)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","version":%q}`, Version)
	})

	apiServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	errs := make(chan error, 2)
	go func() {
		if err := apiServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()
	go func() {
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signals:
		logger.Info("received signal", zap.String("signal", sig.String()))
	case err := <-errs:
		logger.Error("server failed", zap.Error(err))
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		logger.Warn("api shutdown incomplete", zap.Error(err))
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Warn("metrics shutdown incomplete", zap.Error(err))
	}
	if err := service.Stop(ctx); err != nil {
		logger.Error("service stop failed", zap.Error(err))
		return 1
	}
	logger.Info("stopped")
	return 0
}

func buildLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	return cfg.Build()
}
