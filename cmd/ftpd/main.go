// Command ftpd runs the file-transfer server.
//
// Exit codes: 0 on clean shutdown, 1 on initialisation failure (bind,
// config, store), 2 on fatal runtime error.
package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/gonzalop/ftpd/internal/acl"
	"github.com/gonzalop/ftpd/internal/config"
	"github.com/gonzalop/ftpd/internal/metrics"
	"github.com/gonzalop/ftpd/internal/store"
	"github.com/gonzalop/ftpd/server"
)

const (
	exitOkay        = 0
	exitInitFailure = 1
	exitRuntime     = 2
)

func main() {
	var configPath string
	var debug bool

	root := &cobra.Command{
		Use:   "ftpd",
		Short: "Multi-user file-transfer server",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(run(configPath, debug))
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	root.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInitFailure)
	}
}

func run(configPath string, debug bool) int {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			logger.Error("failed to load config", "path", configPath, "error", err)
			return exitInitFailure
		}
		cfg = loaded
	}
	handle := config.NewHandle(cfg)

	db, err := store.Open(cfg.StorePath)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.StorePath, "error", err)
		return exitInitFailure
	}
	defer db.Close()

	users := acl.NewUserCache(store.NewProxy(db, "users"))
	if err := users.Initialize(); err != nil {
		logger.Error("failed to initialise user cache", "error", err)
		return exitInitFailure
	}
	groups := acl.NewGroupCache(store.NewProxy(db, "groups"))
	if err := groups.Initialize(); err != nil {
		logger.Error("failed to initialise group cache", "error", err)
		return exitInitFailure
	}

	options := []server.Option{
		server.WithLogger(logger),
		server.WithConfigPath(configPath),
	}

	if cfg.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			logger.Error("failed to load TLS keypair", "error", err)
			return exitInitFailure
		}
		options = append(options, server.WithTLS(&tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}))
	}

	if cfg.MetricsAddr != "" {
		collector := metrics.New(prometheus.DefaultRegisterer)
		options = append(options, server.WithMetricsCollector(collector))
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error("metrics listener failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
	}

	if cfg.XferLog != "" {
		f, err := os.OpenFile(cfg.XferLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			logger.Error("failed to open xferlog", "path", cfg.XferLog, "error", err)
			return exitInitFailure
		}
		defer f.Close()
		options = append(options, server.WithTransferLog(f))
	}

	srv, err := server.NewServer(handle, users, groups,
		store.NewStats(db), store.NewOwners(db), options...)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		return exitInitFailure
	}

	if err := srv.Listen(); err != nil {
		logger.Error("failed to bind listeners", "error", err)
		return exitInitFailure
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", "signal", sig.String())
		srv.SetShutdown()
	}()

	if err := srv.Serve(); err != nil && !errors.Is(err, server.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		return exitRuntime
	}
	return exitOkay
}
