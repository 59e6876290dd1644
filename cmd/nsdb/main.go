package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/nsdb-io/nsdb/pkg/config"
	"github.com/nsdb-io/nsdb/pkg/engine"
	"github.com/nsdb-io/nsdb/pkg/server"
)

// Exit codes.
const (
	exitOK       = 0
	exitConfig   = 1
	exitStartup  = 2
	exitInternal = 64
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 30 * time.Second
	shutdownTimeout    = 30 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return exitConfig
	}

	if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
		log.Error().Err(err).Str("base_path", cfg.BasePath).Msg("cannot create data directory")
		return exitStartup
	}

	e := engine.New(cfg, clock.New(), log)
	if err := e.Start(); err != nil {
		var ioErr *engine.IndexIOError
		if errors.As(err, &ioErr) {
			log.Error().Err(err).Msg("startup I/O failure")
			return exitStartup
		}
		log.Error().Err(err).Msg("engine failed to start")
		return exitInternal
	}

	srv := server.New(e, cfg.QueryTimeout.Std(), log)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      srv.Router(),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.HTTPPort).Msg("http listening")
		serveErr <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serveErr:
		log.Error().Err(err).Msg("http server failed")
		_ = e.Shutdown()
		return exitInternal
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if err := e.Shutdown(); err != nil {
		log.Error().Err(err).Msg("engine shutdown failed")
		return exitInternal
	}
	return exitOK
}
