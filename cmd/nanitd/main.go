// Command nanitd polls the Nanit cloud API for baby monitor state and
// exposes it over an HTTP API, a WebSocket event feed, and Home Assistant
// MQTT discovery.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trymwestin/nanitd/internal/config"
	"github.com/trymwestin/nanitd/internal/core/auth"
	"github.com/trymwestin/nanitd/internal/core/poll"
	"github.com/trymwestin/nanitd/internal/core/state"
	"github.com/trymwestin/nanitd/internal/httpapi"
	"github.com/trymwestin/nanitd/internal/mqtt"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := buildLogger(cfg.Log)

	if err := run(cfg, log); err != nil {
		log.Error("nanitd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiClient := auth.NewClient(cfg.Nanit.APIBase, nil, log.With("component", "api"))
	sessionStore := auth.NewFileStore(cfg.Session.Path)
	tokenMgr := auth.NewTokenManager(apiClient, sessionStore, log.With("component", "auth"))

	restored, err := tokenMgr.Restore()
	if err != nil {
		log.Warn("could not restore session, starting unauthenticated", "error", err)
	}
	if !restored {
		log.Info("no persisted session, log in via POST /api/login")
	}

	bus := state.NewEventBus(log.With("component", "bus"))
	store := state.NewSnapshotStore(bus, log.With("component", "store"))

	coord := poll.NewCoordinator(
		apiClient,
		tokenMgr,
		store,
		bus,
		cfg.Nanit.PollInterval(),
		cfg.Nanit.CycleTimeout(),
		log.With("component", "poll"),
	)

	var publisher mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewHAPublisher(mqtt.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			DeviceID:    cfg.MQTT.DeviceID,
		}, store, bus, coord, log.With("component", "mqtt"))
	} else {
		publisher = mqtt.NewStubPublisher(log.With("component", "mqtt"))
	}

	apiServer := httpapi.NewServer(
		coord,
		tokenMgr,
		apiClient,
		store,
		bus,
		cfg.HTTP.UIDir,
		cfg.HTTP.CORSAll,
		log.With("component", "http"),
	)

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := publisher.Start(ctx); err != nil {
		return fmt.Errorf("start mqtt publisher: %w", err)
	}

	if restored {
		if err := coord.Start(ctx); err != nil {
			return fmt.Errorf("start coordinator: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := coord.Stop(shutdownCtx); err != nil {
			log.Warn("coordinator stop failed", "error", err)
		}
		if err := publisher.Stop(shutdownCtx); err != nil {
			log.Warn("mqtt publisher stop failed", "error", err)
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func buildLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
