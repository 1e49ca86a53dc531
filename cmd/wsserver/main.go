package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/recurshawn/secret-chat-app/internal/broadcast"
	"github.com/recurshawn/secret-chat-app/internal/config"
	"github.com/recurshawn/secret-chat-app/internal/ledger"
	"github.com/recurshawn/secret-chat-app/internal/messaging"
	"github.com/recurshawn/secret-chat-app/internal/presence"
	"github.com/recurshawn/secret-chat-app/internal/room"
	"github.com/recurshawn/secret-chat-app/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := setupLogger(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func setupLogger(level, format string) error {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	var out io.Writer = os.Stdout
	if format != "json" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger().Level(parsed)
	return nil
}

func run(ctx context.Context, cfg *config.Config) error {
	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Int("worker_pool", cfg.WorkerPoolSize).
		Int("max_connections", cfg.MaxConnections).
		Str("server_name", cfg.ServerName).
		Bool("nats", cfg.NATSURL != "").
		Bool("redis", cfg.RedisAddr != "").
		Bool("postgres", cfg.DatabaseURL != "").
		Msg("secret chat server starting")

	rooms := room.NewRegistry()
	var relay messaging.Relay = messaging.NewLocalRelay(rooms)

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Name = "secret-chat-" + cfg.ServerName

		var err error
		natsClient, err = messaging.NewNATSClient(natsCfg)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer natsClient.Close()

		natsRelay := messaging.NewNATSRelay(natsClient, rooms)
		rooms.SetObserver(natsRelay)
		relay = natsRelay
	}

	svc := broadcast.NewService(rooms, relay)

	// --- Redis ---
	if cfg.RedisAddr != "" {
		presenceStore, err := presence.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			return fmt.Errorf("connect to Redis: %w", err)
		}
		defer presenceStore.Close()
		svc.SetPresence(presenceStore)
	}

	// --- Postgres ---
	if cfg.DatabaseURL != "" {
		log.Info().Msg("running database migrations")
		if err := ledger.Migrate(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		ledgerStore, err := ledger.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to Postgres: %w", err)
		}
		defer ledgerStore.Close()
		svc.SetLedger(ledgerStore)
	}

	dispatcher := ws.NewMessageDispatcher()
	svc.Register(dispatcher)

	server, err := ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxFrameBytes:  cfg.MaxFrameBytes,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
		},
	}, dispatcher.Dispatch)
	if err != nil {
		return err
	}
	server.SetOnConnect(svc.HandleConnect)
	server.SetOnDisconnect(svc.HandleDisconnect)
	server.SetOnHeartbeat(svc.HandleHeartbeat)
	svc.Routes(server.Router())

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	if natsClient != nil {
		if err := natsClient.Flush(); err != nil {
			log.Debug().Err(err).Msg("nats flush")
		}
	}
	return nil
}
