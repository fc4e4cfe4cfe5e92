package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "go.uber.org/automaxprocs"

	"chatgate/internal/auth"
	"chatgate/internal/cleanup"
	"chatgate/internal/directory"
	"chatgate/internal/gateway"
	"chatgate/internal/limits"
	"chatgate/internal/monitoring"
	"chatgate/internal/notify"
	"chatgate/internal/pipeline"
	"chatgate/internal/protocol"
	"chatgate/internal/registry"
	"chatgate/internal/relay"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	// Origin identifies this process in relayed envelopes.
	origin := uuid.NewString()

	conns := registry.NewConnections(logger)
	rooms := registry.NewRooms(cfg.ReservedRoomPrefix, logger)

	pool := notify.NewPool(cfg.NotifyWorkers, cfg.NotifyQueueSize, logger)
	dispatcher := notify.NewDispatcher(origin, conns, rooms, pool, logger)

	// Presence transitions fan out to every connection except the user's
	// own. Mirrored so sibling processes announce them too.
	conns.OnPresence(
		func(userID string) {
			dispatcher.EmitToAll(protocol.EventUserOnline, protocol.PresenceEvent{UserID: userID}, userID, true)
		},
		func(userID string) {
			dispatcher.EmitToAll(protocol.EventUserOffline, protocol.PresenceEvent{UserID: userID}, userID, true)
		},
	)

	verifier := auth.NewJWTVerifier(cfg.AuthJWTSecret, cfg.AuthJWTIssuer)

	var dir directory.Directory
	var mongoDir *directory.Mongo
	if cfg.MongoURI != "" {
		mongoDir, err = directory.NewMongo(context.Background(), directory.MongoConfig{
			URI:        cfg.MongoURI,
			Database:   cfg.MongoDatabase,
			Collection: cfg.MongoUserCollection,
			Timeout:    cfg.DirectoryTimeout,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to user directory")
		}
		dir = mongoDir
	} else {
		logger.Warn().Msg("No MONGO_URI set, using in-memory user directory")
		dir = directory.NewMemory()
	}

	var natsRelay *relay.NATS
	if cfg.NATSURL != "" {
		natsRelay, err = relay.Connect(relay.Config{
			URL:     cfg.NATSURL,
			Subject: cfg.NATSSubject,
		}, dispatcher, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to broadcast relay")
		}
		dispatcher.SetMirror(natsRelay)
	}

	guard := limits.NewHandshakeGuard(limits.HandshakeGuardConfig{
		IPBurst:     cfg.HandshakeIPBurst,
		IPRate:      cfg.HandshakeIPRate,
		GlobalBurst: cfg.HandshakeGlobalBurst,
		GlobalRate:  cfg.HandshakeGlobalRate,
	}, logger)

	eventLimiter := limits.NewFixedWindow(cfg.EventRateLimit, cfg.EventRateWindow)
	messageLimiter := limits.NewFixedWindow(cfg.MessageRateLimit, cfg.MessageRateWindow)

	authMode := pipeline.AuthOptional
	if cfg.AuthMode == "strict" {
		authMode = pipeline.AuthStrict
	}

	server := gateway.NewServer(gateway.Config{
		Addr:             cfg.Addr,
		MaxConnections:   cfg.MaxConnections,
		SendBufferSize:   cfg.SendBufferSize,
		AuthMode:         authMode,
		DirectoryTimeout: cfg.DirectoryTimeout,
	}, gateway.Deps{
		Logger:         logger,
		Conns:          conns,
		Rooms:          rooms,
		Dispatcher:     dispatcher,
		Verifier:       verifier,
		Directory:      dir,
		Guard:          guard,
		EventLimiter:   eventLimiter,
		MessageLimiter: messageLimiter,
	})

	scheduler := cleanup.NewScheduler(
		cfg.CleanupInterval,
		cfg.RoomTTL,
		conns,
		rooms,
		server.LiveConnIDs,
		[]*limits.FixedWindow{eventLimiter, messageLimiter},
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	go scheduler.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("Gateway stopped unexpectedly")
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}

	guard.Stop()
	pool.Close()
	if natsRelay != nil {
		natsRelay.Close()
	}
	if mongoDir != nil {
		if err := mongoDir.Close(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Error closing user directory")
		}
	}

	logger.Info().Msg("Shutdown complete")
}
