// Package main provides the relay server binary that accepts game
// clients over TCP, UDP, and QUIC and relays room traffic between them.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/driftworks/relay/internal/accounts"
	"github.com/driftworks/relay/internal/analytics"
	"github.com/driftworks/relay/internal/config"
	"github.com/driftworks/relay/internal/levels"
	"github.com/driftworks/relay/internal/moderation"
	"github.com/driftworks/relay/internal/observability"
	"github.com/driftworks/relay/internal/protocol"
	"github.com/driftworks/relay/internal/relay"
	"github.com/driftworks/relay/internal/room"
	"github.com/driftworks/relay/internal/server"
	"github.com/driftworks/relay/internal/session"
	"github.com/driftworks/relay/internal/trace"
	"github.com/driftworks/relay/internal/transport"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting relay server",
		zap.String("name", cfg.Server.Name),
		zap.Int("max_connections", cfg.Server.MaxConnections),
	)

	// Connect to PostgreSQL for credential verification
	dbStart := time.Now()
	pool, err := accounts.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Duration("elapsed", time.Since(dbStart)),
	)
	verifier := accounts.NewRepository(pool.DB())

	// Level metadata store, optional
	var resolver relay.LevelResolver
	if cfg.Levels.StorePath != "" {
		store, err := levels.Open(cfg.Levels.StorePath)
		if err != nil {
			logger.Fatal("opening level store", zap.Error(err))
		}
		logger.Info("level store loaded",
			zap.String("path", cfg.Levels.StorePath),
			zap.Int("levels", store.Len()),
		)
		resolver = store
	}

	// Chat word filter, optional
	var filter moderation.Filter = moderation.AllowAll{}
	if cfg.Moderation.WordListPath != "" {
		wf, err := moderation.NewWordFilter(cfg.Moderation.WordListPath, logger)
		if err != nil {
			logger.Fatal("loading word filter", zap.Error(err))
		}
		filter = wf
	}

	// Analytics export, optional
	var sink analytics.Sink = analytics.NoopSink{}
	if cfg.Analytics.Enabled {
		chSink, err := analytics.NewClickHouseSink(cfg.Analytics)
		if err != nil {
			logger.Fatal("connecting to analytics store", zap.Error(err))
		}
		sink = chSink
	}
	dispatcher := analytics.NewDispatcher(cfg.Analytics, sink, logger)

	rooms := room.NewManager(cfg.Room, logger)
	engine := relay.NewEngine(rooms, resolver, filter, dispatcher, logger)

	codec := protocol.NewCodec(cfg.Protocol.MaxPacketSize)
	recorder := trace.NewRecorder(cfg.Trace, logger)
	sessions := session.NewManager(cfg.Session, cfg.Rate, codec, verifier, engine, recorder, logger)

	gate := transport.NewGate(cfg.Server.MaxConnections)

	// Wire lifecycle. Services stop in reverse order: listeners stop
	// accepting first, live sessions close next, analytics flushes the
	// resulting disconnect events, the pool closes last.
	lifecycle := server.NewLifecycle(logger)
	lifecycle.OnOperatorSignal(recorder.DumpAsync)

	lifecycle.Add("postgres", &server.FuncService{
		StartFn: func() error {
			for {
				time.Sleep(30 * time.Second)
				if err := pool.Health(ctx, 5*time.Second); err != nil {
					logger.Warn("database health check failed", zap.Error(err))
				}
			}
		},
		StopFn: func() {
			pool.Close()
		},
	})

	lifecycle.Add("analytics", &server.FuncService{
		StartFn: func() error { return nil },
		StopFn: func() {
			if err := dispatcher.Close(); err != nil {
				logger.Warn("closing analytics dispatcher", zap.Error(err))
			}
		},
	})

	lifecycle.Add("sessions", &server.FuncService{
		StartFn: func() error { return nil },
		StopFn:  func() { sessions.CloseAll(protocol.CloseServerShutdown) },
	})

	if cfg.Transport.TCP.Enabled {
		tcp := transport.NewTCPAcceptor(cfg.Transport.TCP, codec, gate, sessions, logger)
		lifecycle.Add("tcp-acceptor", &server.FuncService{
			StartFn: tcp.ListenAndServe,
			StopFn:  tcp.Stop,
		})
	}
	if cfg.Transport.UDP.Enabled {
		udp := transport.NewUDPListener(cfg.Transport.UDP, codec, gate, sessions, logger)
		lifecycle.Add("udp-listener", &server.FuncService{
			StartFn: udp.ListenAndServe,
			StopFn:  udp.Stop,
		})
	}
	if cfg.Transport.QUIC.Enabled {
		quic := transport.NewQUICAcceptor(cfg.Transport.QUIC, codec, gate, sessions, logger)
		lifecycle.Add("quic-acceptor", &server.FuncService{
			StartFn: quic.ListenAndServe,
			StopFn:  quic.Stop,
		})
	}

	logger.Info("relay server initialized",
		zap.Duration("elapsed", time.Since(start)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("lifecycle error", zap.Error(err))
	}
}
