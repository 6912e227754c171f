// SPDX-License-Identifier: MIT

// Command courierd runs the messaging session orchestrator: one
// stateful connection per paired device, driven remotely over broker
// RPC, with an HTTP surface for health and metrics only.
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

	"github.com/rs/zerolog"

	"github.com/loopchat/courier/internal/api"
	"github.com/loopchat/courier/internal/authstore"
	"github.com/loopchat/courier/internal/broker"
	"github.com/loopchat/courier/internal/config"
	"github.com/loopchat/courier/internal/health"
	clog "github.com/loopchat/courier/internal/log"
	"github.com/loopchat/courier/internal/orchestrator"
	"github.com/loopchat/courier/internal/pairing"
	"github.com/loopchat/courier/internal/protocol"
	"github.com/loopchat/courier/internal/reconnect"
	"github.com/loopchat/courier/internal/rpc"
	"github.com/loopchat/courier/internal/session"
)

var (
	version   = "v1.3.0"
	commit    = "none"
	buildDate = "unknown"
)

// eventQueue receives fire-and-forget envelopes for inbound chat
// messages. Collaborators consume it; no reply is ever requested.
const eventQueue = "courier.events"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Safe defaults until configuration is loaded.
	clog.Configure(clog.Config{Level: "info", Service: "courier", Version: version})
	logger := clog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.invalid").
			Msg("invalid configuration")
	}
	clog.Reconfigure(clog.Config{Level: cfg.LogLevel, Service: cfg.LogService, Version: version})

	// Credential store. A missing Redis degrades to in-memory storage:
	// devices then need a fresh pairing after a restart, but the
	// orchestrator stays available.
	var creds authstore.Store
	var credsPing func(context.Context) error
	redisStore, err := authstore.NewRedisStore(authstore.RedisConfig{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		KeyPrefix: cfg.RedisKeyPrefix,
	}, clog.WithComponent("authstore"))
	if err != nil {
		logger.Warn().
			Err(err).
			Str("event", "authstore.unavailable").
			Msg("credential store unreachable, using in-memory storage")
		creds = authstore.NewMemoryStore()
	} else {
		creds = redisStore
		credsPing = redisStore.Ping
		defer redisStore.Close()
	}

	transport := dialBroker(ctx, cfg, logger)
	if transport == nil {
		return // interrupted before the broker came up
	}
	defer transport.Close()

	forwarder := orchestrator.NewForwarder(transport, eventQueue)
	defer forwarder.Close()

	registry := session.NewRegistry()
	scheduler := reconnect.NewScheduler()
	sessions := session.NewManager(session.Config{
		Registry:    registry,
		Dialer:      newDialer(cfg, logger),
		Pairing:     pairing.NewManager(cfg.PairingTTL),
		Policy:      reconnect.Policy{Delay: cfg.ReconnectDelay, MaxAttempts: cfg.MaxReconnects},
		Scheduler:   scheduler,
		Credentials: creds,
		DialTimeout: cfg.DialTimeout,
	}, session.WithMessageHandler(forwarder.Handle))

	facade := orchestrator.New(sessions, transport)

	rpcServer := rpc.NewServer(transport, cfg.RequestQueue, cfg.RPCDefaultTimeout)
	facade.BindRPC(rpcServer)
	if err := rpcServer.Start(); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "rpc.start_failed").
			Msg("failed to start RPC server")
	}

	healthMgr := health.NewManager(version)
	healthMgr.RegisterChecker(health.NewBrokerChecker(facade))
	healthMgr.RegisterChecker(health.NewSessionsChecker(facade))
	if credsPing != nil {
		healthMgr.RegisterChecker(health.NewPingChecker("authstore", credsPing))
	}

	httpServer := api.NewServer(cfg.HTTPAddr, api.NewRouter(healthMgr))
	go func() {
		logger.Info().
			Str("event", "api.listening").
			Str("addr", cfg.HTTPAddr).
			Msg("operational HTTP listener started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().
				Err(err).
				Str("event", "api.serve_failed").
				Msg("HTTP listener failed")
			stop()
		}
	}()

	logger.Info().
		Str("event", "daemon.started").
		Str("request_queue", cfg.RequestQueue).
		Msg("courier orchestrator running")

	<-ctx.Done()
	logger.Info().
		Str("event", "daemon.stopping").
		Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Str("event", "api.shutdown_failed").Msg("HTTP shutdown failed")
	}
	if err := sessions.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Str("event", "session.drain_failed").Msg("session drain incomplete")
	}
	logger.Info().Str("event", "daemon.stopped").Msg("shutdown complete")
}

// dialBroker retries the initial broker connection on the configured
// interval until it succeeds or the daemon is interrupted. Returns nil
// when interrupted.
func dialBroker(ctx context.Context, cfg config.Config, logger zerolog.Logger) *broker.AMQPTransport {
	for {
		transport, err := broker.DialAMQP(broker.AMQPConfig{
			URL:         cfg.BrokerURL,
			RedialDelay: cfg.BrokerRedialDelay,
			Prefetch:    cfg.RPCPrefetch,
		})
		if err == nil {
			return transport
		}
		logger.Warn().
			Err(err).
			Dur("retry_in", cfg.BrokerRedialDelay).
			Str("event", "broker.initial_dial_failed").
			Msg("broker unreachable, retrying")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.BrokerRedialDelay):
		}
	}
}

// newDialer resolves the configured protocol driver.
func newDialer(cfg config.Config, logger zerolog.Logger) protocol.Dialer {
	dialer, err := protocol.Open(cfg.ProtocolDriver)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "protocol.driver_missing").
			Msg("protocol driver not registered")
	}
	logger.Info().
		Str("event", "protocol.driver_selected").
		Str("driver", cfg.ProtocolDriver).
		Msg("protocol driver ready")
	return dialer
}
