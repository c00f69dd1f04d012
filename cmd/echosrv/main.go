// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Command echosrv is a demonstration TCP echo server driven by
// github.com/intuitivelabs/reactor. It carries no design weight of its
// own: it exists to exercise the reactor's fd and timer APIs the way a
// host program would.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/intuitivelabs/reactor"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().Msg("echosrv: starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("echosrv: could not load .env, proceeding with existing environment")
	}

	cfg, err := loadConfig("config.yaml")
	if err != nil {
		log.Fatal().Err(err).Msg("echosrv: failed to load config")
	}

	ev, err := reactor.NewReactor(clockwork.NewRealClock())
	if err != nil {
		log.Fatal().Err(err).Msg("echosrv: failed to construct reactor")
	}
	defer ev.Close()

	srv := newEchoServer(ev, cfg)
	if err := srv.start(); err != nil {
		log.Fatal().Err(err).Msg("echosrv: failed to start listener")
	}
	defer srv.stop()

	heartbeatID := ev.AddTimer(cfg.HeartbeatIntervalMs, func(id int) {
		log.Info().
			Int("timer_id", id).
			Int("connections", srv.connectionCount()).
			Int("fd_count", ev.FdCount()).
			Int("timer_count", ev.TimerCount()).
			Msg("echosrv: heartbeat")
	}, true)
	defer ev.RemoveTimer(heartbeatID)

	go func() {
		<-ctx.Done()
		log.Info().Msg("echosrv: shutdown signal received")
		ev.Stop()
	}()

	if err := ev.Run(cfg.DefaultPollTimeoutMs); err != nil {
		log.Error().Err(err).Msg("echosrv: reactor exited with error")
		os.Exit(1)
	}

	log.Info().Msg("echosrv: stopped")
}
