// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// The mucd command is a standalone multi-user chat service that attaches to
// an XMPP server over the component protocol (XEP-0114).
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mellium.im/xmpp/component"
	"mellium.im/xmpp/jid"

	"mellium.im/mucd/host"
	"mellium.im/mucd/room"
	"mellium.im/mucd/roomdb"
	"mellium.im/mucd/roomdb/sqldb"
	"mellium.im/mucd/selfping"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration failed")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	addr, err := jid.Parse(cfg.ComponentJID)
	if err != nil {
		log.Fatal().Err(err).Str("jid", cfg.ComponentJID).Msg("invalid component JID")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		affiliations roomdb.AffiliationStore
		archive      roomdb.Archive
	)
	if cfg.DBPath != "" {
		store, err := sqldb.Open(cfg.DBPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("opening database failed")
		}
		affiliations, archive = store, store
		log.Info().Str("path", cfg.DBPath).Msg("using sqlite storage")
	} else {
		mem := &roomdb.Memory{}
		affiliations, archive = mem, mem
		log.Warn().Msg("no db_path configured; state will not survive restarts")
	}

	conn, err := net.Dial("tcp", cfg.ServerAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.ServerAddr).Msg("connecting to server failed")
	}

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	session, err := component.NewSession(dialCtx, addr, []byte(cfg.Secret), conn)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("component handshake failed")
	}
	log.Info().Str("jid", addr.String()).Msg("component session established")

	registry := room.NewRegistry(room.Env{
		Send:    session,
		DB:      affiliations,
		Archive: archive,
		Logger:  log.Logger,
	}, room.Config{
		Name:         cfg.RoomName,
		Moderated:    cfg.Moderated,
		Persistent:   cfg.Persistent,
		MaxOccupants: cfg.MaxOccupants,
	})
	pings := selfping.New(selfping.Config{
		Send:          session,
		Evict:         registry,
		SweepInterval: cfg.SweepInterval,
		MaxAge:        cfg.ProbeMaxAge,
		Logger:        log.Logger,
	})
	server := host.New(registry, pings, log.Logger)

	go func() {
		if err := pings.Serve(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("liveness sweeper stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		registry.Shutdown(context.Background())
		if err := session.Close(); err != nil {
			log.Error().Err(err).Msg("closing session failed")
		}
	}()

	if err := session.Serve(server); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("serving stanzas failed")
	}
}
