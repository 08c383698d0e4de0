// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command matrix-discord-bridge bridges Discord guild channels to Matrix
// rooms. It runs as a Matrix application service and a Discord bot.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/aiku/matrix-discord-bridge/pkg/config"
	"github.com/aiku/matrix-discord-bridge/pkg/connector"
	"github.com/aiku/matrix-discord-bridge/pkg/discord"
	"github.com/aiku/matrix-discord-bridge/pkg/matrix"
	"github.com/aiku/matrix-discord-bridge/pkg/media"
	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const shutdownTimeout = 30 * time.Second

var (
	configPath       = flag.StringP("config", "c", "config.yaml", "Path to the config file")
	registrationPath = flag.StringP("registration", "r", "registration.yaml", "Path to the appservice registration file")
	generate         = flag.BoolP("generate-registration", "g", false, "Generate a registration file and exit")
	version          = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()
	if *version {
		fmt.Printf("matrix-discord-bridge %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		return
	}

	cfg, err := config.Load(*configPath)
	if errors.Is(err, config.ErrConfigCreated) {
		fmt.Fprintf(os.Stderr, "Wrote %s: %v\n", *configPath, err)
		os.Exit(1)
	} else if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if *generate {
		reg := matrix.GenerateRegistration(cfg)
		if err = reg.Save(*registrationPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to save registration: %v\n", err)
			os.Exit(2)
		}
		fmt.Printf("Registration written to %s, add it to your homeserver config\n", *registrationPath)
		return
	}

	log, err := cfg.Logging.Compile()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logging: %v\n", err)
		os.Exit(2)
	}
	if err = run(cfg, *log); err != nil {
		log.Fatal().Err(err).Msg("Bridge stopped with error")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Starting matrix-discord-bridge")

	reg, err := matrix.LoadRegistration(*registrationPath, cfg)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Err(err).Msg("Failed to close database")
		}
	}()

	mx, err := matrix.New(cfg, reg, log)
	if err != nil {
		return err
	}
	dc, err := discord.New(cfg.Discord.Token, log)
	if err != nil {
		return err
	}
	conn, err := connector.NewDiscordConnector(&cfg.Bridge, st, mx, dc, media.NewHTTPFetcher(),
		log.With().Str("component", "bridge").Logger())
	if err != nil {
		return err
	}
	mx.SetQueryHandler(conn)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = conn.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}
	go mx.AS.Start()
	go mx.Listen(ctx, conn)
	dc.AddHandlers(ctx, conn)
	if err = dc.Open(); err != nil {
		mx.AS.Stop()
		return err
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	if err := dc.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close Discord session")
	}
	mx.AS.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return conn.Stop(shutdownCtx)
}
