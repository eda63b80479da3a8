package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfleet/fleetd/internal/config"
	"github.com/openfleet/fleetd/internal/orchestrator"
	"github.com/openfleet/fleetd/internal/version"
)

func main() {
	cfgPath := flag.String("config", "fleetd.toml", "Path to the TOML configuration file")
	httpAddr := flag.String("http", "", "HTTP listen address (overrides config)")
	autoStart := flag.Bool("start", true, "Start all agents in dependency order on boot")
	pretty := flag.Bool("pretty", false, "Human-readable log output")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("fleetd %s (%s)\n", version.Version, version.Commit)
		return
	}

	if *pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Best-effort .env so deployments can inject overrides.
	config.LoadEnvDefault()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *cfgPath).Msg("load config")
	}
	config.ApplyEnvOverrides(cfg)
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	o, err := orchestrator.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init orchestrator")
	}
	o.Run(ctx)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: o.Router()}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("version", version.Version).Msg("fleetd starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	if *autoStart {
		go func() {
			results, err := o.StartAll(ctx)
			if err != nil {
				log.Error().Err(err).Msg("startup sequence aborted")
			}
			for name, rerr := range results {
				if rerr != nil {
					log.Error().Str("agent", name).Err(rerr).Msg("agent failed to start")
				}
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := o.Shutdown(shCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	_ = srv.Shutdown(shCtx)
}
