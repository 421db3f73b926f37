package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/autostudy/internal/core"
	"github.com/3cpo-dev/autostudy/internal/host"
	"github.com/3cpo-dev/autostudy/internal/telemetry"
)

var version = "dev"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := core.LoadConfig(os.Getenv("AUTOSTUDY_CONFIG"))
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if addr := os.Getenv("AUTOSTUDY_HOST_ADDR"); addr != "" {
		cfg.Host.Addr = addr
	}
	collector := telemetry.InitGlobal(cfg.Telemetry.Enabled, time.Duration(cfg.Telemetry.FlushSeconds)*time.Second)
	defer collector.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := host.FromConfig(ctx, cfg, version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer srv.Close()

	fmt.Fprintf(os.Stdout, "autostudy-host listening on %s\n", cfg.Host.Addr)
	if err := srv.Serve(ctx); err != nil {
		log.Error().Err(err).Msg("host stopped")
	}
	fmt.Fprintln(os.Stdout, "autostudy-host shut down")
}
