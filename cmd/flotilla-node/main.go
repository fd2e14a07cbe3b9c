package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/flotilla-dev/flotilla/internal/config"
	"github.com/flotilla-dev/flotilla/internal/identity"
	"github.com/flotilla-dev/flotilla/internal/node"
	"github.com/flotilla-dev/flotilla/internal/runtime"
	"github.com/flotilla-dev/flotilla/internal/telemetry"
)

func main() {
	cfgPath := flag.String("config", "", "config file")
	nodeID := flag.String("id", "", "node identifier (defaults to hostname)")
	logLevel := flag.String("log", "info", "log level")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if level, err := zerolog.ParseLevel(*logLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	if err := run(*cfgPath, *nodeID); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfgPath, nodeID string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cfg.Node.Coordinator == "" {
		return fmt.Errorf("node.coordinator is required")
	}
	telemetry.SetEnabled(cfg.Telemetry.Enabled)

	if nodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve hostname: %w", err)
		}
		nodeID = hostname
	}

	keyPath := cfg.Node.KeyPath
	if keyPath == "" {
		home, _ := os.UserHomeDir()
		keyPath = filepath.Join(home, ".config", "flotilla", "node_ed25519")
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return err
	}
	id, err := identity.LoadOrGenerate(keyPath)
	if err != nil {
		return err
	}

	rt, err := runtime.Open(cfg.Node.Runtime)
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg.Node.KeyPath = keyPath
	daemon := node.NewDaemon(nodeID, cfg, id, rt, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		<-sigc
		log.Info().Msg("node shutting down")
		cancel()
	}()

	log.Info().Str("node", nodeID).Str("coordinator", cfg.Node.Coordinator).
		Str("runtime", cfg.Node.Runtime).Msg("node starting")
	return daemon.Run(ctx)
}
