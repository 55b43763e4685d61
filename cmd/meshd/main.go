package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gridmesh/tcpmesh/internal/logger"
	"github.com/gridmesh/tcpmesh/internal/mesh/dispatch"
	"github.com/gridmesh/tcpmesh/internal/mesh/engine"
	"github.com/gridmesh/tcpmesh/internal/mesh/membership"
	"github.com/gridmesh/tcpmesh/internal/stats"
)

func main() {
	cli, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cli.showVersion {
		fmt.Println(version)
		return
	}

	logger.Init()
	if err := logger.SetLevel(cli.cfg.LogLevel); err != nil {
		fmt.Printf("warning: invalid log level %q, using default\n", cli.cfg.LogLevel)
	}
	log := logger.Logger().With("component", "cli")

	identity, err := resolveIdentity(cli.identityHex)
	if err != nil {
		log.Error("invalid -identity", "error", err)
		os.Exit(2)
	}

	svc := membership.NewLocalService(identity)
	sink := stats.New()
	disp := dispatch.NewLoggingDispatcher(log)

	e := engine.New(cli.cfg, identity, svc, disp, sink, nil)
	if err := e.Start(); err != nil {
		log.Error("failed to start engine", "error", err)
		os.Exit(1)
	}
	log.Info("mesh engine started", "addr", e.Addr().String(), "identity", hex.EncodeToString(identity), "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if err := e.Stop(); err != nil {
			log.Error("engine stop error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("engine stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
	}
}

func resolveIdentity(hexID string) ([]byte, error) {
	if hexID == "" {
		return engineRandomIdentity(), nil
	}
	return hex.DecodeString(hexID)
}
