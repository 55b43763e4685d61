package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gridmesh/tcpmesh/internal/config"
)

// version is injected at build time with -ldflags "-X main.version=...".
var version = "dev"

type cliConfig struct {
	cfg         config.Config
	showVersion bool
	identityHex string
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("meshd", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cli := &cliConfig{}
	fs.BoolVar(&cli.showVersion, "version", false, "print version and exit")
	fs.StringVar(&cli.identityHex, "identity", "", "hex-encoded member identity (random if omitted)")

	cfg, err := config.ParseFlags(fs, args)
	if err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	cli.cfg = cfg
	return cli, nil
}
