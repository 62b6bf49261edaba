package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/danmuck/regmon/internal/logging"
	"github.com/danmuck/regmon/internal/protocol/frame"
	"github.com/danmuck/regmon/internal/server"
)

var errUsage = errors.New("usage: regmond [-config path] PORT [TOKEN]")

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	cfg, err := parseArgs(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(stderr, "regmond: %v\n", err)
		}
		return 1
	}

	logging.ConfigureRuntime()
	svc := server.NewServiceWithConfig(cfg)
	if err := svc.Run(); err != nil {
		fmt.Fprintf(stderr, "regmond: %v\n", err)
		return 1
	}
	return 0
}

// parseArgs overlays the optional config file, then PORT and TOKEN. A TOKEN selects
// multi mode.
func parseArgs(args []string, stderr io.Writer) (server.ServiceConfig, error) {
	fs := flag.NewFlagSet("regmond", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "optional TOML config path")
	if err := fs.Parse(args); err != nil {
		return server.ServiceConfig{}, err
	}

	cfg := server.DefaultServiceConfig()
	if *configPath != "" {
		loaded, err := loadServiceConfig(*configPath)
		if err != nil {
			return server.ServiceConfig{}, err
		}
		cfg = loaded
	}

	rest := fs.Args()
	if len(rest) < 1 {
		return server.ServiceConfig{}, fmt.Errorf("no port provided\n%w", errUsage)
	}
	if len(rest) > 2 {
		return server.ServiceConfig{}, errUsage
	}
	port, err := strconv.Atoi(rest[0])
	if err != nil || port <= 0 || port > 65535 {
		return server.ServiceConfig{}, fmt.Errorf("invalid port %q", rest[0])
	}
	cfg.ListenAddr = server.ListenAddrForPort(rest[0])

	if len(rest) == 2 {
		token := rest[1]
		if len(token) != frame.TokenLen {
			return server.ServiceConfig{}, fmt.Errorf("token must be %d characters long, got %d", frame.TokenLen, len(token))
		}
		cfg.Mode = server.ModeMulti
		cfg.Token = token
	}
	return cfg, nil
}
