package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/danmuck/remotesource/internal/config"
	"github.com/danmuck/remotesource/internal/extensibility"
	"github.com/danmuck/remotesource/internal/logging"
	"github.com/danmuck/remotesource/internal/observability"
	"github.com/danmuck/remotesource/internal/pipeline"
	"github.com/danmuck/remotesource/internal/remoting"
	"github.com/danmuck/remotesource/internal/sources/derived"
	"github.com/danmuck/remotesource/internal/sources/parquetfs"
	"github.com/danmuck/remotesource/internal/sources/sample"
	"github.com/rs/zerolog/log"
)

var (
	errUsage = errors.New("usage: remotesource <address> <port>")
	errPort  = errors.New("The second command line argument must be a valid port number.")
)

func main() {
	logging.ConfigureRuntime()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "remotesource: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func parseArgs(args []string) (string, int, error) {
	if len(args) < 2 {
		return "", 0, errUsage
	}
	port, err := strconv.Atoi(strings.TrimSpace(args[1]))
	if err != nil {
		return "", 0, errPort
	}
	return args[0], port, nil
}

func run(ctx context.Context, args []string) error {
	address, port, err := parseArgs(args)
	if err != nil {
		return err
	}
	runtime, err := config.LoadRuntimeFromEnv()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	registry, err := builtinSources(metrics)
	if err != nil {
		return err
	}

	cfg := remoting.DefaultConfig()
	cfg.Session = runtime.Session
	cfg.Metrics = metrics
	cfg.Logger = logging.Component("remotesource")
	comm, err := remoting.NewCommunicator(registry, address, port, cfg)
	if err != nil {
		return err
	}
	log.Info().Str("addr", comm.Address()).Strs("sources", registry.Names()).Msg("connecting to host")
	return comm.Run(ctx)
}

func builtinSources(metrics *observability.Metrics) (*pipeline.Registry, error) {
	registry := pipeline.NewRegistry(metrics)
	for _, entry := range []struct {
		name   string
		source extensibility.DataSource
	}{
		{"sample", sample.New()},
		{"derived", derived.OptIn(derived.New())},
		{"parquetfs", parquetfs.New()},
	} {
		if err := registry.Register(entry.name, entry.source); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
