// Command ingest-client is the process entrypoint: load configuration,
// construct the supervisor, run until a termination signal arrives, and
// translate the result into a process exit code.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/radarlink/ingest-client/internal/config"
	"github.com/radarlink/ingest-client/internal/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	envFile := flag.String("env-file", "", "path to a .env file (default: ./.env if present)")
	decoderHost := flag.String("decoder-host", "", "override decoder.host")
	databaseFile := flag.String("database-file", "", "override database.file")
	flag.Parse()

	cfg, err := config.Load(config.Overrides{
		EnvFile:      *envFile,
		DecoderHost:  *decoderHost,
		DatabaseFile: *databaseFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(cfg)
	if err := sup.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 1
	}
	return 0
}
