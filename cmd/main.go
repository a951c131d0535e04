package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/zoravur/livequery/internal/app"
	"github.com/zoravur/livequery/internal/config"
	"github.com/zoravur/livequery/internal/logutil"
)

func main() {
	fs := flag.NewFlagSet("livequery", flag.ExitOnError)
	configPath := fs.String("config", "", "path to a JSON config file (comments allowed)")
	printConfig := fs.Bool("print-config", false, "print the effective config and exit")
	var overrides config.Config
	config.BindFlags(fs, &overrides)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath, os.Environ(), fs, overrides)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *printConfig {
		out, err := config.Format(cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(out)
		return
	}

	log, err := logutil.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := app.NewServer(ctx, cfg, log)
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
	if err := srv.Run(ctx); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}
