// Command walstream reads a wal2json replication slot and serves every
// transaction, one JSON document per line, to TCP clients such as the
// livequery server.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoravur/livequery/internal/logutil"
	"github.com/zoravur/livequery/internal/wal"
)

func main() {
	listen := flag.String("listen", ":9000", "address to serve clients on")
	slot := flag.String("slot", "delta_slot", "logical replication slot")
	createSlot := flag.Bool("create-slot", false, "create the slot with wal2json if missing")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	log, err := logutil.New(*logLevel, "json")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Fatal("listen", zap.Error(err))
	}

	b := wal.NewBroadcaster(log)
	r := &wal.Replicator{
		ConnString: connString(),
		Slot:       *slot,
		CreateSlot: *createSlot,
		Log:        log.Named("replication"),
		Sink:       b.Broadcast,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Serve(ctx, ln) })
	g.Go(func() error { return r.Run(ctx) })
	if err := g.Wait(); err != nil {
		log.Fatal("walstream exited", zap.Error(err))
	}
}

func connString() string {
	return "host=" + getenv("PGHOST", "postgres") +
		" port=" + getenv("PGPORT", "5432") +
		" user=" + getenv("PGUSER", "postgres") +
		" password=" + getenv("PGPASSWORD", "pass") +
		" dbname=" + getenv("PGDATABASE", "postgres") +
		" replication=database"
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
