package wal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"
)

const pgDuplicateObject = "42710"

// wal2json emits one JSON document per transaction, on a single line.
var wal2jsonArgs = []string{`"include-xids" '1'`, `"include-types" '1'`}

// Replicator reads a wal2json logical replication slot and hands every
// transaction to a sink. It is the core of the walstream sidecar.
type Replicator struct {
	ConnString string // must include replication=database
	Slot       string
	// CreateSlot creates the slot with the wal2json plugin if it is missing.
	CreateSlot     bool
	StandbyTimeout time.Duration
	RetryDelay     time.Duration
	Log            *zap.Logger
	Sink           func([]byte)
}

// Run streams until ctx is done, reconnecting after failures.
func (r *Replicator) Run(ctx context.Context) error {
	if r.StandbyTimeout == 0 {
		r.StandbyTimeout = 10 * time.Second
	}
	if r.RetryDelay == 0 {
		r.RetryDelay = 5 * time.Second
	}
	for {
		err := r.stream(ctx)
		if ctx.Err() != nil {
			return nil
		}
		r.Log.Warn("replication connection error", zap.Error(err), zap.Duration("retry_in", r.RetryDelay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.RetryDelay):
		}
	}
}

func (r *Replicator) stream(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, r.ConnString)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	sys, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("identify system: %w", err)
	}
	r.Log.Info("identified system",
		zap.String("system_id", sys.SystemID),
		zap.Int32("timeline", sys.Timeline),
		zap.Stringer("xlogpos", sys.XLogPos),
		zap.String("dbname", sys.DBName),
	)

	if r.CreateSlot {
		_, err := pglogrepl.CreateReplicationSlot(ctx, conn, r.Slot, "wal2json", pglogrepl.CreateReplicationSlotOptions{})
		var pgErr *pgconn.PgError
		if err != nil && !(errors.As(err, &pgErr) && pgErr.Code == pgDuplicateObject) {
			return fmt.Errorf("create slot %s: %w", r.Slot, err)
		}
	}

	if err := pglogrepl.StartReplication(ctx, conn, r.Slot, sys.XLogPos,
		pglogrepl.StartReplicationOptions{PluginArgs: wal2jsonArgs}); err != nil {
		return fmt.Errorf("start replication: %w", err)
	}
	r.Log.Info("logical replication started", zap.String("slot", r.Slot))

	var lastLSN pglogrepl.LSN
	nextStandby := time.Now().Add(r.StandbyTimeout)
	for {
		if time.Now().After(nextStandby) && lastLSN != 0 {
			if err := pglogrepl.SendStandbyStatusUpdate(ctx, conn,
				pglogrepl.StandbyStatusUpdate{WALWritePosition: lastLSN}); err != nil {
				return fmt.Errorf("standby status update: %w", err)
			}
			r.Log.Debug("sent standby status", zap.Stringer("lsn", lastLSN))
			nextStandby = time.Now().Add(r.StandbyTimeout)
		}

		rctx, cancel := context.WithDeadline(ctx, nextStandby)
		raw, err := conn.ReceiveMessage(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if pgconn.Timeout(err) {
				continue
			}
			return err
		}

		if msg, ok := raw.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("wal error: %s", msg.Message)
		}
		data, ok := raw.(*pgproto3.CopyData)
		if !ok {
			r.Log.Warn("unexpected message", zap.String("type", fmt.Sprintf("%T", raw)))
			continue
		}

		switch data.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data.Data[1:])
			if err != nil {
				r.Log.Warn("parse keepalive", zap.Error(err))
				continue
			}
			if pkm.ReplyRequested {
				nextStandby = time.Time{}
			}
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(data.Data[1:])
			if err != nil {
				r.Log.Warn("parse xlog data", zap.Error(err))
				continue
			}
			lastLSN = xld.WALStart + pglogrepl.LSN(len(xld.WALData))
			r.Sink(bytes.Clone(xld.WALData))
		}
	}
}
