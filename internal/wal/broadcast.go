package wal

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"
)

// Broadcaster fans replication messages out to every connected client, one
// message per line. Slow clients drop messages rather than stall the stream.
type Broadcaster struct {
	log *zap.Logger

	mu        sync.Mutex
	listeners map[chan []byte]struct{}
}

func NewBroadcaster(log *zap.Logger) *Broadcaster {
	return &Broadcaster{
		log:       log.Named("broadcast"),
		listeners: make(map[chan []byte]struct{}),
	}
}

func (b *Broadcaster) add(ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[ch] = struct{}{}
	b.log.Info("listener added", zap.Int("listeners", len(b.listeners)))
}

func (b *Broadcaster) remove(ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, ch)
	b.log.Info("listener removed", zap.Int("listeners", len(b.listeners)))
}

// Listeners reports the number of connected clients.
func (b *Broadcaster) Listeners() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// Broadcast queues msg for every client. msg must not be modified afterwards.
func (b *Broadcaster) Broadcast(msg []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.listeners {
		select {
		case ch <- msg:
		default:
			b.log.Warn("listener channel full, dropping message")
		}
	}
}

// Serve accepts clients on ln until ctx is done.
func (b *Broadcaster) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	b.log.Info("listening for clients", zap.String("addr", ln.Addr().String()))
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			b.log.Warn("accept", zap.Error(err))
			continue
		}
		go b.handle(ctx, c)
	}
}

func (b *Broadcaster) handle(ctx context.Context, c net.Conn) {
	defer c.Close()
	log := b.log.With(zap.Stringer("client", c.RemoteAddr()))
	log.Info("client connected")

	ch := make(chan []byte, 64)
	b.add(ch)
	defer b.remove(ch)

	w := bufio.NewWriter(c)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			_, err := w.Write(msg)
			if err == nil {
				err = w.WriteByte('\n')
			}
			if err == nil && len(ch) == 0 {
				err = w.Flush()
			}
			if err != nil {
				log.Info("client write error, disconnecting", zap.Error(err))
				return
			}
		}
	}
}
