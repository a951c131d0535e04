package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zoravur/livequery/internal/coordinator"
	"github.com/zoravur/livequery/internal/protocol"
	"github.com/zoravur/livequery/internal/runloop"
	"github.com/zoravur/livequery/pkg/changeset"
	"github.com/zoravur/livequery/pkg/sqlquery"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn is one websocket client. Everything except reading runs on loop:
// message handling, result callbacks and every write to conn.
type wsConn struct {
	conn    *websocket.Conn
	loop    *runloop.Loop
	session *coordinator.Session
	subs    *protocol.Registry
	log     *zap.Logger
}

// handleWS upgrades the connection and serves subscribe/unsubscribe messages.
func (d Deps) handleWS(w http.ResponseWriter, r *http.Request) {
	log := LoggerFrom(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade error", zap.Error(err))
		return
	}

	loop := runloop.New()
	c := &wsConn{
		conn:    conn,
		loop:    loop,
		session: d.Coordinator.NewSession(coordinator.WithLoop(loop)),
		subs:    protocol.NewRegistry(),
		log:     log,
	}
	defer func() {
		loop.Do(c.close)
		loop.Close()
		<-loop.Done()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("ws read error", zap.Error(err))
			}
			return
		}
		loop.Post(func() {
			if err := protocol.HandleMessage(raw, c, c.send); err != nil {
				log.Debug("ws write error", zap.Error(err))
			}
		})
	}
}

func (c *wsConn) send(v any) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Subscribe(m protocol.Subscribe) (protocol.Subscribed, error) {
	if _, ok := c.subs.Get(m.ID); ok {
		return protocol.Subscribed{}, protocol.ErrDuplicateID
	}
	q, err := sqlquery.Parse(m.SQL, m.Args...)
	if err != nil {
		return protocol.Subscribed{}, err
	}
	// Reject bad tables and columns now rather than through a callback.
	if _, err := q.Run(c.session.Handle().Snapshot()); err != nil {
		return protocol.Subscribed{}, err
	}

	res := c.session.Query(q)
	sub := &protocol.Subscription{ID: m.ID, SQL: m.SQL, Results: res}
	tok, err := res.AddNotificationCallback(func(cs changeset.ChangeSet, err error) {
		c.deliver(sub, cs, err)
	})
	if err != nil {
		res.Close()
		return protocol.Subscribed{}, err
	}
	sub.Token = tok
	if err := c.subs.Add(sub); err != nil {
		sub.Close()
		return protocol.Subscribed{}, err
	}
	c.log.Debug("subscribed", zap.String("sub", m.ID), zap.String("query", q.String()))
	return protocol.Subscribed{Table: q.Table, Columns: q.Columns, Query: q.String()}, nil
}

func (c *wsConn) Unsubscribe(id string) error {
	sub, err := c.subs.Remove(id)
	if err != nil {
		return err
	}
	sub.Close()
	return nil
}

// deliver runs on loop from the session's refresh.
func (c *wsConn) deliver(sub *protocol.Subscription, cs changeset.ChangeSet, err error) {
	if err != nil {
		_ = c.send(protocol.Error{Message: protocol.Message{Type: protocol.TypeError, ID: sub.ID}, Error: err.Error()})
		if s, rerr := c.subs.Remove(sub.ID); rerr == nil {
			c.loop.Post(s.Close)
		}
		return
	}

	snap := c.session.Handle().Snapshot()
	tv, err := sub.Results.View()
	if err != nil {
		c.log.Warn("view failed", zap.String("sub", sub.ID), zap.Error(err))
		return
	}
	rows, err := protocol.SerializeRows(tv, snap, sub.Results.Query().Columns)
	if err != nil {
		c.log.Warn("serialize failed", zap.String("sub", sub.ID), zap.Error(err))
		return
	}
	if err := c.send(protocol.Change{
		Message: protocol.Message{Type: protocol.TypeChange, ID: sub.ID},
		Version: uint64(snap.Version()),
		Changes: cs,
		Rows:    rows,
	}); err != nil {
		c.log.Debug("ws write error", zap.Error(err))
	}
}

// close runs on loop once the client is gone.
func (c *wsConn) close() {
	for _, s := range c.subs.Drain() {
		s.Close()
	}
	c.session.Close()
}
