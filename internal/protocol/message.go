package protocol

import (
	"encoding/json"
	"strings"

	"github.com/zoravur/livequery/pkg/changeset"
)

const (
	TypePing         = "ping"
	TypePong         = "pong"
	TypeSubscribe    = "subscribe"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribe  = "unsubscribe"
	TypeUnsubscribed = "unsubscribed"
	TypeChange       = "change"
	TypeError        = "error"
)

type Message struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

type Subscribe struct {
	Message
	SQL  string `json:"sql"`
	Args []any  `json:"args,omitempty"`
}

type Unsubscribe struct {
	Message
}

type Subscribed struct {
	Message
	Table   string   `json:"table"`
	Columns []string `json:"columns,omitempty"`
	Query   string   `json:"query"`
}

// Change carries one delivery of a live query: the change set against the
// previous delivery and the full rows at Version. Indices in Changes refer
// to Rows.
type Change struct {
	Message
	Version uint64              `json:"version"`
	Changes changeset.ChangeSet `json:"changes"`
	Rows    []EditableRow       `json:"rows"`
}

type Error struct {
	Message
	Error string `json:"error"`
}

// DecodeMessage reads the envelope of a client message. The type is matched
// case-insensitively.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, err
	}
	msg.Type = strings.ToLower(msg.Type)
	return msg, nil
}
