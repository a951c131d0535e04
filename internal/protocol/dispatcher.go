package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Handler carries out the requests of one connection.
type Handler interface {
	Subscribe(sub Subscribe) (Subscribed, error)
	Unsubscribe(id string) error
}

// HandleMessage decodes one client message, runs it against h and replies
// through send. Failures are reported to the client as error messages; the
// returned error is the one from send, if any.
func HandleMessage(raw []byte, h Handler, send func(any) error) error {
	msg, err := DecodeMessage(raw)
	if err != nil {
		return send(errorReply(Message{}, fmt.Errorf("invalid JSON: %w", err)))
	}

	switch msg.Type {
	case TypePing:
		return send(Message{Type: TypePong, ID: msg.ID})

	case TypeSubscribe:
		var sub Subscribe
		if err := json.Unmarshal(raw, &sub); err != nil {
			return send(errorReply(msg, fmt.Errorf("bad subscribe: %w", err)))
		}
		if sub.ID == "" || sub.SQL == "" {
			return send(errorReply(msg, errors.New("subscribe needs id and sql")))
		}
		reply, err := h.Subscribe(sub)
		if err != nil {
			return send(errorReply(msg, err))
		}
		reply.Message = Message{Type: TypeSubscribed, ID: sub.ID}
		return send(reply)

	case TypeUnsubscribe:
		if err := h.Unsubscribe(msg.ID); err != nil {
			return send(errorReply(msg, err))
		}
		return send(Message{Type: TypeUnsubscribed, ID: msg.ID})
	}
	return send(errorReply(msg, fmt.Errorf("unknown message type %q", msg.Type)))
}

func errorReply(msg Message, err error) Error {
	return Error{Message: Message{Type: TypeError, ID: msg.ID}, Error: err.Error()}
}
