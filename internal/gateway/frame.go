package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/chatd/chatd/internal/chat"
	"github.com/chatd/chatd/internal/realtime"
)

// Inbound is a client frame: an event name, its argument and an optional
// request id echoed on the acknowledgment.
type Inbound struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

type ack map[string]any

func ackEvent(requestID string, body ack) realtime.Event {
	return realtime.Event{Type: realtime.EventAck, RequestID: requestID, Payload: body}
}

func errorAck(requestID string, err error) realtime.Event {
	return ackEvent(requestID, ack{
		"status":  "error",
		"code":    errorCode(err),
		"message": chat.PublicMessage(err),
	})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		return "not_found"
	case errors.Is(err, chat.ErrForbidden):
		return "forbidden"
	case errors.Is(err, chat.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, chat.ErrValidation):
		return "invalid"
	default:
		return "internal"
	}
}

// stringArg reads an event argument sent either as a bare JSON string or as
// an object carrying it under field.
func stringArg(payload json.RawMessage, field string) (string, error) {
	if len(payload) == 0 {
		return "", fmt.Errorf("%w: %s is required", chat.ErrValidation, field)
	}
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		if s = strings.TrimSpace(s); s == "" {
			return "", fmt.Errorf("%w: %s is required", chat.ErrValidation, field)
		}
		return s, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return "", fmt.Errorf("%w: payload must be a string or an object", chat.ErrValidation)
	}
	raw, ok := obj[field]
	if !ok {
		return "", fmt.Errorf("%w: %s is required", chat.ErrValidation, field)
	}
	return stringArg(raw, field)
}
