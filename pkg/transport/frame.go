package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/astromechza/inboxsync/pkg/model"
	"github.com/astromechza/inboxsync/pkg/syncerr"
)

// Frame types carried as websocket text messages. Bulk payloads go as binary
// messages and have no frame.
const (
	FrameContext = "context"
	FrameRequest = "request"
	FrameReply   = "reply"
	FrameRefresh = "refresh"
)

type Frame struct {
	Type          string          `json:"type"`
	ID            string          `json:"id,omitempty"`
	SchemaVersion int             `json:"schemaVersion"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type refreshPayload struct {
	Full bool `json:"full"`
}

func encodeFrame(typ, id string, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", typ, err)
	}
	return json.Marshal(Frame{Type: typ, ID: id, SchemaVersion: model.SchemaVersion, Payload: payload})
}

func decodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, syncerr.Corrupt("frame", err)
	}
	if f.SchemaVersion <= 0 {
		return Frame{}, syncerr.Corrupt("frame", errors.New("missing schema version"))
	}
	switch f.Type {
	case FrameContext, FrameRefresh:
	case FrameRequest, FrameReply:
		if f.ID == "" {
			return Frame{}, syncerr.Corrupt("frame", fmt.Errorf("%s frame without id", f.Type))
		}
	default:
		return Frame{}, syncerr.Corrupt("frame", fmt.Errorf("unknown frame type %q", f.Type))
	}
	return f, nil
}

func (f Frame) decodePayload(v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return syncerr.Corrupt(f.Type+" payload", err)
	}
	return nil
}
