// Package store is the small keyed store each node persists its state in.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/astromechza/inboxsync/pkg/model"
	"github.com/astromechza/inboxsync/pkg/syncerr"
)

// KV is a durable byte store keyed by string.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type envelope struct {
	SchemaVersion int             `json:"schemaVersion"`
	Data          json.RawMessage `json:"data"`
}

// Encode wraps v in a versioned envelope.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return json.Marshal(envelope{SchemaVersion: model.SchemaVersion, Data: data})
}

// Decode unwraps an envelope into v and returns the version it was written
// with. Values from a newer schema are decoded best-effort; unknown fields are
// ignored.
func Decode(raw []byte, v any) (int, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return 0, syncerr.Corrupt("envelope", err)
	}
	if env.SchemaVersion <= 0 || len(env.Data) == 0 {
		return env.SchemaVersion, syncerr.Corrupt("envelope", fmt.Errorf("missing schema version or data"))
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return env.SchemaVersion, syncerr.Corrupt("envelope data", err)
	}
	return env.SchemaVersion, nil
}

// GetJSON loads key into v. It returns false when the key is absent.
func GetJSON(ctx context.Context, kv KV, key string, v any) (bool, error) {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	version, err := Decode(raw, v)
	if err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	if version > model.SchemaVersion {
		slog.Warn("decoded value from newer schema", "key", key, "version", version, "supported", model.SchemaVersion)
	}
	return true, nil
}

// PutJSON stores v under key.
func PutJSON(ctx context.Context, kv KV, key string, v any) error {
	raw, err := Encode(v)
	if err != nil {
		return err
	}
	if err := kv.Put(ctx, key, raw); err != nil {
		return fmt.Errorf("failed to persist %s: %w", key, err)
	}
	return nil
}
