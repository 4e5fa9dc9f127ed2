package substrate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Get returns the string stored under key, or ok=false if absent.
// Satisfies emitter.KVStore.
func (e *Engine) Get(ctx context.Context, key string) (string, bool, error) {
	entry, err := e.kv.Get(key)
	if err == nats.ErrKeyNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("substrate: kv get %q: %w", key, err)
	}
	return string(entry.Value()), true, nil
}

// Put writes value under key, creating or overwriting it. Satisfies
// emitter.KVStore.
func (e *Engine) Put(ctx context.Context, key string, value string) error {
	_, err := e.kv.Put(key, []byte(value))
	if err != nil {
		return fmt.Errorf("substrate: kv put %q: %w", key, err)
	}
	return nil
}

// Exists reports whether key is present, which is the dedup lock test
// register_workflow uses to decide whether an emitter worker must be
// enqueued.
func (e *Engine) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := e.Get(ctx, key)
	return ok, err
}

// ListAppend appends value to the JSON-encoded string list stored
// under key, retrying on a concurrent-write conflict (JetStream KV's
// revision-gated Update), so concurrent subscribers to the same
// EmitterKey never lose a sibling's append.
func (e *Engine) ListAppend(ctx context.Context, key string, value string) error {
	for {
		entry, err := e.kv.Get(key)
		switch err {
		case nil:
			var list []string
			if err := json.Unmarshal(entry.Value(), &list); err != nil {
				return fmt.Errorf("substrate: kv list %q is corrupt: %w", key, err)
			}
			for _, existing := range list {
				if existing == value {
					return nil
				}
			}
			list = append(list, value)
			data, err := json.Marshal(list)
			if err != nil {
				return err
			}
			if _, err := e.kv.Update(key, data, entry.Revision()); err != nil {
				if err == nats.ErrKeyExists {
					continue
				}
				return fmt.Errorf("substrate: kv list append %q: %w", key, err)
			}
			return nil

		case nats.ErrKeyNotFound:
			data, err := json.Marshal([]string{value})
			if err != nil {
				return err
			}
			if _, err := e.kv.Create(key, data); err != nil {
				if err == nats.ErrKeyExists {
					continue
				}
				return fmt.Errorf("substrate: kv list create %q: %w", key, err)
			}
			return nil

		default:
			return fmt.Errorf("substrate: kv get %q: %w", key, err)
		}
	}
}

// ListRange returns the JSON-encoded string list stored under key, or
// an empty slice if the key is absent.
func (e *Engine) ListRange(ctx context.Context, key string) ([]string, error) {
	entry, err := e.kv.Get(key)
	if err == nats.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("substrate: kv get %q: %w", key, err)
	}
	var list []string
	if err := json.Unmarshal(entry.Value(), &list); err != nil {
		return nil, fmt.Errorf("substrate: kv list %q is corrupt: %w", key, err)
	}
	return list, nil
}

// PutJSON marshals value and stores it under key.
func (e *Engine) PutJSON(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return e.Put(ctx, key, string(data))
}

// GetJSON reads key and unmarshals it into dest, returning ok=false if
// the key is absent.
func (e *Engine) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	raw, ok, err := e.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return true, fmt.Errorf("substrate: kv value %q is corrupt: %w", key, err)
	}
	return true, nil
}
