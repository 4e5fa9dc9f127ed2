package emitter

import (
	"context"
	"fmt"
)

// Limit is a counting emitter used for bounded fan-out and tests.
// Config is an integer N; it yields events 0..N-1 once each.
type Limit struct{}

func NewLimit() *Limit {
	return &Limit{}
}

func (l *Limit) Identity() string {
	return "limit"
}

// WorkerConfig returns N itself: N is already the smallest identity
// that names the worker loop (two workflows configured with the same
// N share one worker).
func (l *Limit) WorkerConfig(eventName string, config interface{}) (interface{}, error) {
	n, err := asInt(config)
	if err != nil {
		return nil, &ConfigError{EventName: eventName, Err: err}
	}
	if n < 0 {
		return nil, &ConfigError{EventName: eventName, Err: fmt.Errorf("limit must be >= 0, got %d", n)}
	}
	return n, nil
}

func (l *Limit) Events(ctx context.Context, workerArgs interface{}) <-chan Event {
	ch := make(chan Event)
	n, err := asInt(workerArgs)
	if err != nil {
		go func() {
			ch <- Event{Err: fmt.Errorf("limit: %w", err)}
			close(ch)
		}()
		return ch
	}

	go func() {
		defer close(ch)
		for i := 0; i < n; i++ {
			select {
			case <-ctx.Done():
				return
			case ch <- Event{Args: i}:
			}
		}
	}()

	return ch
}

// Payload never rejects an event: there is no per-workflow filter for
// limit. It fails only when config or eventArgs is not an integer.
func (l *Limit) Payload(config interface{}, eventArgs interface{}) (interface{}, error) {
	n, err := asInt(config)
	if err != nil {
		return nil, err
	}
	index, err := asInt(eventArgs)
	if err != nil {
		return nil, fmt.Errorf("limit: %w", err)
	}
	return map[string]interface{}{
		"limit": int64(n),
		"index": int64(index),
	}, nil
}

func asInt(v interface{}) (int, error) {
	switch val := v.(type) {
	case int:
		return val, nil
	case int64:
		return int(val), nil
	case float64:
		return int(val), nil
	default:
		return 0, fmt.Errorf("expected an integer limit, got %T", v)
	}
}
