package emitter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/matthiasmullie/pypelines-go/internal/expr"
)

// KVStore is the subset of the queue/KV substrate the SSE emitter
// needs to persist its resume cursor across restarts.
type KVStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key string, value string) error
}

// sseWorkerArgs is the WorkerArgs for an SSE subscription: two
// workflows pointed at the same stream URL for the same event name
// share one HTTP connection.
type sseWorkerArgs struct {
	EventName string
	Stream    string
}

// sseEventArgs is what Events yields: the event name (carried through
// so Payload can key its resume cursor) and the raw event data.
type sseEventArgs struct {
	EventName string
	Data      string
}

// SSE opens one long-lived HTTP connection per distinct stream URL and
// fans its text/event-stream messages out to every subscribed
// workflow (deduplication happens upstream, at the coordinator, via
// EmitterKey).
type SSE struct {
	KV     KVStore
	Client *http.Client
}

func NewSSE(kv KVStore) *SSE {
	return &SSE{KV: kv, Client: http.DefaultClient}
}

// asSSEWorkerArgs accepts either the sseWorkerArgs value WorkerConfig
// returned in-process, or its generic map[string]interface{} form
// after a JSON round-trip through the emitter queue — the worker that
// dequeues a run_emitter task reconstructs the concrete emitter from
// its identity tag, but its WorkerArgs arrive as decoded JSON, not the
// original Go value.
func asSSEWorkerArgs(v interface{}) (sseWorkerArgs, error) {
	switch val := v.(type) {
	case sseWorkerArgs:
		return val, nil
	case map[string]interface{}:
		eventName, _ := val["EventName"].(string)
		stream, _ := val["Stream"].(string)
		if stream == "" {
			return sseWorkerArgs{}, fmt.Errorf("missing stream in worker args %v", val)
		}
		return sseWorkerArgs{EventName: eventName, Stream: stream}, nil
	default:
		return sseWorkerArgs{}, fmt.Errorf("unexpected worker args type %T", v)
	}
}

// asSSEEventArgs accepts either the sseEventArgs value Events produced
// in-process, or its generic map[string]interface{} form after a
// JSON round-trip through the event queue.
func asSSEEventArgs(v interface{}) (sseEventArgs, error) {
	switch val := v.(type) {
	case sseEventArgs:
		return val, nil
	case map[string]interface{}:
		eventName, _ := val["EventName"].(string)
		data, _ := val["Data"].(string)
		return sseEventArgs{EventName: eventName, Data: data}, nil
	default:
		return sseEventArgs{}, fmt.Errorf("unexpected event args type %T", v)
	}
}

func (s *SSE) Identity() string {
	return "sse"
}

func (s *SSE) WorkerConfig(eventName string, config interface{}) (interface{}, error) {
	cfg, ok := config.(map[string]interface{})
	if !ok {
		return nil, &ConfigError{EventName: eventName, Err: fmt.Errorf("sse config must be an object, got %T", config)}
	}
	stream, ok := cfg["stream"].(string)
	if !ok || stream == "" {
		return nil, &ConfigError{EventName: eventName, Err: fmt.Errorf("sse config requires a non-empty 'stream' url")}
	}
	if format, ok := cfg["format"].(string); ok && format != "" && format != "string" && format != "json" {
		return nil, &ConfigError{EventName: eventName, Err: fmt.Errorf("sse format must be 'string' or 'json', got %q", format)}
	}
	return sseWorkerArgs{EventName: eventName, Stream: stream}, nil
}

// Events opens the stream, seeded with the Last-Event-ID persisted
// under "{event_name}-{stream}-last-event-id", and yields one
// sseEventArgs per received "message" event, persisting its id as it
// goes.
func (s *SSE) Events(ctx context.Context, workerArgs interface{}) <-chan Event {
	args, err := asSSEWorkerArgs(workerArgs)
	ch := make(chan Event)
	if err != nil {
		go func() {
			ch <- Event{Err: fmt.Errorf("sse: %w", err)}
			close(ch)
		}()
		return ch
	}

	go func() {
		defer close(ch)

		cursorKey := fmt.Sprintf("%s-%s-last-event-id", args.EventName, args.Stream)
		lastEventID, _, err := s.KV.Get(ctx, cursorKey)
		if err != nil {
			ch <- Event{Err: fmt.Errorf("sse: failed to read resume cursor: %w", err)}
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.Stream, nil)
		if err != nil {
			ch <- Event{Err: fmt.Errorf("sse: %w", err)}
			return
		}
		req.Header.Set("Accept", "text/event-stream")
		if lastEventID != "" {
			req.Header.Set("Last-Event-ID", lastEventID)
		}

		resp, err := s.Client.Do(req)
		if err != nil {
			ch <- Event{Err: fmt.Errorf("sse: connection failed: %w", err)}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			ch <- Event{Err: fmt.Errorf("sse: unexpected status %s", resp.Status)}
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		var id, eventType string
		var dataLines []string

		flush := func() bool {
			if len(dataLines) == 0 {
				eventType = ""
				id = ""
				dataLines = nil
				return true
			}
			if eventType == "" || eventType == "message" {
				if id != "" {
					if err := s.KV.Put(ctx, cursorKey, id); err != nil {
						ch <- Event{Err: fmt.Errorf("sse: failed to persist resume cursor: %w", err)}
						return false
					}
				}
				data := strings.Join(dataLines, "\n")
				select {
				case <-ctx.Done():
					return false
				case ch <- Event{Args: sseEventArgs{EventName: args.EventName, Data: data}}:
				}
			}
			eventType = ""
			id = ""
			dataLines = nil
			return true
		}

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Text()
			switch {
			case line == "":
				if !flush() {
					return
				}
			case strings.HasPrefix(line, "id:"):
				id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
			case strings.HasPrefix(line, "event:"):
				eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			}
		}

		if err := scanner.Err(); err != nil {
			ch <- Event{Err: fmt.Errorf("sse: stream read failed: %w", err)}
		}
	}()

	return ch
}

// Payload decodes the event's data per the workflow's configured
// format and runs its filter, if any.
func (s *SSE) Payload(config interface{}, eventArgs interface{}) (interface{}, error) {
	cfg, ok := config.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("sse config must be an object, got %T", config)
	}
	args, err := asSSEEventArgs(eventArgs)
	if err != nil {
		return nil, fmt.Errorf("sse: %w", err)
	}

	format, _ := cfg["format"].(string)

	var parsed interface{} = args.Data
	if format == "json" {
		var decoded interface{}
		if err := json.Unmarshal([]byte(args.Data), &decoded); err != nil {
			return nil, fmt.Errorf("sse: failed to decode json payload: %w", err)
		}
		parsed = decoded
	}

	if filter, ok := cfg["filter"]; ok && filter != nil {
		env := expr.Assign(args.EventName, parsed, expr.Env{})
		result, err := expr.Evaluate(filter, env)
		if err != nil {
			return nil, err
		}
		if !expr.Truthy(result) {
			return nil, &FilterRejectedError{Filter: filter}
		}
	}

	return parsed, nil
}
