// Package substrate provides the durable external service the
// coordinator treats as an opaque collaborator: three FIFO work-queues
// (emitter, event, job) plus a key-value store with list-append and
// membership-test primitives. The concrete implementation is NATS
// JetStream: a stream per queue, pull consumers for dequeue, and a
// JetStream KV bucket for the workflow table, subscription lists, and
// the SSE resume cursor.
package substrate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	natsserver_test "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
)

// Queue names the three FIFO work-queues the coordinator mediates.
type Queue string

const (
	EmitterQueue Queue = "emitter"
	EventQueue   Queue = "event"
	JobQueue     Queue = "job"
)

// Options configures a new Engine.
type Options struct {
	// URL is the NATS connection URL (the "REDIS" env var, historically).
	URL string

	// Embedded starts an in-process NATS server with JetStream enabled
	// and connects to it, ignoring URL.
	Embedded bool

	// Stream names the JetStream stream backing all three queues.
	Stream string

	// SubjectPrefix namespaces the three queues' subjects, so multiple
	// deployments can share one NATS cluster. The KV bucket is named
	// separately, by KVBucket.
	SubjectPrefix string

	// KVBucket names the JetStream KV bucket for the workflow table,
	// subscription lists, and resume cursors.
	KVBucket string

	// EmitterTimeout is the emitter queue's dequeue-to-ack deadline.
	// Zero means "no timeout" (approximated with a very long AckWait,
	// since JetStream has no literal infinite setting).
	EmitterTimeout time.Duration

	// EventTimeout and JobTimeout are the event and job queues'
	// dequeue-to-ack deadlines. Default to one hour when zero.
	EventTimeout time.Duration
	JobTimeout   time.Duration
}

func (o Options) subject(q Queue) string {
	return fmt.Sprintf("%s.%s", o.SubjectPrefix, q)
}

func (o Options) timeoutFor(q Queue) time.Duration {
	switch q {
	case EmitterQueue:
		if o.EmitterTimeout <= 0 {
			return 365 * 24 * time.Hour
		}
		return o.EmitterTimeout
	case EventQueue:
		if o.EventTimeout <= 0 {
			return time.Hour
		}
		return o.EventTimeout
	case JobQueue:
		if o.JobTimeout <= 0 {
			return time.Hour
		}
		return o.JobTimeout
	default:
		return time.Hour
	}
}

// Engine is the NATS JetStream-backed substrate: the three queues and
// the KV store over one connection.
type Engine struct {
	opts   Options
	server *natsserver.Server
	conn   *nats.Conn
	js     nats.JetStreamContext
	kv     nats.KeyValue
}

// NewEngine connects to NATS (or boots an embedded server when
// opts.Embedded), ensures the stream and KV bucket exist, and returns
// a ready Engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Stream == "" {
		opts.Stream = "PYPELINES"
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = "pypelines"
	}
	if opts.KVBucket == "" {
		opts.KVBucket = "pypelines_kv"
	}

	e := &Engine{opts: opts}

	if opts.Embedded {
		srv, err := natsserver.NewServer(&natsserver.Options{Port: -1, JetStream: true})
		if err != nil {
			return nil, fmt.Errorf("substrate: failed to start embedded nats: %w", err)
		}
		go srv.Start()
		if !srv.ReadyForConnections(5 * time.Second) {
			return nil, fmt.Errorf("substrate: embedded nats failed to start")
		}
		e.server = srv
		e.opts.URL = fmt.Sprintf("nats://%s", srv.Addr().String())
	}

	conn, err := nats.Connect(e.opts.URL)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("substrate: failed to connect to nats: %w", err)
	}
	e.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("substrate: failed to init jetstream: %w", err)
	}
	e.js = js

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      opts.Stream,
		Subjects:  []string{fmt.Sprintf("%s.>", opts.SubjectPrefix)},
		Storage:   nats.FileStorage,
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		e.Close()
		return nil, fmt.Errorf("substrate: failed to create stream: %w", err)
	}

	kv, err := js.KeyValue(opts.KVBucket)
	if err == nats.ErrBucketNotFound {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: opts.KVBucket})
	}
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("substrate: failed to open kv bucket: %w", err)
	}
	e.kv = kv

	return e, nil
}

// NewEmbeddedEngineForTests boots an embedded NATS/JetStream server and
// connects an Engine to it, for use in package tests.
func NewEmbeddedEngineForTests() (*Engine, error) {
	serverOpts := natsserver_test.DefaultTestOptions
	serverOpts.Port = -1
	serverOpts.JetStream = true
	storeDir, err := os.MkdirTemp("", "pypelines-nats-")
	if err != nil {
		return nil, err
	}
	serverOpts.StoreDir = storeDir
	srv := natsserver_test.RunServer(&serverOpts)

	opts := Options{
		URL:           srv.ClientURL(),
		Stream:        "PYPELINES_TEST",
		SubjectPrefix: "pypelines-test",
		KVBucket:      "pypelines_test_kv",
	}
	e, err := NewEngine(opts)
	if err != nil {
		srv.Shutdown()
		return nil, err
	}
	e.server = srv
	return e, nil
}

func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.conn != nil {
		e.conn.Drain()
		e.conn.Close()
	}
	if e.server != nil {
		e.server.Shutdown()
	}
}

// Enqueue publishes one task payload onto the named queue.
func (e *Engine) Enqueue(ctx context.Context, q Queue, payload []byte) error {
	_, err := e.js.Publish(e.opts.subject(q), payload)
	return err
}

// EnqueueJSON marshals value and enqueues it.
func (e *Engine) EnqueueJSON(ctx context.Context, q Queue, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return e.Enqueue(ctx, q, data)
}

// Consume starts a pull-subscription on q and, for every fetched
// message, acks it immediately and hands its payload to handler on its
// own goroutine. This matches the queues' at-least-once, no-retry
// contract: the coordinator's worker functions own their own error
// handling (logging, not requeueing), so acking on receipt rather than
// on handler completion is correct, and it lets an emitter handler
// block forever without holding its message unacked for the life of
// the process. Consume blocks until ctx is cancelled.
func (e *Engine) Consume(ctx context.Context, q Queue, handler func(ctx context.Context, payload []byte)) error {
	consumerName := fmt.Sprintf("%s-consumer", q)
	_ = e.js.DeleteConsumer(e.opts.Stream, consumerName)

	sub, err := e.js.PullSubscribe(
		e.opts.subject(q),
		consumerName,
		nats.AckExplicit(),
		nats.ManualAck(),
		nats.DeliverAll(),
		nats.AckWait(e.opts.timeoutFor(q)),
	)
	if err != nil {
		return fmt.Errorf("substrate: pull subscribe on %q failed: %w", q, err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		fetchCtx, cancelFetch := context.WithTimeout(ctx, 2*time.Second)
		msgs, err := sub.Fetch(1, nats.Context(fetchCtx))
		cancelFetch()
		if err != nil {
			if err == nats.ErrTimeout || err == context.DeadlineExceeded {
				continue
			}
			if err == context.Canceled {
				return ctx.Err()
			}
			return fmt.Errorf("substrate: fetch on %q failed: %w", q, err)
		}

		for _, msg := range msgs {
			if err := msg.Ack(); err != nil {
				continue
			}
			go handler(ctx, msg.Data)
		}
	}
}
