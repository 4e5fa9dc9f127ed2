// Package emitter implements the three concrete event sources (limit,
// schedule, sse) behind one polymorphic contract.
package emitter

import "context"

// Event carries one produced EventArgs, or a terminal error. Events
// closes its channel after sending an Event with a non-nil Err; the
// coordinator logs it and the worker exits (spec's "EmitterFailure").
type Event struct {
	Args interface{}
	Err  error
}

// Emitter is the three-operation contract shared by every event
// source. Config and WorkerArgs are opaque to the coordinator — only
// the owning Emitter interprets their shape.
type Emitter interface {
	// Identity names this emitter for fingerprinting and for
	// reconstructing the concrete type from a queued task's type tag.
	Identity() string

	// WorkerConfig distills config down to the smallest identity that
	// uniquely names a worker loop. Two workflows whose configs yield
	// equal WorkerArgs share one worker. May fail with ConfigError.
	WorkerConfig(eventName string, config interface{}) (interface{}, error)

	// Events is a possibly-infinite, non-restartable producer. It
	// returns immediately with a channel; production happens on an
	// internal goroutine and stops when ctx is cancelled.
	Events(ctx context.Context, workerArgs interface{}) <-chan Event

	// Payload shapes an emitted EventArgs for one subscribed
	// workflow's config, or rejects it (NotSatisfiedError /
	// FilterRejectedError). The result becomes the value bound under
	// both the triggering event name and the "payload" alias in the
	// job DAG's initial environment — it need not be a map (see SSE,
	// whose stream may carry a bare string or scalar JSON value).
	Payload(config interface{}, eventArgs interface{}) (interface{}, error)
}
