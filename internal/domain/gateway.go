package domain

import (
	"context"
	"time"
)

// PDK dispatches platform development kit callbacks into the gateway on
// behalf of a plugin that is handling an event.
type PDK interface {
	Call(ctx context.Context, method string, args []any) (any, error)
}

// Deferrer schedules work to run after the current request's response has
// been delivered, with run-after-zero semantics.
type Deferrer interface {
	RunAfter(delay time.Duration, fn func(ctx context.Context))
}

// RequestState exposes the per-request data a log-phase plugin may still
// read after the response has been sent. Implemented by the gateway's
// request lifecycle; snapshotted by the phase adapter before deferring.
type RequestState interface {
	SerializedLog(ctx context.Context) (map[string]any, error)
	RequestContext(ctx context.Context) map[string]any
	SharedContext(ctx context.Context) map[string]any
}

// LogSnapshot is the request state captured at log-phase time and carried
// into the deferred task that drives the plugin.
type LogSnapshot struct {
	Serialized     map[string]any
	RequestContext map[string]any
	SharedContext  map[string]any
}
