package app

import (
	"context"

	"github.com/gsunapoleonchen/kong/internal/domain"
)

// The log-phase snapshot travels with the deferred task's context, so the
// PDK dispatcher can recover the request-time state from any call that
// originates inside the deferred conversation. The association exists only
// for the task's lifetime; nothing is stored globally.
type logSnapshotKey struct{}

// ContextWithLogSnapshot attaches a request-state snapshot to a deferred
// log task's context.
func ContextWithLogSnapshot(ctx context.Context, snapshot *domain.LogSnapshot) context.Context {
	return context.WithValue(ctx, logSnapshotKey{}, snapshot)
}

// LogSnapshotFromContext recovers the snapshot inside a deferred log task.
// It reports false outside one.
func LogSnapshotFromContext(ctx context.Context) (*domain.LogSnapshot, bool) {
	snapshot, ok := ctx.Value(logSnapshotKey{}).(*domain.LogSnapshot)
	return snapshot, ok
}
