// Package events implements the append-only per-session event log: durable
// storage, monotonic id assignment, and asynchronous subscriber dispatch.
package events

import (
	"context"
	"errors"

	"github.com/haasonsaas/sessiond/pkg/models"
)

// ErrDurability is returned when an event could not be persisted. The event
// is not part of the log and its id is not consumed.
var ErrDurability = errors.New("event persistence failed")

// ErrLogClosed is returned by operations on a closed log.
var ErrLogClosed = errors.New("event log closed")

// Store persists events for sessions. Implementations must keep events
// ordered by id within a session and must not mutate stored events.
type Store interface {
	// Append persists one event. The caller has already assigned its id.
	Append(ctx context.Context, sessionID string, event *models.Event) error

	// Read returns events with start <= id <= end, in id order. An end of 0
	// means no upper bound.
	Read(ctx context.Context, sessionID string, start, end int64) ([]models.Event, error)

	// LastID returns the highest event id for the session, 0 when empty.
	LastID(ctx context.Context, sessionID string) (int64, error)

	Close() error
}
