package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/sessiond/internal/observability"
	"github.com/haasonsaas/sessiond/pkg/models"
)

// Subscriber receives every appended event, in append order.
type Subscriber func(models.Event)

// Log is the append-only event log for one session. Appends are synchronous
// with respect to persistence: when Append returns nil the event is durable
// and its id is final. Subscriber callbacks run on a dedicated dispatch
// goroutine so a slow subscriber never blocks an append.
type Log struct {
	sessionID string
	store     Store
	logger    *observability.Logger
	metrics   *observability.Metrics

	mu          sync.Mutex
	nextID      int64
	subscribers map[string]Subscriber
	closed      bool

	dispatchMu   sync.Mutex
	dispatchCond *sync.Cond
	pending      []dispatchItem
	dispatchDone chan struct{}
	stopped      bool
}

type dispatchItem struct {
	event models.Event
	subs  []Subscriber
}

// LogOption configures a Log.
type LogOption func(*Log)

// WithLogger sets the structured logger.
func WithLogger(logger *observability.Logger) LogOption {
	return func(l *Log) { l.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) LogOption {
	return func(l *Log) { l.metrics = m }
}

// NewLog opens the event log for a session, resuming id assignment after the
// highest persisted id.
func NewLog(ctx context.Context, sessionID string, store Store, opts ...LogOption) (*Log, error) {
	last, err := store.LastID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("reading last event id: %w", err)
	}

	l := &Log{
		sessionID:    sessionID,
		store:        store,
		nextID:       last + 1,
		subscribers:  make(map[string]Subscriber),
		dispatchDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = observability.NewNopLogger()
	}
	l.dispatchCond = sync.NewCond(&l.dispatchMu)

	go l.dispatchLoop()
	return l, nil
}

// SessionID returns the session this log belongs to.
func (l *Log) SessionID() string { return l.sessionID }

// Append validates the event, assigns the next id, persists it, and queues
// it for subscriber dispatch. On persistence failure the id is not consumed
// and the returned error wraps ErrDurability.
func (l *Log) Append(ctx context.Context, event *models.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLogClosed
	}

	if event.Cause != 0 && event.Cause >= l.nextID {
		return fmt.Errorf("%w: cause %d does not precede event", models.ErrMalformedEvent, event.Cause)
	}

	event.ID = l.nextID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if err := l.store.Append(ctx, l.sessionID, event); err != nil {
		event.ID = 0
		return fmt.Errorf("%w: %w", ErrDurability, err)
	}
	l.nextID++

	if l.metrics != nil {
		l.metrics.EventsAppended.WithLabelValues(string(event.Source)).Inc()
	}
	l.logger.Debug(ctx, "event appended",
		"event_id", event.ID, "source", string(event.Source))

	subs := make([]Subscriber, 0, len(l.subscribers))
	for _, fn := range l.subscribers {
		subs = append(subs, fn)
	}
	l.enqueue(dispatchItem{event: *event, subs: subs})
	return nil
}

// Subscribe registers a callback under an id. Subscribing twice with the
// same id replaces the previous callback; the subscriber never receives an
// event twice.
func (l *Log) Subscribe(id string, fn Subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers[id] = fn
}

// Unsubscribe removes a subscriber. Unknown ids are a no-op.
func (l *Log) Unsubscribe(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subscribers, id)
}

// Events returns persisted events with start <= id <= end in id order.
// An end of 0 means no upper bound.
func (l *Log) Events(ctx context.Context, start, end int64) ([]models.Event, error) {
	return l.store.Read(ctx, l.sessionID, start, end)
}

// LastID returns the highest assigned event id, 0 when the log is empty.
func (l *Log) LastID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextID - 1
}

// Close stops accepting appends, waits for queued subscriber dispatches to
// drain, and releases the dispatch goroutine. The store is not closed; it
// may be shared across sessions.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.dispatchMu.Lock()
	l.stopped = true
	l.dispatchCond.Signal()
	l.dispatchMu.Unlock()

	<-l.dispatchDone
	return nil
}

func (l *Log) enqueue(item dispatchItem) {
	l.dispatchMu.Lock()
	l.pending = append(l.pending, item)
	l.dispatchCond.Signal()
	l.dispatchMu.Unlock()
}

// dispatchLoop delivers events to subscribers in append order. It drains the
// pending queue before exiting on close.
func (l *Log) dispatchLoop() {
	defer close(l.dispatchDone)
	for {
		l.dispatchMu.Lock()
		for len(l.pending) == 0 && !l.stopped {
			l.dispatchCond.Wait()
		}
		if len(l.pending) == 0 && l.stopped {
			l.dispatchMu.Unlock()
			return
		}
		batch := l.pending
		l.pending = nil
		l.dispatchMu.Unlock()

		for _, item := range batch {
			for _, fn := range item.subs {
				fn(item.event)
			}
		}
	}
}
