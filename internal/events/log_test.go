package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/sessiond/pkg/models"
)

func userMessage(text string) *models.Event {
	return &models.Event{
		Source: models.SourceUser,
		Action: &models.Action{Kind: models.ActionMessage, Content: text},
	}
}

func TestLogAssignsMonotonicIDs(t *testing.T) {
	ctx := context.Background()
	log, err := NewLog(ctx, "s1", NewMemoryStore())
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	defer log.Close()

	for i := 1; i <= 3; i++ {
		e := userMessage("hello")
		if err := log.Append(ctx, e); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if e.ID != int64(i) {
			t.Errorf("event %d: got id %d", i, e.ID)
		}
		if e.Timestamp.IsZero() {
			t.Errorf("event %d: timestamp not set", i)
		}
	}
	if got := log.LastID(); got != 3 {
		t.Errorf("LastID = %d, want 3", got)
	}
}

func TestLogResumesAfterLastID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	log, err := NewLog(ctx, "s1", store)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := log.Append(ctx, userMessage("x")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	log.Close()

	reopened, err := NewLog(ctx, "s1", store)
	if err != nil {
		t.Fatalf("NewLog reopen: %v", err)
	}
	defer reopened.Close()

	e := userMessage("after restart")
	if err := reopened.Append(ctx, e); err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if e.ID != 6 {
		t.Errorf("resumed id = %d, want 6", e.ID)
	}
}

func TestLogRejectsMalformedEvents(t *testing.T) {
	ctx := context.Background()
	log, err := NewLog(ctx, "s1", NewMemoryStore())
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	defer log.Close()

	tests := []struct {
		name  string
		event *models.Event
	}{
		{
			name:  "neither action nor observation",
			event: &models.Event{Source: models.SourceUser},
		},
		{
			name: "both action and observation",
			event: &models.Event{
				Source:      models.SourceAgent,
				Action:      &models.Action{Kind: models.ActionMessage},
				Observation: &models.Observation{Kind: models.ObservationNull},
			},
		},
		{
			name: "unknown source",
			event: &models.Event{
				Source: "ghost",
				Action: &models.Action{Kind: models.ActionMessage},
			},
		},
		{
			name: "cause references the future",
			event: &models.Event{
				Source:      models.SourceEnvironment,
				Cause:       99,
				Observation: &models.Observation{Kind: models.ObservationNull},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := log.Append(ctx, tt.event)
			if !errors.Is(err, models.ErrMalformedEvent) {
				t.Errorf("Append error = %v, want ErrMalformedEvent", err)
			}
		})
	}

	if got := log.LastID(); got != 0 {
		t.Errorf("rejected events consumed ids: LastID = %d", got)
	}
}

type failingStore struct {
	*MemoryStore
	failNext bool
}

func (s *failingStore) Append(ctx context.Context, sessionID string, event *models.Event) error {
	if s.failNext {
		s.failNext = false
		return errors.New("disk full")
	}
	return s.MemoryStore.Append(ctx, sessionID, event)
}

func TestLogDurabilityFailureDoesNotConsumeID(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: NewMemoryStore()}
	log, err := NewLog(ctx, "s1", store)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	defer log.Close()

	if err := log.Append(ctx, userMessage("first")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	store.failNext = true
	err = log.Append(ctx, userMessage("lost"))
	if !errors.Is(err, ErrDurability) {
		t.Fatalf("Append error = %v, want ErrDurability", err)
	}

	e := userMessage("second")
	if err := log.Append(ctx, e); err != nil {
		t.Fatalf("Append after failure: %v", err)
	}
	if e.ID != 2 {
		t.Errorf("id after failed append = %d, want 2", e.ID)
	}
}

func TestLogSubscribeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	log, err := NewLog(ctx, "s1", NewMemoryStore())
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}

	var mu sync.Mutex
	var received []int64
	for i := 0; i < 3; i++ {
		log.Subscribe("watcher", func(e models.Event) {
			mu.Lock()
			received = append(received, e.ID)
			mu.Unlock()
		})
	}

	for i := 0; i < 4; i++ {
		if err := log.Append(ctx, userMessage("x")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	log.Close() // drains dispatch

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 4 {
		t.Fatalf("received %d events, want 4: %v", len(received), received)
	}
	for i, id := range received {
		if id != int64(i+1) {
			t.Errorf("received[%d] = %d, want %d", i, id, i+1)
		}
	}
}

func TestLogSlowSubscriberDoesNotBlockAppend(t *testing.T) {
	ctx := context.Background()
	log, err := NewLog(ctx, "s1", NewMemoryStore())
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}

	release := make(chan struct{})
	log.Subscribe("slow", func(e models.Event) {
		<-release
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			if err := log.Append(ctx, userMessage("x")); err != nil {
				t.Errorf("Append: %v", err)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("appends blocked behind slow subscriber")
	}

	close(release)
	log.Close()
}

func TestLogReadRange(t *testing.T) {
	ctx := context.Background()
	log, err := NewLog(ctx, "s1", NewMemoryStore())
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	defer log.Close()

	for i := 0; i < 5; i++ {
		if err := log.Append(ctx, userMessage("x")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := log.Events(ctx, 2, 4)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(got) != 3 || got[0].ID != 2 || got[2].ID != 4 {
		t.Errorf("Events(2, 4) ids = %v", eventIDs(got))
	}

	all, err := log.Events(ctx, 1, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(all) != 5 {
		t.Errorf("Events(1, 0) returned %d events, want 5", len(all))
	}
}

func TestLogAppendAfterClose(t *testing.T) {
	ctx := context.Background()
	log, err := NewLog(ctx, "s1", NewMemoryStore())
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	log.Close()

	if err := log.Append(ctx, userMessage("late")); !errors.Is(err, ErrLogClosed) {
		t.Errorf("Append after close = %v, want ErrLogClosed", err)
	}
}

func eventIDs(events []models.Event) []int64 {
	ids := make([]int64, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	return ids
}
