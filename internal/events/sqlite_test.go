package events

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/sessiond/pkg/models"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	events := []*models.Event{
		{
			ID:     1,
			Source: models.SourceUser,
			Action: &models.Action{Kind: models.ActionMessage, Content: "fix the bug"},
		},
		{
			ID:     2,
			Source: models.SourceAgent,
			Action: &models.Action{
				Kind:    models.ActionRunCommand,
				Command: "go test ./...",
				ToolCall: &models.ToolCallRecord{
					ResponseID: "resp-1",
					ToolCallID: "call-1",
					ToolName:   "execute_bash",
					Response: models.ModelResponseSnapshot{
						ToolCalls: []models.ToolCall{{ID: "call-1", Name: "execute_bash"}},
					},
				},
			},
		},
		{
			ID:     3,
			Source: models.SourceEnvironment,
			Cause:  2,
			Observation: &models.Observation{
				Kind:     models.ObservationCommandOutput,
				Content:  "ok",
				ExitCode: 0,
			},
		},
	}
	for _, e := range events {
		if err := store.Append(ctx, "s1", e); err != nil {
			t.Fatalf("Append %d: %v", e.ID, err)
		}
	}

	got, err := store.Read(ctx, "s1", 1, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Read returned %d events, want 3", len(got))
	}
	if got[1].Action == nil || got[1].Action.ToolCall == nil {
		t.Fatal("tool call record lost in round trip")
	}
	if got[1].Action.ToolCall.ResponseID != "resp-1" {
		t.Errorf("ResponseID = %q", got[1].Action.ToolCall.ResponseID)
	}
	if got[2].Cause != 2 {
		t.Errorf("Cause = %d, want 2", got[2].Cause)
	}

	last, err := store.LastID(ctx, "s1")
	if err != nil {
		t.Fatalf("LastID: %v", err)
	}
	if last != 3 {
		t.Errorf("LastID = %d, want 3", last)
	}
}

func TestSQLiteStoreSessionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	e := &models.Event{
		ID:     1,
		Source: models.SourceUser,
		Action: &models.Action{Kind: models.ActionMessage, Content: "only in s1"},
	}
	if err := store.Append(ctx, "s1", e); err != nil {
		t.Fatalf("Append: %v", err)
	}

	other, err := store.Read(ctx, "s2", 1, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("s2 sees %d events from s1", len(other))
	}

	last, err := store.LastID(ctx, "s2")
	if err != nil {
		t.Fatalf("LastID: %v", err)
	}
	if last != 0 {
		t.Errorf("empty session LastID = %d, want 0", last)
	}
}

func TestSQLiteStoreDuplicateIDRejected(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	e := &models.Event{
		ID:     1,
		Source: models.SourceUser,
		Action: &models.Action{Kind: models.ActionMessage, Content: "x"},
	}
	if err := store.Append(ctx, "s1", e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Append(ctx, "s1", e); err == nil {
		t.Error("duplicate id accepted")
	}
}
