package runtime

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/sessiond/pkg/models"
)

func connectedRuntime(t *testing.T) *Local {
	t.Helper()
	r := NewLocal(Config{WorkDir: t.TempDir()})
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func execute(t *testing.T, r *Local, action *models.Action) *models.Observation {
	t.Helper()
	result, err := r.Execute(context.Background(), &models.Event{
		ID: 1, Source: models.SourceAgent, Action: action,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Cause != 1 {
		t.Errorf("observation Cause = %d, want 1", result.Cause)
	}
	return result.Observation
}

func TestRunCommand(t *testing.T) {
	r := connectedRuntime(t)

	obs := execute(t, r, &models.Action{Kind: models.ActionRunCommand, Command: "echo hello"})
	if obs.Kind != models.ObservationCommandOutput {
		t.Fatalf("Kind = %s", obs.Kind)
	}
	if strings.TrimSpace(obs.Content) != "hello" {
		t.Errorf("Content = %q", obs.Content)
	}
	if obs.ExitCode != 0 || obs.IsError {
		t.Errorf("ExitCode = %d, IsError = %v", obs.ExitCode, obs.IsError)
	}
}

func TestRunCommandNonZeroExit(t *testing.T) {
	r := connectedRuntime(t)

	obs := execute(t, r, &models.Action{Kind: models.ActionRunCommand, Command: "exit 3"})
	if obs.ExitCode != 3 || !obs.IsError {
		t.Errorf("ExitCode = %d, IsError = %v; want 3, true", obs.ExitCode, obs.IsError)
	}
}

func TestFileLifecycle(t *testing.T) {
	r := connectedRuntime(t)

	obs := execute(t, r, &models.Action{
		Kind: models.ActionWriteFile, Path: "notes/todo.txt", NewText: "first draft",
	})
	if obs.Kind != models.ObservationFileWrite {
		t.Fatalf("write Kind = %s: %s", obs.Kind, obs.Content)
	}

	obs = execute(t, r, &models.Action{
		Kind: models.ActionEditFile, Path: "notes/todo.txt",
		OldText: "first", NewText: "second",
	})
	if obs.Kind != models.ObservationFileEdit {
		t.Fatalf("edit Kind = %s: %s", obs.Kind, obs.Content)
	}

	obs = execute(t, r, &models.Action{Kind: models.ActionReadFile, Path: "notes/todo.txt"})
	if obs.Kind != models.ObservationFileRead || obs.Content != "second draft" {
		t.Errorf("read = %s %q", obs.Kind, obs.Content)
	}
}

func TestEditRequiresUniqueFragment(t *testing.T) {
	r := connectedRuntime(t)
	path := filepath.Join(r.WorkDir(), "dup.txt")
	if err := os.WriteFile(path, []byte("aa aa"), 0o644); err != nil {
		t.Fatal(err)
	}

	obs := execute(t, r, &models.Action{
		Kind: models.ActionEditFile, Path: "dup.txt", OldText: "aa", NewText: "bb",
	})
	if !obs.IsError || !strings.Contains(obs.Content, "more than once") {
		t.Errorf("obs = %+v", obs)
	}

	obs = execute(t, r, &models.Action{
		Kind: models.ActionEditFile, Path: "dup.txt", OldText: "zz", NewText: "bb",
	})
	if !obs.IsError || !strings.Contains(obs.Content, "not found") {
		t.Errorf("obs = %+v", obs)
	}
}

func TestPathEscapeRejected(t *testing.T) {
	r := connectedRuntime(t)

	for _, path := range []string{"../outside.txt", "/etc/passwd", "a/../../escape"} {
		obs := execute(t, r, &models.Action{Kind: models.ActionReadFile, Path: path})
		if !obs.IsError || !strings.Contains(obs.Content, "escapes the workspace") {
			t.Errorf("path %q: obs = %+v", path, obs)
		}
	}
}

func TestUnsupportedActions(t *testing.T) {
	r := connectedRuntime(t)

	for _, kind := range []models.ActionKind{
		models.ActionBrowseURL, models.ActionRunCodeCell, models.ActionDelegate,
	} {
		obs := execute(t, r, &models.Action{Kind: kind})
		if obs.Kind != models.ObservationError || !obs.IsError {
			t.Errorf("kind %s: obs = %+v", kind, obs)
		}
	}
}

func TestThinkAndMessage(t *testing.T) {
	r := connectedRuntime(t)

	obs := execute(t, r, &models.Action{Kind: models.ActionThink, Thought: "hmm"})
	if obs.Kind != models.ObservationThink {
		t.Errorf("think obs = %+v", obs)
	}

	obs = execute(t, r, &models.Action{Kind: models.ActionMessage, Content: "hi"})
	if obs.Kind != models.ObservationNull {
		t.Errorf("message obs = %+v", obs)
	}
}

func TestExecuteBeforeConnect(t *testing.T) {
	r := NewLocal(Config{WorkDir: t.TempDir()})
	_, err := r.Execute(context.Background(), &models.Event{
		ID: 1, Source: models.SourceAgent,
		Action: &models.Action{Kind: models.ActionThink},
	})
	if err == nil {
		t.Error("Execute before Connect succeeded")
	}
}
