// Package runtime executes dispatched actions. The local runtime runs
// commands and file operations directly on the host, scoped to a workspace
// directory.
package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/sessiond/internal/observability"
	"github.com/haasonsaas/sessiond/pkg/models"
)

// ErrNotConnected is returned when Execute is called before Connect.
var ErrNotConnected = errors.New("runtime not connected")

// Local executes actions on the host filesystem and shell.
type Local struct {
	workDir   string
	logger    *observability.Logger
	connected bool
}

// Config configures the local runtime.
type Config struct {
	// WorkDir is the workspace root. Created on Connect if missing. File
	// paths are resolved inside it; escaping it is an error.
	WorkDir string

	Logger *observability.Logger
}

// NewLocal creates a local runtime rooted at the configured workspace.
func NewLocal(cfg Config) *Local {
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	return &Local{workDir: cfg.WorkDir, logger: cfg.Logger}
}

// Connect prepares the workspace directory.
func (r *Local) Connect(ctx context.Context) error {
	if r.workDir == "" {
		dir, err := os.MkdirTemp("", "sessiond-workspace-")
		if err != nil {
			return fmt.Errorf("creating workspace: %w", err)
		}
		r.workDir = dir
	} else if err := os.MkdirAll(r.workDir, 0o755); err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}

	abs, err := filepath.Abs(r.workDir)
	if err != nil {
		return fmt.Errorf("resolving workspace: %w", err)
	}
	r.workDir = abs
	r.connected = true
	r.logger.Info(ctx, "runtime connected", "work_dir", r.workDir)
	return nil
}

// Close releases the runtime. The workspace is left in place for inspection.
func (r *Local) Close() error {
	r.connected = false
	return nil
}

// WorkDir returns the workspace root, valid after Connect.
func (r *Local) WorkDir() string { return r.workDir }

// Execute dispatches one action and returns exactly one observation event
// with cause set to the action's id. Execution failures become error-flagged
// observations, not Go errors; the error return covers misuse only.
func (r *Local) Execute(ctx context.Context, event *models.Event) (*models.Event, error) {
	if !r.connected {
		return nil, ErrNotConnected
	}
	if event.Action == nil {
		return nil, fmt.Errorf("event %d carries no action", event.ID)
	}

	obs := r.execute(ctx, event.Action)
	return &models.Event{
		Source:      models.SourceEnvironment,
		Cause:       event.ID,
		Observation: obs,
	}, nil
}

func (r *Local) execute(ctx context.Context, action *models.Action) *models.Observation {
	switch action.Kind {
	case models.ActionRunCommand:
		return r.runCommand(ctx, action.Command)
	case models.ActionReadFile:
		return r.readFile(action.Path)
	case models.ActionWriteFile:
		return r.writeFile(action.Path, action.NewText)
	case models.ActionEditFile:
		return r.editFile(action.Path, action.OldText, action.NewText)
	case models.ActionThink:
		return &models.Observation{
			Kind:    models.ObservationThink,
			Content: "Your thought has been logged.",
		}
	case models.ActionMessage, models.ActionFinish, models.ActionStop:
		return &models.Observation{Kind: models.ObservationNull}
	case models.ActionBrowseURL, models.ActionBrowseInteractive,
		models.ActionRunCodeCell, models.ActionDelegate, models.ActionCallTool:
		return errorObservation(fmt.Sprintf("action %q is not supported by the local runtime", action.Kind))
	default:
		return errorObservation(fmt.Sprintf("unknown action kind %q", action.Kind))
	}
}

func (r *Local) runCommand(ctx context.Context, command string) *models.Observation {
	cmd := exec.CommandContext(ctx, "bash", "-lc", command)
	cmd.Dir = r.workDir

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	obs := &models.Observation{
		Kind:    models.ObservationCommandOutput,
		Content: output.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			obs.ExitCode = exitErr.ExitCode()
			obs.IsError = true
		case ctx.Err() != nil:
			return errorObservation(fmt.Sprintf("command interrupted: %v\n%s", ctx.Err(), output.String()))
		default:
			return errorObservation(fmt.Sprintf("command failed to start: %v", err))
		}
	}
	return obs
}

func (r *Local) readFile(path string) *models.Observation {
	resolved, err := r.resolve(path)
	if err != nil {
		return errorObservation(err.Error())
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return errorObservation(fmt.Sprintf("reading %s: %v", path, err))
	}
	return &models.Observation{Kind: models.ObservationFileRead, Content: string(data)}
}

func (r *Local) writeFile(path, content string) *models.Observation {
	resolved, err := r.resolve(path)
	if err != nil {
		return errorObservation(err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return errorObservation(fmt.Sprintf("creating parent directory for %s: %v", path, err))
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return errorObservation(fmt.Sprintf("writing %s: %v", path, err))
	}
	return &models.Observation{
		Kind:    models.ObservationFileWrite,
		Content: fmt.Sprintf("Wrote %d bytes to %s.", len(content), path),
	}
}

func (r *Local) editFile(path, oldText, newText string) *models.Observation {
	resolved, err := r.resolve(path)
	if err != nil {
		return errorObservation(err.Error())
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return errorObservation(fmt.Sprintf("reading %s: %v", path, err))
	}
	content := string(data)

	switch strings.Count(content, oldText) {
	case 0:
		return errorObservation(fmt.Sprintf("old_text not found in %s", path))
	case 1:
	default:
		return errorObservation(fmt.Sprintf("old_text occurs more than once in %s; provide a unique fragment", path))
	}

	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return errorObservation(fmt.Sprintf("writing %s: %v", path, err))
	}
	return &models.Observation{
		Kind:    models.ObservationFileEdit,
		Content: fmt.Sprintf("Edited %s.", path),
	}
}

// resolve maps a path into the workspace and rejects escapes.
func (r *Local) resolve(path string) (string, error) {
	if path == "" {
		return "", errors.New("path is empty")
	}
	joined := path
	if !filepath.IsAbs(joined) {
		joined = filepath.Join(r.workDir, path)
	}
	cleaned := filepath.Clean(joined)
	if cleaned != r.workDir && !strings.HasPrefix(cleaned, r.workDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes the workspace", path)
	}
	return cleaned, nil
}

func errorObservation(content string) *models.Observation {
	return &models.Observation{
		Kind:    models.ObservationError,
		Content: content,
		IsError: true,
	}
}
