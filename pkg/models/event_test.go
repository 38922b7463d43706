package models

import (
	"errors"
	"testing"
)

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{
			name: "valid action",
			event: Event{
				Source: SourceAgent,
				Action: &Action{Kind: ActionRunCommand, Command: "ls"},
			},
		},
		{
			name: "valid observation",
			event: Event{
				Source:      SourceEnvironment,
				Observation: &Observation{Kind: ObservationCommandOutput, Content: "ok"},
			},
		},
		{
			name:    "neither set",
			event:   Event{Source: SourceUser},
			wantErr: true,
		},
		{
			name: "both set",
			event: Event{
				Source:      SourceUser,
				Action:      &Action{Kind: ActionMessage},
				Observation: &Observation{Kind: ObservationNull},
			},
			wantErr: true,
		},
		{
			name: "unknown source",
			event: Event{
				Source: "webhook",
				Action: &Action{Kind: ActionMessage},
			},
			wantErr: true,
		},
		{
			name: "unknown action kind",
			event: Event{
				Source: SourceAgent,
				Action: &Action{Kind: "teleport"},
			},
			wantErr: true,
		},
		{
			name: "unknown observation kind",
			event: Event{
				Source:      SourceEnvironment,
				Observation: &Observation{Kind: "telemetry"},
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrMalformedEvent) {
				t.Errorf("error %v is not ErrMalformedEvent", err)
			}
		})
	}
}

func TestNeedsToolCallRecord(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  bool
	}{
		{
			name:  "agent command",
			event: Event{Source: SourceAgent, Action: &Action{Kind: ActionRunCommand}},
			want:  true,
		},
		{
			name:  "user command",
			event: Event{Source: SourceUser, Action: &Action{Kind: ActionRunCommand}},
			want:  false,
		},
		{
			name:  "file write",
			event: Event{Source: SourceAgent, Action: &Action{Kind: ActionWriteFile}},
			want:  true,
		},
		{
			name:  "plain message",
			event: Event{Source: SourceAgent, Action: &Action{Kind: ActionMessage}},
			want:  false,
		},
		{
			name:  "finish",
			event: Event{Source: SourceAgent, Action: &Action{Kind: ActionFinish}},
			want:  false,
		},
		{
			name:  "observation",
			event: Event{Source: SourceEnvironment, Observation: &Observation{Kind: ObservationNull}},
			want:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.event.NeedsToolCallRecord(); got != tt.want {
				t.Errorf("NeedsToolCallRecord() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTerminalAction(t *testing.T) {
	finish := Event{Source: SourceAgent, Action: &Action{Kind: ActionFinish}}
	stop := Event{Source: SourceUser, Action: &Action{Kind: ActionStop}}
	cmd := Event{Source: SourceAgent, Action: &Action{Kind: ActionRunCommand}}
	obs := Event{Source: SourceEnvironment, Observation: &Observation{Kind: ObservationNull}}

	if !finish.IsTerminalAction() || !stop.IsTerminalAction() {
		t.Error("finish and stop should be terminal")
	}
	if cmd.IsTerminalAction() || obs.IsTerminalAction() {
		t.Error("commands and observations are not terminal")
	}
}
