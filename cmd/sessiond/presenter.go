package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/haasonsaas/sessiond/internal/controller"
	"github.com/haasonsaas/sessiond/pkg/models"
)

// consolePresenter renders events and state changes to the terminal. It only
// observes; all user input flows back through the controller's input methods.
type consolePresenter struct {
	out  io.Writer
	ctrl *controller.Controller
}

func (p *consolePresenter) OnEvent(event models.Event) {
	if event.Action != nil {
		p.printAction(&event)
		return
	}
	p.printObservation(&event)
}

func (p *consolePresenter) printAction(event *models.Event) {
	a := event.Action
	switch a.Kind {
	case models.ActionMessage:
		if event.Source == models.SourceUser {
			return // the user just typed it
		}
		fmt.Fprintf(p.out, "agent> %s\n", a.Content)
	case models.ActionRunCommand:
		fmt.Fprintf(p.out, "$ %s\n", a.Command)
	case models.ActionRunCodeCell:
		fmt.Fprintf(p.out, ">>> %s\n", indentContinuation(a.Code))
	case models.ActionReadFile:
		fmt.Fprintf(p.out, "[read %s]\n", a.Path)
	case models.ActionWriteFile:
		fmt.Fprintf(p.out, "[write %s]\n", a.Path)
	case models.ActionEditFile:
		fmt.Fprintf(p.out, "[edit %s]\n", a.Path)
	case models.ActionBrowseURL, models.ActionBrowseInteractive:
		fmt.Fprintf(p.out, "[browse %s%s]\n", a.URL, a.Content)
	case models.ActionThink:
		fmt.Fprintf(p.out, "(thinking) %s\n", a.Thought)
	case models.ActionFinish:
		fmt.Fprintf(p.out, "agent> %s\n", a.Content)
	case models.ActionStop:
		fmt.Fprintln(p.out, "[session stopped by user]")
	case models.ActionDelegate:
		fmt.Fprintf(p.out, "[delegate to %s]\n", a.ToolName)
	}
}

func (p *consolePresenter) printObservation(event *models.Event) {
	obs := event.Observation
	switch obs.Kind {
	case models.ObservationNull, models.ObservationThink:
		return
	case models.ObservationError:
		fmt.Fprintf(p.out, "error: %s\n", clip(obs.Content, 2000))
	case models.ObservationUserReject:
		fmt.Fprintln(p.out, "[action rejected]")
	default:
		fmt.Fprintln(p.out, clip(obs.Content, 2000))
	}
}

func (p *consolePresenter) OnStateChange(from, to models.SessionState, lastError string) {
	switch to {
	case models.StateAwaitingUserInput:
		fmt.Fprint(p.out, "You: ")
	case models.StateAwaitingUserConfirmation:
		fmt.Fprint(p.out, "Approve this action? [y/n] ")
	case models.StatePaused:
		if p.ctrl != nil {
			if loop := p.ctrl.PendingLoop(); loop != nil {
				fmt.Fprintf(p.out,
					"Loop detected: %s, period %d repeated %d times.\n",
					loop.LoopType, loop.Period, loop.Repeats)
			}
		}
		fmt.Fprint(p.out, "Restart from before the loop, or stop? [restart/stop] ")
	case models.StateRateLimited:
		fmt.Fprintln(p.out, "[rate limited, backing off]")
	case models.StateError:
		fmt.Fprintf(p.out, "[session error: %s]\n", lastError)
	case models.StateFinished:
		fmt.Fprintln(p.out, "[session finished]")
	}
}

// clip bounds terminal output without touching what the model sees.
func clip(s string, max int) string {
	s = strings.TrimRight(s, "\n")
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[output clipped]"
}

// indentContinuation keeps multi-line code under the >>> prefix readable.
func indentContinuation(code string) string {
	return strings.ReplaceAll(strings.TrimRight(code, "\n"), "\n", "\n... ")
}
