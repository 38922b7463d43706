// Package stuck detects repeating behavioral patterns in the trailing window
// of a session's event log and proposes a recovery point. Detection never
// mutates the log; recovery is a controller decision.
package stuck

import (
	"fmt"
	"strconv"

	"github.com/haasonsaas/sessiond/pkg/models"
)

// LoopType classifies the detected repetition.
type LoopType string

const (
	// LoopActionObservation is the same action producing the same
	// observation over and over.
	LoopActionObservation LoopType = "action_observation"

	// LoopMonologue is the agent repeating itself in thinks or messages
	// without acting.
	LoopMonologue LoopType = "monologue"

	// LoopRepeatedError is the same action failing the same way repeatedly.
	LoopRepeatedError LoopType = "repeated_error"
)

// Boundary selects where the suggested recovery point sits relative to the
// detected pattern.
type Boundary string

const (
	// BoundaryLoopStart recovers to just before the repeating pattern began.
	BoundaryLoopStart Boundary = "loop_start"

	// BoundarySecondPeriod keeps the first period visible and recovers to
	// just before the second period began.
	BoundarySecondPeriod Boundary = "second_period"
)

// Config tunes detection.
type Config struct {
	// WindowSize bounds how many trailing events are considered.
	WindowSize int

	// MinRepeats is the minimum number of full periods required for a
	// detection. Values below 2 are raised to 2.
	MinRepeats int

	// Boundary selects the recovery point. Defaults to BoundaryLoopStart.
	Boundary Boundary
}

// DefaultConfig returns the production detection settings.
func DefaultConfig() Config {
	return Config{
		WindowSize: 20,
		MinRepeats: 2,
		Boundary:   BoundaryLoopStart,
	}
}

// Result is the outcome of one analysis pass.
type Result struct {
	Detected bool
	LoopType LoopType

	// Period is the length k of the repeating block, in comparison items.
	Period int
	// Repeats is how many full periods repeat verbatim at the window tail.
	Repeats int
	// Confidence is the fraction of the comparison window the repeating
	// pattern covers, in (0, 1].
	Confidence float64

	// RecoveryIndex is the id of the last event before the recovery
	// boundary. Narrowing the visible window to end at this id removes the
	// loop from the conversation.
	RecoveryIndex int64
}

// Detector finds the smallest period k such that at least MinRepeats full
// periods of length k repeat verbatim at the end of the window.
type Detector struct {
	cfg Config
}

// New creates a detector, normalizing zero config fields to defaults.
func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MinRepeats < 2 {
		cfg.MinRepeats = def.MinRepeats
	}
	if cfg.Boundary == "" {
		cfg.Boundary = def.Boundary
	}
	return &Detector{cfg: cfg}
}

// item is one comparable unit of agent behavior.
type item struct {
	key     string
	eventID int64
	// index into the analyzed window, for locating the preceding event
	windowIdx int
	isThought bool
	isError   bool
}

// Analyze inspects the trailing events. Only events after the most recent
// user message are considered: fresh user input breaks a loop by definition.
func (d *Detector) Analyze(events []models.Event) Result {
	if len(events) > d.cfg.WindowSize {
		events = events[len(events)-d.cfg.WindowSize:]
	}

	// Fresh user input resets the analysis.
	start := 0
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Source == models.SourceUser && events[i].Action != nil {
			start = i + 1
			break
		}
	}
	window := events[start:]

	items := comparisonItems(window)
	n := len(items)
	if n < 2 {
		return Result{}
	}

	bestPeriod, bestRepeats := 0, 0
	for k := 1; k <= n/2; k++ {
		r := trailingRepeats(items, k)
		if r < d.cfg.MinRepeats {
			continue
		}
		// Highest repeat count wins; among equals, the smallest period.
		if r > bestRepeats || (r == bestRepeats && (bestPeriod == 0 || k < bestPeriod)) {
			bestPeriod, bestRepeats = k, r
		}
	}
	if bestPeriod == 0 {
		return Result{}
	}

	patternStart := n - bestRepeats*bestPeriod
	boundaryItem := patternStart
	if d.cfg.Boundary == BoundarySecondPeriod {
		boundaryItem = patternStart + bestPeriod
	}

	return Result{
		Detected:      true,
		LoopType:      classify(items[patternStart:]),
		Period:        bestPeriod,
		Repeats:       bestRepeats,
		Confidence:    float64(bestRepeats*bestPeriod) / float64(n),
		RecoveryIndex: recoveryID(window, items, boundaryItem),
	}
}

// trailingRepeats counts how many times the final k-block repeats verbatim
// at the end of items.
func trailingRepeats(items []item, k int) int {
	n := len(items)
	repeats := 1
	for start := n - 2*k; start >= 0; start -= k {
		// Every candidate period must match the final block verbatim.
		if !blocksEqual(items, start, n-k, k) {
			break
		}
		repeats++
	}
	return repeats
}

func blocksEqual(items []item, a, b, k int) bool {
	for i := 0; i < k; i++ {
		if items[a+i].key != items[b+i].key {
			return false
		}
	}
	return true
}

// classify inspects the repeating pattern.
func classify(pattern []item) LoopType {
	allThought := true
	errorSeen := false
	errorOnly := true
	for _, it := range pattern {
		if !it.isThought {
			allThought = false
		}
		if it.key[:4] == "obs:" {
			if it.isError {
				errorSeen = true
			} else {
				errorOnly = false
			}
		}
	}
	switch {
	case allThought:
		return LoopMonologue
	case errorSeen && errorOnly:
		return LoopRepeatedError
	default:
		return LoopActionObservation
	}
}

// recoveryID returns the id of the event preceding the boundary item.
func recoveryID(window []models.Event, items []item, boundaryItem int) int64 {
	idx := items[boundaryItem].windowIdx
	if idx == 0 {
		return window[0].ID - 1
	}
	return window[idx-1].ID
}

// comparisonItems reduces events to comparable keys. Null observations and
// session-control events carry no behavioral signal and are skipped.
func comparisonItems(window []models.Event) []item {
	var items []item
	for i := range window {
		e := &window[i]
		switch {
		case e.Action != nil:
			key, thought, ok := actionKey(e.Action)
			if !ok {
				continue
			}
			items = append(items, item{
				key: key, eventID: e.ID, windowIdx: i, isThought: thought,
			})
		case e.Observation != nil:
			if e.Observation.Kind == models.ObservationNull {
				continue
			}
			items = append(items, item{
				key:       observationKey(e.Observation),
				eventID:   e.ID,
				windowIdx: i,
				isError:   e.Observation.IsError || e.Observation.Kind == models.ObservationError,
			})
		}
	}
	return items
}

func actionKey(a *models.Action) (key string, thought, ok bool) {
	switch a.Kind {
	case models.ActionRunCommand:
		return "act:cmd:" + a.Command, false, true
	case models.ActionRunCodeCell:
		return "act:code:" + a.Code, false, true
	case models.ActionThink:
		return "act:think:" + a.Thought + a.Content, true, true
	case models.ActionMessage:
		return "act:say:" + a.Content, true, true
	case models.ActionReadFile:
		return "act:read:" + a.Path, false, true
	case models.ActionWriteFile:
		return "act:write:" + a.Path + "\x00" + a.NewText, false, true
	case models.ActionEditFile:
		return "act:edit:" + a.Path + "\x00" + a.OldText + "\x00" + a.NewText, false, true
	case models.ActionBrowseURL, models.ActionBrowseInteractive:
		return "act:browse:" + a.URL + a.Content, false, true
	case models.ActionCallTool, models.ActionDelegate:
		return "act:tool:" + a.ToolName + "\x00" + string(a.Arguments), false, true
	default:
		// finish and stop end the session; they cannot repeat.
		return "", false, false
	}
}

// observationKey bounds content so huge outputs stay cheap to compare.
func observationKey(o *models.Observation) string {
	content := o.Content
	if len(content) > 1000 {
		content = content[:1000]
	}
	return fmt.Sprintf("obs:%s:%s:%s", o.Kind, strconv.Itoa(o.ExitCode), content)
}
