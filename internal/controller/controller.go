// Package controller orchestrates a session: it owns the state machine,
// drives the step loop (ask agent, dispatch action, await observation,
// append), and mediates all error and recovery policy. It is the only writer
// to the session's event log and the only component that changes state.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/sessiond/internal/agent"
	"github.com/haasonsaas/sessiond/internal/backoff"
	"github.com/haasonsaas/sessiond/internal/conversation"
	"github.com/haasonsaas/sessiond/internal/events"
	"github.com/haasonsaas/sessiond/internal/observability"
	"github.com/haasonsaas/sessiond/internal/stuck"
	"github.com/haasonsaas/sessiond/pkg/models"
)

// Agent decides the next action from the assembled conversation.
type Agent interface {
	NextAction(ctx context.Context, messages []models.Message) (agent.Decision, error)
	SystemMessages() []models.Message
	// Reset drops queued actions after the visible window is narrowed.
	Reset()
}

// Runtime executes dispatched actions, producing exactly one observation per
// action with cause set to the action's id.
type Runtime interface {
	Connect(ctx context.Context) error
	Execute(ctx context.Context, event *models.Event) (*models.Event, error)
	Close() error
}

// Presenter receives event and state-change notifications. Purely
// observational; it writes back only through well-formed user inputs.
type Presenter interface {
	OnEvent(event models.Event)
	OnStateChange(from, to models.SessionState, lastError string)
}

// LoopDecision resolves a PAUSED session.
type LoopDecision int

const (
	// LoopRestart narrows the visible window to before the loop and resumes.
	LoopRestart LoopDecision = iota
	// LoopStop terminates the session.
	LoopStop
)

// Config tunes the controller.
type Config struct {
	// MaxIterations bounds the step loop. Default 50.
	MaxIterations int

	// MaxBudgetTokens bounds total LLM tokens consumed. Zero disables.
	MaxBudgetTokens int64

	// MaxMessageChars truncates long observations during assembly.
	// Default 30000.
	MaxMessageChars int

	// VisionEnabled passes image content through to the model.
	VisionEnabled bool

	// ActionTimeout bounds a single runtime dispatch. Default 120s.
	ActionTimeout time.Duration

	// ConfirmationMode gates mutating actions on explicit user approval.
	ConfirmationMode bool

	// StuckCheckInterval runs the loop detector every N iterations.
	// Default 1.
	StuckCheckInterval int

	// MaxRetries bounds LLM call retries for recoverable failures.
	// Default 3.
	MaxRetries int

	// Backoff shapes the retry delays.
	Backoff backoff.Policy

	// Unattended applies UnattendedLoopDecision instead of blocking when a
	// loop is detected.
	Unattended bool

	// UnattendedLoopDecision is the policy applied in unattended mode.
	UnattendedLoopDecision LoopDecision

	Detector *stuck.Detector
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

func (c *Config) applyDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 50
	}
	if c.MaxMessageChars == 0 {
		c.MaxMessageChars = 30000
	}
	if c.ActionTimeout == 0 {
		c.ActionTimeout = 120 * time.Second
	}
	if c.StuckCheckInterval == 0 {
		c.StuckCheckInterval = 1
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.Backoff == (backoff.Policy{}) {
		c.Backoff = backoff.DefaultPolicy()
	}
	if c.Detector == nil {
		c.Detector = stuck.New(stuck.DefaultConfig())
	}
	if c.Logger == nil {
		c.Logger = observability.NewNopLogger()
	}
}

// span is a closed id range hidden from the visible window.
type span struct{ from, to int64 }

// Controller drives one session. Run executes in a single goroutine; the
// input methods (SubmitUserMessage, Confirm, ResolveLoop, Stop) are safe to
// call from others.
type Controller struct {
	cfg       Config
	log       *events.Log
	agent     Agent
	runtime   Runtime
	presenter Presenter
	assembler *conversation.Assembler
	logger    *observability.Logger

	mu        sync.Mutex
	state     models.SessionState
	lastError string
	hidden    []span

	iteration  int
	tokensUsed int64

	// lastInputID is the id of the newest user message event; lastSeenID is
	// the newest event id included in a step's assembled conversation. Input
	// is fresh only when the agent has not seen it yet.
	lastInputID int64
	lastSeenID  int64

	// pendingConfirm is the appended action event awaiting user approval.
	pendingConfirm *models.Event
	// pendingLoop is the detection awaiting a recovery decision.
	pendingLoop *stuck.Result

	userInputCh  chan struct{}
	confirmCh    chan bool
	loopCh       chan LoopDecision
	stopCh       chan struct{}
	stopOnce     sync.Once
	cancelStep   context.CancelFunc
	cancelStepMu sync.Mutex
}

// New creates a controller over its collaborators.
func New(cfg Config, log *events.Log, ag Agent, rt Runtime, presenter Presenter) *Controller {
	cfg.applyDefaults()
	return &Controller{
		cfg:       cfg,
		log:       log,
		agent:     ag,
		runtime:   rt,
		presenter: presenter,
		assembler: conversation.New(conversation.Options{
			MaxMessageChars: cfg.MaxMessageChars,
			VisionEnabled:   cfg.VisionEnabled,
			Logger:          cfg.Logger,
		}),
		logger:      cfg.Logger,
		state:       models.StateLoading,
		userInputCh: make(chan struct{}, 1),
		confirmCh:   make(chan bool, 1),
		loopCh:      make(chan LoopDecision, 1),
		stopCh:      make(chan struct{}),
	}
}

// State returns the current session state.
func (c *Controller) State() models.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the message attached to a terminal ERROR state.
func (c *Controller) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// TokensUsed returns the accumulated LLM token spend.
func (c *Controller) TokensUsed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokensUsed
}

// Run executes the session until it reaches a terminal state. It returns an
// error only for the ERROR terminal state; FINISHED and STOPPED return nil.
func (c *Controller) Run(ctx context.Context) error {
	if c.presenter != nil {
		c.log.Subscribe("presenter", c.presenter.OnEvent)
		defer c.log.Unsubscribe("presenter")
	}

	if err := c.runtime.Connect(ctx); err != nil {
		c.setState(models.StateError, fmt.Sprintf("runtime connect failed: %v", err))
		return fmt.Errorf("runtime connect: %w", err)
	}
	defer c.runtime.Close()

	c.setState(models.StateRunning, "")

	for {
		if err := ctx.Err(); err != nil {
			c.setState(models.StateStopped, "")
			return nil
		}

		switch c.State() {
		case models.StateRunning:
			c.step(ctx)
		case models.StateAwaitingUserInput:
			c.awaitUserInput(ctx)
		case models.StateAwaitingUserConfirmation:
			c.awaitConfirmation(ctx)
		case models.StatePaused:
			c.awaitLoopDecision(ctx)
		case models.StateRateLimited:
			c.awaitBackoff(ctx)
		case models.StateFinished, models.StateStopped, models.StateRejected:
			return nil
		case models.StateError:
			return fmt.Errorf("session failed: %s", c.LastError())
		default:
			c.setState(models.StateError, fmt.Sprintf("unexpected state %s", c.State()))
		}
	}
}

// step runs one iteration of the agent loop.
func (c *Controller) step(ctx context.Context) {
	c.mu.Lock()
	c.iteration++
	iteration := c.iteration
	tokens := c.tokensUsed
	c.mu.Unlock()

	if iteration > c.cfg.MaxIterations {
		c.setState(models.StateError, fmt.Sprintf(
			"%v: %d iterations used", ErrIterationLimit, c.cfg.MaxIterations))
		return
	}
	if c.cfg.MaxBudgetTokens > 0 && tokens >= c.cfg.MaxBudgetTokens {
		c.setState(models.StateError, fmt.Sprintf(
			"%v: %d of %d tokens used", ErrBudgetExceeded, tokens, c.cfg.MaxBudgetTokens))
		return
	}

	start := time.Now()
	if c.cfg.Metrics != nil {
		defer func() {
			c.cfg.Metrics.StepsTotal.Inc()
			c.cfg.Metrics.StepDuration.Observe(time.Since(start).Seconds())
		}()
	}

	visible, err := c.visibleEvents(ctx)
	if err != nil {
		c.setState(models.StateError, fmt.Sprintf("reading event log: %v", err))
		return
	}
	if len(visible) > 0 {
		c.mu.Lock()
		c.lastSeenID = visible[len(visible)-1].ID
		c.mu.Unlock()
	}
	messages, err := c.assembler.Assemble(ctx, c.agent.SystemMessages(), visible)
	if err != nil {
		c.setState(models.StateError, fmt.Sprintf("assembling conversation: %v", err))
		return
	}

	decision, err := c.decideWithRetry(ctx, messages)
	c.mu.Lock()
	c.tokensUsed += int64(decision.Usage.InputTokens + decision.Usage.OutputTokens)
	c.mu.Unlock()
	if err != nil {
		c.handleDecisionError(ctx, err)
		return
	}

	actionEvent := &models.Event{
		Source: models.SourceAgent,
		Action: decision.Action,
	}
	if err := c.log.Append(ctx, actionEvent); err != nil {
		c.setState(models.StateError, fmt.Sprintf("appending action: %v", err))
		return
	}

	if c.cfg.ConfirmationMode && requiresConfirmation(decision.Action) {
		c.mu.Lock()
		c.pendingConfirm = actionEvent
		c.mu.Unlock()
		c.setState(models.StateAwaitingUserConfirmation, "")
		return
	}

	c.completeStep(ctx, actionEvent)
}

// completeStep dispatches an already-appended action and runs the post-step
// checks. Shared by the normal path and the post-confirmation path.
func (c *Controller) completeStep(ctx context.Context, actionEvent *models.Event) {
	switch {
	case actionEvent.Action.Kind == models.ActionFinish:
		c.setState(models.StateFinished, "")
		return
	case actionEvent.Action.Kind == models.ActionMessage && actionEvent.Action.WaitForResponse:
		c.setState(models.StateAwaitingUserInput, "")
		return
	}

	c.dispatch(ctx, actionEvent)
	c.checkStuck(ctx)
}

// dispatch executes the action on the runtime under the per-action timeout.
// Failures become error-flagged observations; the loop continues and the
// agent may self-correct.
func (c *Controller) dispatch(ctx context.Context, actionEvent *models.Event) {
	dispatchCtx, cancel := context.WithTimeout(ctx, c.cfg.ActionTimeout)
	c.setCancelStep(cancel)
	defer c.setCancelStep(nil)
	defer cancel()

	start := time.Now()
	obsEvent, err := c.runtime.Execute(dispatchCtx, actionEvent)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RuntimeDispatch.
			WithLabelValues(string(actionEvent.Action.Kind)).
			Observe(time.Since(start).Seconds())
	}
	if err != nil {
		content := fmt.Sprintf("action execution failed: %v", err)
		if errors.Is(dispatchCtx.Err(), context.DeadlineExceeded) {
			content = fmt.Sprintf("action timed out after %s", c.cfg.ActionTimeout)
		}
		obsEvent = &models.Event{
			Source: models.SourceEnvironment,
			Cause:  actionEvent.ID,
			Observation: &models.Observation{
				Kind:    models.ObservationError,
				Content: content,
				IsError: true,
			},
		}
	}

	if err := c.log.Append(ctx, obsEvent); err != nil {
		c.setState(models.StateError, fmt.Sprintf("appending observation: %v", err))
	}
}

// decideWithRetry asks the agent for the next action, retrying recoverable
// provider failures with backoff.
func (c *Controller) decideWithRetry(ctx context.Context, messages []models.Message) (agent.Decision, error) {
	return backoff.Retry(ctx, c.cfg.Backoff, c.cfg.MaxRetries,
		func(err error) bool {
			var verr *agent.ToolValidationError
			if errors.As(err, &verr) {
				return false
			}
			return agent.IsRecoverable(err)
		},
		func(attempt int) (agent.Decision, error) {
			if attempt > 1 {
				c.logger.Warn(ctx, "retrying llm call", "attempt", attempt)
			}
			return c.agent.NextAction(ctx, messages)
		})
}

// handleDecisionError routes agent failures through the error taxonomy.
func (c *Controller) handleDecisionError(ctx context.Context, err error) {
	var verr *agent.ToolValidationError
	switch {
	case errors.As(err, &verr):
		// Fed back to the model as an error observation so it can correct
		// its tool usage.
		obsEvent := &models.Event{
			Source: models.SourceEnvironment,
			Observation: &models.Observation{
				Kind:    models.ObservationError,
				Content: verr.Error(),
				IsError: true,
			},
		}
		if appendErr := c.log.Append(ctx, obsEvent); appendErr != nil {
			c.setState(models.StateError, fmt.Sprintf("appending observation: %v", appendErr))
		}
	case errors.Is(err, agent.ErrRateLimited):
		c.setState(models.StateRateLimited, "")
	case errors.Is(err, agent.ErrAuthentication),
		errors.Is(err, agent.ErrContentPolicy):
		c.setState(models.StateError, fmt.Sprintf("llm request rejected: %v", err))
	case errors.Is(err, context.Canceled):
		c.setState(models.StateStopped, "")
	default:
		c.setState(models.StateError, fmt.Sprintf("llm request failed: %v", err))
	}
}

// checkStuck runs the loop detector on the visible trailing window.
func (c *Controller) checkStuck(ctx context.Context) {
	if c.State() != models.StateRunning {
		return
	}
	c.mu.Lock()
	iteration := c.iteration
	c.mu.Unlock()
	if iteration%c.cfg.StuckCheckInterval != 0 {
		return
	}

	visible, err := c.visibleEvents(ctx)
	if err != nil {
		return
	}
	result := c.cfg.Detector.Analyze(visible)
	if !result.Detected {
		return
	}

	c.logger.Warn(ctx, "loop detected",
		"loop_type", string(result.LoopType),
		"period", result.Period,
		"repeats", result.Repeats,
		"recovery_index", result.RecoveryIndex)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.LoopDetections.WithLabelValues(string(result.LoopType)).Inc()
	}

	c.mu.Lock()
	c.pendingLoop = &result
	c.mu.Unlock()
	c.setState(models.StatePaused, "")
}

// awaitUserInput blocks until a user message the agent has not seen yet
// arrives, or the session stops. A wake token buffered by a message the last
// step already assembled (such as the initial task) is stale and must not
// resume the loop on its own.
func (c *Controller) awaitUserInput(ctx context.Context) {
	for {
		c.mu.Lock()
		fresh := c.lastInputID > c.lastSeenID
		c.mu.Unlock()
		if fresh {
			c.setState(models.StateRunning, "")
			return
		}

		select {
		case <-c.userInputCh:
			// Recheck freshness; the token may be left over.
		case <-c.stopCh:
			c.setState(models.StateStopped, "")
			return
		case <-ctx.Done():
			c.setState(models.StateStopped, "")
			return
		}
	}
}

// awaitConfirmation blocks until the user approves or rejects the pending
// action.
func (c *Controller) awaitConfirmation(ctx context.Context) {
	var approved bool
	select {
	case approved = <-c.confirmCh:
	case <-c.stopCh:
		c.setState(models.StateStopped, "")
		return
	case <-ctx.Done():
		c.setState(models.StateStopped, "")
		return
	}

	c.mu.Lock()
	pending := c.pendingConfirm
	c.pendingConfirm = nil
	c.mu.Unlock()

	if approved {
		c.setState(models.StateUserConfirmed, "")
		c.setState(models.StateRunning, "")
		if pending != nil {
			c.completeStep(ctx, pending)
		}
		return
	}

	c.setState(models.StateUserRejected, "")
	if pending != nil {
		reject := &models.Event{
			Source: models.SourceUser,
			Cause:  pending.ID,
			Observation: &models.Observation{
				Kind:    models.ObservationUserReject,
				Content: "The user rejected this action.",
			},
		}
		if err := c.log.Append(ctx, reject); err != nil {
			c.setState(models.StateError, fmt.Sprintf("appending rejection: %v", err))
			return
		}
	}
	c.setState(models.StateRunning, "")
}

// awaitLoopDecision blocks on the recovery choice, or applies the configured
// policy in unattended mode.
func (c *Controller) awaitLoopDecision(ctx context.Context) {
	var decision LoopDecision
	if c.cfg.Unattended {
		decision = c.cfg.UnattendedLoopDecision
	} else {
		select {
		case decision = <-c.loopCh:
		case <-c.stopCh:
			c.setState(models.StateStopped, "")
			return
		case <-ctx.Done():
			c.setState(models.StateStopped, "")
			return
		}
	}

	c.mu.Lock()
	result := c.pendingLoop
	c.pendingLoop = nil
	c.mu.Unlock()

	if decision == LoopStop || result == nil {
		c.setState(models.StateStopped, "")
		return
	}

	// Narrow the visible window: everything after the recovery index is
	// hidden from assembly and detection. The log itself keeps every event.
	c.mu.Lock()
	c.hidden = append(c.hidden, span{from: result.RecoveryIndex + 1, to: c.log.LastID()})
	c.mu.Unlock()
	c.agent.Reset()
	c.logger.Info(ctx, "restarting from before loop", "recovery_index", result.RecoveryIndex)
	c.setState(models.StateRunning, "")
}

// awaitBackoff sleeps out a rate limit, then resumes.
func (c *Controller) awaitBackoff(ctx context.Context) {
	delay := c.cfg.Backoff.Delay(1)
	c.logger.Warn(ctx, "rate limited, backing off", "delay", delay.String())

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		c.setState(models.StateRunning, "")
	case <-c.stopCh:
		c.setState(models.StateStopped, "")
	case <-ctx.Done():
		c.setState(models.StateStopped, "")
	}
}

// SubmitUserMessage appends a user message event and wakes the controller if
// it is waiting for input.
func (c *Controller) SubmitUserMessage(ctx context.Context, text string, imageURLs []string) error {
	if c.State().Terminal() {
		return ErrSessionTerminal
	}

	event := &models.Event{
		Source: models.SourceUser,
		Action: &models.Action{
			Kind:      models.ActionMessage,
			Content:   text,
			ImageURLs: imageURLs,
		},
	}
	if err := c.log.Append(ctx, event); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastInputID = event.ID
	c.mu.Unlock()

	select {
	case c.userInputCh <- struct{}{}:
	default:
	}
	return nil
}

// Confirm resolves an AWAITING_USER_CONFIRMATION state.
func (c *Controller) Confirm(approved bool) error {
	if c.State() != models.StateAwaitingUserConfirmation {
		return ErrNotWaitingForInput
	}
	select {
	case c.confirmCh <- approved:
		return nil
	default:
		return ErrNotWaitingForInput
	}
}

// ResolveLoop resolves a PAUSED state.
func (c *Controller) ResolveLoop(decision LoopDecision) error {
	if c.State() != models.StatePaused {
		return ErrNotWaitingForInput
	}
	select {
	case c.loopCh <- decision:
		return nil
	default:
		return ErrNotWaitingForInput
	}
}

// PendingLoop returns the detection awaiting resolution, if any.
func (c *Controller) PendingLoop() *stuck.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLoop
}

// Stop requests termination. The stop itself is recorded as an event, and
// any in-flight runtime execution receives a best-effort interrupt.
func (c *Controller) Stop(ctx context.Context) error {
	if c.State().Terminal() {
		return nil
	}

	event := &models.Event{
		Source: models.SourceUser,
		Action: &models.Action{Kind: models.ActionStop},
	}
	if err := c.log.Append(ctx, event); err != nil && !errors.Is(err, events.ErrLogClosed) {
		return err
	}

	c.stopOnce.Do(func() { close(c.stopCh) })
	c.cancelStepMu.Lock()
	if c.cancelStep != nil {
		c.cancelStep()
	}
	c.cancelStepMu.Unlock()
	return nil
}

func (c *Controller) setCancelStep(cancel context.CancelFunc) {
	c.cancelStepMu.Lock()
	c.cancelStep = cancel
	c.cancelStepMu.Unlock()
}

// visibleEvents reads the log and filters out hidden spans.
func (c *Controller) visibleEvents(ctx context.Context) ([]models.Event, error) {
	all, err := c.log.Events(ctx, 1, 0)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	hidden := append([]span{}, c.hidden...)
	c.mu.Unlock()
	if len(hidden) == 0 {
		return all, nil
	}

	visible := all[:0:0]
	for _, e := range all {
		concealed := false
		for _, s := range hidden {
			if e.ID >= s.from && e.ID <= s.to {
				concealed = true
				break
			}
		}
		if !concealed {
			visible = append(visible, e)
		}
	}
	return visible, nil
}

// setState performs a validated transition and notifies observers. Illegal
// transitions escalate to ERROR rather than corrupting the machine.
func (c *Controller) setState(to models.SessionState, lastError string) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	if !models.CanTransition(from, to) {
		if to != models.StateError {
			c.mu.Unlock()
			c.setState(models.StateError, fmt.Sprintf("illegal transition %s -> %s", from, to))
			return
		}
		// ERROR is always reachable from non-terminal states; reaching here
		// means the session was already terminal. Keep the first outcome.
		c.mu.Unlock()
		return
	}
	c.state = to
	if lastError != "" {
		c.lastError = lastError
	}
	c.mu.Unlock()

	c.logger.Info(context.Background(), "state transition",
		"from", string(from), "to", string(to), "last_error", lastError)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.StateTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
	if c.presenter != nil {
		c.presenter.OnStateChange(from, to, lastError)
	}
}

// requiresConfirmation reports whether the action mutates the environment.
func requiresConfirmation(action *models.Action) bool {
	switch action.Kind {
	case models.ActionRunCommand, models.ActionWriteFile, models.ActionEditFile,
		models.ActionRunCodeCell, models.ActionBrowseInteractive, models.ActionDelegate:
		return true
	}
	return false
}
