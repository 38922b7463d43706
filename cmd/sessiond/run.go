package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/sessiond/internal/agent"
	"github.com/haasonsaas/sessiond/internal/agent/providers"
	"github.com/haasonsaas/sessiond/internal/config"
	"github.com/haasonsaas/sessiond/internal/controller"
	"github.com/haasonsaas/sessiond/internal/events"
	"github.com/haasonsaas/sessiond/internal/observability"
	"github.com/haasonsaas/sessiond/internal/runtime"
	"github.com/haasonsaas/sessiond/internal/stuck"
	"github.com/haasonsaas/sessiond/pkg/models"
)

func buildRunCmd() *cobra.Command {
	var (
		configPath  string
		sessionID   string
		task        string
		confirm     bool
		unattended  bool
		metricsAddr string
		debug       bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an agent session",
		Long: `Run an agent session until it finishes, errors, or is stopped.

While the session runs, stdin is the user channel:
  - plain text is delivered to the agent as a user message
  - y/n answers pending action confirmations
  - restart/stop resolves a detected loop
  - /stop ends the session`,
		Example: `  # Start a new session with a task
  sessiond run --task "write a fizzbuzz script and run it"

  # Resume a stored session
  sessiond run --session 7f9c2a1e-4f3b-4c8e-9d2a-1b5e6f7a8c9d

  # Require approval before every mutating action
  sessiond run --task "clean up /tmp/scratch" --confirm`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), runOptions{
				configPath:  resolveConfigPath(configPath),
				sessionID:   sessionID,
				task:        task,
				confirm:     confirm,
				unattended:  unattended,
				metricsAddr: metricsAddr,
				debug:       debug,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id to resume (default: new session)")
	cmd.Flags().StringVarP(&task, "task", "t", "", "Initial task message for the agent")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "Require approval before mutating actions")
	cmd.Flags().BoolVar(&unattended, "unattended", false, "Resolve loops automatically instead of asking")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

type runOptions struct {
	configPath  string
	sessionID   string
	task        string
	confirm     bool
	unattended  bool
	metricsAddr string
	debug       bool
}

func runRun(ctx context.Context, opts runOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.confirm {
		cfg.Session.ConfirmationMode = true
	}
	if opts.unattended {
		cfg.Session.Unattended = true
	}

	level := cfg.Logging.Level
	if opts.debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	if opts.metricsAddr != "" {
		serveMetrics(ctx, opts.metricsAddr, registry, logger)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sessionID := opts.sessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ctx = context.WithValue(ctx, observability.SessionIDKey, sessionID)
	fmt.Printf("session %s\n", sessionID)

	log, err := events.NewLog(ctx, sessionID, store,
		events.WithLogger(logger), events.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	defer log.Close()

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}
	tools, err := agent.NewToolSet()
	if err != nil {
		return fmt.Errorf("building toolset: %w", err)
	}
	ag, err := agent.New(provider, tools, agent.Config{
		SystemPrompt: cfg.LLM.SystemPrompt,
		MaxTokens:    cfg.LLM.MaxTokens,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		return err
	}

	rt := runtime.NewLocal(runtime.Config{
		WorkDir: cfg.Runtime.WorkDir,
		Logger:  logger,
	})

	presenter := &consolePresenter{out: os.Stdout}
	ctrl := controller.New(controller.Config{
		MaxIterations:          cfg.Session.MaxIterations,
		MaxBudgetTokens:        cfg.Session.MaxBudgetTokens,
		MaxMessageChars:        cfg.Session.MaxMessageChars,
		VisionEnabled:          cfg.Session.VisionEnabled,
		ActionTimeout:          cfg.Session.ActionTimeout,
		ConfirmationMode:       cfg.Session.ConfirmationMode,
		MaxRetries:             cfg.Session.MaxRetries,
		Unattended:             cfg.Session.Unattended,
		UnattendedLoopDecision: loopDecisionFromConfig(cfg.Session.LoopDecision),
		Detector:               buildDetector(cfg),
		Logger:                 logger,
		Metrics:                metrics,
	}, log, ag, rt, presenter)
	presenter.ctrl = ctrl

	task := opts.task
	if task == "" && log.LastID() == 0 {
		fmt.Print("Task: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading task: %w", err)
		}
		task = strings.TrimSpace(line)
	}
	if task != "" {
		if err := ctrl.SubmitUserMessage(ctx, task, nil); err != nil {
			return fmt.Errorf("submitting task: %w", err)
		}
	}

	runErr := make(chan error, 1)
	go func() { runErr <- ctrl.Run(ctx) }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case err := <-runErr:
			fmt.Printf("session %s: %s (%d tokens used)\n",
				sessionID, ctrl.State(), ctrl.TokensUsed())
			return err
		case line, ok := <-lines:
			if !ok {
				// stdin closed; let the session wind down.
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = ctrl.Stop(stopCtx)
				cancel()
				err := <-runErr
				fmt.Printf("session %s: %s\n", sessionID, ctrl.State())
				return err
			}
			handleInput(ctx, ctrl, line)
		}
	}
}

// handleInput routes one stdin line according to the session state.
func handleInput(ctx context.Context, ctrl *controller.Controller, line string) {
	text := strings.TrimSpace(line)
	if text == "" {
		return
	}
	if text == "/stop" || text == "/quit" {
		if err := ctrl.Stop(ctx); err != nil {
			fmt.Printf("stop failed: %v\n", err)
		}
		return
	}

	switch ctrl.State() {
	case models.StateAwaitingUserConfirmation:
		switch strings.ToLower(text) {
		case "y", "yes":
			_ = ctrl.Confirm(true)
		case "n", "no":
			_ = ctrl.Confirm(false)
		default:
			fmt.Println("Answer y or n.")
		}
	case models.StatePaused:
		switch strings.ToLower(text) {
		case "restart":
			_ = ctrl.ResolveLoop(controller.LoopRestart)
		case "stop":
			_ = ctrl.ResolveLoop(controller.LoopStop)
		default:
			fmt.Println("Answer restart or stop.")
		}
	default:
		if err := ctrl.SubmitUserMessage(ctx, text, nil); err != nil {
			if errors.Is(err, controller.ErrSessionTerminal) {
				fmt.Println("Session has ended.")
				return
			}
			fmt.Printf("message failed: %v\n", err)
		}
	}
}

func openStore(cfg *config.Config) (events.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return events.NewMemoryStore(), nil
	default:
		store, err := events.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("opening event store: %w", err)
		}
		return store, nil
	}
}

func buildProvider(cfg *config.Config) (agent.Provider, error) {
	switch cfg.LLM.Provider {
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
		})
	default:
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
		})
	}
}

func buildDetector(cfg *config.Config) *stuck.Detector {
	boundary := stuck.BoundaryLoopStart
	if cfg.Detector.Boundary == "second_period" {
		boundary = stuck.BoundarySecondPeriod
	}
	return stuck.New(stuck.Config{
		WindowSize: cfg.Detector.WindowSize,
		MinRepeats: cfg.Detector.MinRepeats,
		Boundary:   boundary,
	})
}

func loopDecisionFromConfig(value string) controller.LoopDecision {
	if value == "restart" {
		return controller.LoopRestart
	}
	return controller.LoopStop
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}
