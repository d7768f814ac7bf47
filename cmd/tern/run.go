package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"tern/internal/agent/approval"
	"tern/internal/agent/core"
	"tern/internal/agent/ports"
	"tern/internal/agent/session"
	"tern/internal/config"
	"tern/internal/llm"
	"tern/internal/logging"
	"tern/internal/observability"
	"tern/internal/tools"
	"tern/internal/utils/id"
)

var (
	promptStyle = color.New(color.FgGreen, color.Bold)
	toolStyle   = color.New(color.FgCyan)
	warnStyle   = color.New(color.FgYellow)
	errStyle    = color.New(color.FgRed)
	faintStyle  = color.New(color.Faint)
)

func runRoot(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagModel != "" {
		cfg.LLM.Model = flagModel
	}
	if flagYes {
		cfg.Approval.Mode = string(ports.ApprovalNeverAsk)
	}
	if flagMetrics {
		cfg.Observability.MetricsEnabled = true
	}
	if flagTrace {
		cfg.Observability.TracingEnabled = true
	}
	workdir := cfg.Workdir
	if flagWorkdir != "" {
		workdir = flagWorkdir
	}
	if workdir == "" {
		if workdir, err = os.Getwd(); err != nil {
			return err
		}
	}
	if cfg.LogLevel != "" && os.Getenv("TERN_LOG_LEVEL") == "" {
		_ = os.Setenv("TERN_LOG_LEVEL", cfg.LogLevel)
	}
	logger := logging.NewComponentLogger("cli")

	obs := cfg.ObservabilityOptions()
	metrics, err := observability.NewMetrics(obs.Metrics)
	if err != nil {
		return fmt.Errorf("start metrics: %w", err)
	}
	tracer, err := observability.NewTracerProvider(obs.Tracing)
	if err != nil {
		return fmt.Errorf("start tracing: %w", err)
	}
	defer func() {
		ctx := context.Background()
		_ = tracer.Shutdown(ctx)
		_ = metrics.Shutdown(ctx)
	}()

	var client ports.ModelClient
	if flagOffline {
		client = llm.NewEchoClient(cfg.LLM.Model)
	} else {
		if cfg.LLM.APIKey == "" {
			cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		}
		client = llm.NewOpenAIClient(cfg.LLM, logging.NewComponentLogger("llm"))
	}

	registry := tools.NewRegistry(logging.NewComponentLogger("tools"))
	tools.RegisterBuiltins(registry, workdir)

	gate := approval.New(nil, logging.NewComponentLogger("approval"))
	sess := session.New(id.NewTaskID(), ports.TurnContext{
		Cwd:            workdir,
		ApprovalPolicy: cfg.ApprovalPolicy(),
		Model:          cfg.LLM.Model,
	}, logging.NewComponentLogger("session"))

	gated := approval.NewGatedRunner(registry, gate, func() ports.ApprovalPolicy {
		return sess.SnapshotTurnContext().ApprovalPolicy
	}, diffAwareAssessor(workdir), logger)

	agent := core.New(sess, client, gated, gate, core.Config{
		Task:  cfg.TaskOptions(),
		Retry: cfg.RetryOptions(),
	}, metrics, logging.NewComponentLogger("core"))
	agent.SetTracer(tracer)
	agent.AddListener(observability.NewEventRecorder(metrics))
	agent.AddListener(ports.EventListenerFunc(func(event ports.Event) {
		logger.Debug("event %s for %s", event.Msg.Type(), event.ID)
	}))
	defer agent.Terminate()

	ui := &consoleUI{
		agent:  agent,
		out:    cmd.OutOrStdout(),
		in:     bufio.NewReader(os.Stdin),
		isTTY:  term.IsTerminal(int(os.Stdin.Fd())),
		logger: logger,
	}

	go watchSignals(agent, ui)

	if len(args) > 0 {
		return ui.runTask(strings.Join(args, " "))
	}
	if !ui.isTTY {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		prompt := strings.TrimSpace(string(data))
		if prompt == "" {
			return fmt.Errorf("no prompt given")
		}
		return ui.runTask(prompt)
	}
	return ui.interactive()
}

// watchSignals maps the first interrupt to a task abort and the second to a
// full shutdown.
func watchSignals(agent *core.Agent, ui *consoleUI) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	<-sigs
	warnStyle.Fprintln(ui.out, "\ninterrupting current task (press again to quit)")
	_, _ = agent.Submit(ports.InterruptOp{})
	<-sigs
	agent.Terminate()
	os.Exit(130)
}

type consoleUI struct {
	agent  *core.Agent
	out    io.Writer
	in     *bufio.Reader
	isTTY  bool
	logger logging.Logger
}

// interactive runs the read-submit-drain loop until EOF or /quit. The input
// side never touches stdin while a task is in flight, so approval prompts
// can read it safely.
func (ui *consoleUI) interactive() error {
	faintStyle.Fprintln(ui.out, "interactive session; /quit exits")

	g, _ := errgroup.WithContext(context.Background())
	lines := make(chan string)

	g.Go(func() error {
		defer close(lines)
		scanner := bufio.NewScanner(ui.in)
		for {
			promptStyle.Fprint(ui.out, "tern> ")
			if !scanner.Scan() {
				return scanner.Err()
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "/quit" || line == "/exit" {
				return nil
			}
			lines <- line
		}
	})

	g.Go(func() error {
		for line := range lines {
			if err := ui.runTask(line); err != nil {
				errStyle.Fprintf(ui.out, "%v\n", err)
			}
		}
		_, _ = ui.agent.Submit(ports.ShutdownOp{})
		ui.drainUntilShutdown()
		return nil
	})

	return g.Wait()
}

// runTask submits one user turn and renders events until its terminal event.
func (ui *consoleUI) runTask(prompt string) error {
	subID, err := ui.agent.Submit(ports.UserInputOp{Items: []ports.InputItem{{Text: prompt}}})
	if err != nil {
		return err
	}

	for event := range ui.agent.Events() {
		done, err := ui.render(subID, event)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return nil
}

// render draws one event. done reports that the tracked submission reached
// its terminal event.
func (ui *consoleUI) render(subID string, event ports.Event) (done bool, err error) {
	switch msg := event.Msg.(type) {
	case ports.AgentMessageDeltaEvent:
		fmt.Fprint(ui.out, msg.Delta)
	case ports.AgentMessageEvent:
		fmt.Fprintln(ui.out)
	case ports.ToolCallBeginEvent:
		toolStyle.Fprintf(ui.out, "→ %s %s\n", msg.ToolName, truncate(msg.Arguments, 120))
	case ports.ToolCallEndEvent:
		if msg.Success {
			toolStyle.Fprintf(ui.out, "← %s\n", truncate(msg.Output, 200))
		} else {
			warnStyle.Fprintf(ui.out, "← %s\n", truncate(msg.Output, 200))
		}
	case ports.StreamRetryEvent:
		warnStyle.Fprintf(ui.out, "retrying (attempt %d) in %s: %s\n", msg.Attempt, msg.Delay, msg.Message)
	case ports.TokenCountEvent:
		faintStyle.Fprintf(ui.out, "[tokens: %d prompt, %d completion]\n", msg.Usage.PromptTokens, msg.Usage.CompletionTokens)
	case ports.ApprovalRequestedEvent:
		ui.promptApproval(msg)
	case ports.ApprovalGrantedEvent:
		faintStyle.Fprintf(ui.out, "approved: %s\n", msg.Reason)
	case ports.ApprovalRejectedEvent:
		warnStyle.Fprintf(ui.out, "rejected: %s\n", msg.Reason)
	case ports.ApprovalTimeoutEvent:
		warnStyle.Fprintln(ui.out, "approval timed out")
	case ports.TurnAbortedEvent:
		warnStyle.Fprintf(ui.out, "task aborted (%s)\n", msg.Reason)
		return event.ID == subID, nil
	case ports.ErrorEvent:
		if event.ID == subID {
			return true, fmt.Errorf("%s", msg.Message)
		}
		errStyle.Fprintln(ui.out, msg.Message)
	case ports.TaskCompleteEvent:
		return event.ID == subID, nil
	case ports.ShutdownCompleteEvent:
		return true, nil
	}
	return false, nil
}

func (ui *consoleUI) drainUntilShutdown() {
	for {
		event, ok := ui.agent.NextEvent()
		if !ok {
			return
		}
		if _, isShutdown := event.Msg.(ports.ShutdownCompleteEvent); isShutdown {
			return
		}
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
