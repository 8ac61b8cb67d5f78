package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/entrhq/webpilot/pkg/browser"
	"github.com/entrhq/webpilot/pkg/llm"
	"github.com/entrhq/webpilot/pkg/llm/parser"
	"github.com/entrhq/webpilot/pkg/llm/tokenizer"
	"github.com/entrhq/webpilot/pkg/logging"
	"github.com/entrhq/webpilot/pkg/models"
	"github.com/entrhq/webpilot/pkg/types"
)

// Defaults for OperatorOptions.
const (
	DefaultMaxSteps          = 25
	DefaultMaxActionsPerStep = 5
	DefaultObservationTokens = 6000
)

// Agent phase names, in the order they start.
const (
	PhasePlanner  = "planner"
	PhaseOperator = "operator"
	PhaseReporter = "reporter"
)

// Providers builds providers by model name. *models.Factory implements it.
type Providers interface {
	New(name string) (llm.Provider, error)
}

// AttachFunc connects to the browser listening on a debug port.
type AttachFunc func(ctx context.Context, port int) (browser.Page, error)

// DriverAttach adapts a browser.Driver to an AttachFunc.
func DriverAttach(d *browser.Driver) AttachFunc {
	return func(ctx context.Context, port int) (browser.Page, error) {
		conn, err := d.Attach(ctx, port)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// OperatorOptions configures the default operator task.
type OperatorOptions struct {
	Models Providers
	Attach AttachFunc

	// Tokenizer bounds page observations. Nil estimates from length.
	Tokenizer *tokenizer.Tokenizer
	Logger    *logging.Logger

	MaxSteps          int
	MaxActionsPerStep int
	ObservationTokens int
}

func (o *OperatorOptions) setDefaults() {
	if o.MaxSteps <= 0 {
		o.MaxSteps = DefaultMaxSteps
	}
	if o.MaxActionsPerStep <= 0 {
		o.MaxActionsPerStep = DefaultMaxActionsPerStep
	}
	if o.ObservationTokens <= 0 {
		o.ObservationTokens = DefaultObservationTokens
	}
	if o.Logger == nil {
		o.Logger = logging.NewWriterLogger("operator", io.Discard)
	}
}

// NewOperatorFactory returns a Factory building Operator tasks.
func NewOperatorFactory(opts OperatorOptions) (Factory, error) {
	if opts.Models == nil {
		return nil, errors.New("operator needs a model provider source")
	}
	if opts.Attach == nil {
		return nil, errors.New("operator needs a browser attach function")
	}
	opts.setDefaults()

	return func(req Request) (Task, error) {
		if req.Prompt == "" {
			return nil, errors.New("task prompt is empty")
		}
		if req.Operator == "" {
			return nil, errors.New("operator model is required")
		}
		return &Operator{opts: opts, req: req}, nil
	}, nil
}

// Operator drives the session browser with an LLM. It optionally asks a
// planner model for a plan, then runs a bounded observe/decide/act loop and
// finishes with a written report.
type Operator struct {
	opts OperatorOptions
	req  Request

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// Stop sets the stop intent and aborts the model call in flight.
func (o *Operator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = true
	if o.cancel != nil {
		o.cancel()
	}
}

func (o *Operator) isStopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}

// Run executes the task.
func (o *Operator) Run(ctx context.Context, emit Emitter) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return ErrStopped
	}
	o.cancel = cancel
	o.mu.Unlock()

	err := o.run(ctx, emit)
	if err != nil && o.isStopped() {
		return ErrStopped
	}
	return err
}

func (o *Operator) run(ctx context.Context, emit Emitter) error {
	emit(types.NewMessageEvent("models", o.describeModels()))

	operator, err := o.opts.Models.New(o.req.Operator)
	if err != nil {
		return fmt.Errorf("operator model: %w", err)
	}
	if _, err := operator.Complete(ctx, []*types.Message{types.NewUserMessage(probePrompt)}); err != nil {
		return fmt.Errorf("operator model %s is not responding: %w", operator.GetModel(), err)
	}

	plan, err := o.plan(ctx, emit)
	if err != nil {
		return err
	}

	page, err := o.opts.Attach(ctx, o.req.CDPPort)
	if err != nil {
		return fmt.Errorf("failed to attach to browser: %w", err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			o.opts.Logger.Warnf("Failed to detach from browser: %v", cerr)
		}
	}()

	history, answer, err := o.operate(ctx, emit, operator, page, plan)
	if err != nil {
		return err
	}

	emit(types.NewAgentStartEvent(PhaseReporter, "writing the report"))
	report, err := operator.Complete(ctx, reportMessages(o.req.Prompt, history, answer))
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	emit(types.NewResultEvent(MaskSecrets(parser.Strip(report.Content), o.req.SensitiveData)))
	return nil
}

func (o *Operator) describeModels() string {
	desc := "operator: " + o.req.Operator
	if m, ok := models.Lookup(o.req.Operator); ok {
		desc += ", extractor: " + models.Lite(m).ID
	}
	if o.req.Planner != "" {
		desc += ", planner: " + o.req.Planner
	}
	return desc
}

func (o *Operator) plan(ctx context.Context, emit Emitter) (string, error) {
	if o.req.Planner == "" {
		return "", nil
	}
	emit(types.NewAgentStartEvent(PhasePlanner, "planning the task"))

	planner, err := o.opts.Models.New(o.req.Planner)
	if err != nil {
		return "", fmt.Errorf("planner model: %w", err)
	}
	reply, err := planner.Complete(ctx, plannerMessages(o.req.Prompt))
	if err != nil {
		return "", fmt.Errorf("plan: %w", err)
	}
	plan := parser.Strip(reply.Content)
	emit(types.NewMessageEvent("plan", plan))
	return plan, nil
}

// operate runs the step loop. It returns the step history and the answer
// given with the done action, if any.
func (o *Operator) operate(ctx context.Context, emit Emitter, operator llm.Provider, page browser.Page, plan string) ([]string, string, error) {
	emit(types.NewAgentStartEvent(PhaseOperator, o.req.Prompt))

	system := operatorSystem(o.opts.MaxActionsPerStep, o.req.SensitiveData)
	var history []string

	for step := 1; step <= o.opts.MaxSteps; step++ {
		if o.isStopped() {
			return history, "", ErrStopped
		}
		emit(types.NewStepStartEvent(step).WithProgress(fmt.Sprintf("%d/%d", step, o.opts.MaxSteps)))

		in, err := o.observe(page)
		if err != nil {
			return history, "", err
		}
		in.prompt, in.plan, in.history = o.req.Prompt, plan, history

		reply, err := operator.Complete(ctx, stepMessages(system, in))
		if err != nil {
			return history, "", fmt.Errorf("step %d: %w", step, err)
		}
		decision, err := ParseDecision(parser.Strip(reply.Content))
		if err != nil {
			o.opts.Logger.Warnf("Step %d: unusable model response: %v", step, err)
			emit(types.NewErrorEvent(fmt.Errorf("step %d: %w", step, err)))
			history = append(history, fmt.Sprintf("step %d: invalid response (%v)", step, err))
			continue
		}
		o.think(emit, decision)

		summary, answer, done := o.act(emit, page, decision)
		history = append(history, fmt.Sprintf("step %d: %s -> %s", step, decision.NextGoal, summary))
		if done {
			return history, answer, nil
		}
	}

	emit(types.NewMessageEvent("operator", fmt.Sprintf("stopped after %d steps", o.opts.MaxSteps)))
	return history, "", nil
}

func (o *Operator) observe(page browser.Page) (stepInput, error) {
	snap, err := page.Snapshot(0)
	if err != nil {
		return stepInput{}, fmt.Errorf("failed to observe page: %w", err)
	}
	body, cut := o.opts.Tokenizer.Truncate(snap.Page.HTML, o.opts.ObservationTokens)
	return stepInput{
		url:         snap.URL,
		title:       snap.Page.Title,
		observation: MaskSecrets(body, o.req.SensitiveData),
		truncated:   cut || snap.Page.Truncated,
	}, nil
}

func (o *Operator) think(emit Emitter, d *Decision) {
	if d.Evaluation != "" {
		emit(types.NewThinkingEvent("eval", d.Evaluation))
	}
	if d.Memory != "" {
		emit(types.NewThinkingEvent("memory", d.Memory))
	}
	if d.NextGoal != "" {
		emit(types.NewThinkingEvent("next goal", d.NextGoal))
	}
}

// act executes the decision's actions in order, stopping at the first
// failure, at done, or when the task is stopped.
func (o *Operator) act(emit Emitter, page browser.Page, d *Decision) (summary, answer string, done bool) {
	actions := d.Actions
	if len(actions) > o.opts.MaxActionsPerStep {
		actions = actions[:o.opts.MaxActionsPerStep]
	}

	for i, a := range actions {
		if o.isStopped() {
			return fmt.Sprintf("stopped before action %d", i+1), "", false
		}
		emit(types.NewActionEvent(i+1, len(actions), a.String()).WithProgress(fmt.Sprintf("%d/%d", i+1, len(actions))))

		if a.Type == ActionDone {
			return "done", a.Text, true
		}
		if err := a.Execute(page, o.req.SensitiveData); err != nil {
			err = errors.New(MaskSecrets(err.Error(), o.req.SensitiveData))
			emit(types.NewErrorEvent(fmt.Errorf("%s: %w", a, err)))
			return fmt.Sprintf("%s failed: %v", a, err), "", false
		}
	}
	return fmt.Sprintf("%d actions ok", len(actions)), "", false
}
