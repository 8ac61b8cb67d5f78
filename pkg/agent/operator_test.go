package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/webpilot/pkg/browser"
	"github.com/entrhq/webpilot/pkg/llm"
	"github.com/entrhq/webpilot/pkg/types"
)

type fakePage struct {
	mu      sync.Mutex
	calls   []string
	html    string
	failOn  string
	closed  bool
	onClick func()
}

func (p *fakePage) record(call string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
	if p.failOn != "" && strings.HasPrefix(call, p.failOn) {
		return fmt.Errorf("%s failed", call)
	}
	return nil
}

func (p *fakePage) Navigate(url string) error { return p.record("navigate " + url) }
func (p *fakePage) Click(selector string) error {
	if p.onClick != nil {
		p.onClick()
	}
	return p.record("click " + selector)
}
func (p *fakePage) Fill(selector, value string) error { return p.record("fill " + selector + " " + value) }
func (p *fakePage) Press(selector, key string) error  { return p.record("press " + selector + " " + key) }
func (p *fakePage) Scroll(pixels int) error           { return p.record(fmt.Sprintf("scroll %d", pixels)) }
func (p *fakePage) Snapshot(maxLength int) (*browser.Snapshot, error) {
	return &browser.Snapshot{URL: "https://example.com", Page: &browser.CleanedHTML{HTML: p.html, Title: "Example"}}, nil
}
func (p *fakePage) Close() error {
	p.closed = true
	return nil
}

// scriptedProvider answers Complete calls with queued replies.
type scriptedProvider struct {
	mu      sync.Mutex
	model   string
	replies []string
	prompts [][]*types.Message
	err     error
}

func (p *scriptedProvider) StreamCompletion(ctx context.Context, messages []*types.Message) (<-chan *llm.StreamChunk, error) {
	return nil, errors.New("not supported")
}

func (p *scriptedProvider) Complete(ctx context.Context, messages []*types.Message) (*types.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, messages)
	if p.err != nil {
		return nil, p.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(p.replies) == 0 {
		return types.NewAssistantMessage("OK"), nil
	}
	reply := p.replies[0]
	p.replies = p.replies[1:]
	return types.NewAssistantMessage(reply), nil
}

func (p *scriptedProvider) GetModelInfo() *types.ModelInfo {
	return &types.ModelInfo{Provider: "fake", Name: p.model}
}

func (p *scriptedProvider) GetModel() string { return p.model }

type fakeProviders map[string]*scriptedProvider

func (f fakeProviders) New(name string) (llm.Provider, error) {
	p, ok := f[name]
	if !ok {
		return nil, fmt.Errorf("unknown model %s", name)
	}
	return p, nil
}

type recorder struct {
	events []*types.AgentEvent
}

func (r *recorder) emit(e *types.AgentEvent) { r.events = append(r.events, e) }

func (r *recorder) ofType(t types.AgentEventType) []*types.AgentEvent {
	var out []*types.AgentEvent
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestOperator(t *testing.T, providers fakeProviders, page *fakePage, req Request) Task {
	t.Helper()
	factory, err := NewOperatorFactory(OperatorOptions{
		Models: providers,
		Attach: func(ctx context.Context, port int) (browser.Page, error) {
			return page, nil
		},
		MaxSteps:          3,
		MaxActionsPerStep: 2,
	})
	require.NoError(t, err)

	task, err := factory(req)
	require.NoError(t, err)
	return task
}

const probeOK = "OK"

func TestOperatorCompletesTask(t *testing.T) {
	op := &scriptedProvider{model: "gpt-4o", replies: []string{
		probeOK,
		`{"evaluation":"start","next_goal":"log in","actions":[{"type":"navigate","url":"https://example.com/login"},{"type":"fill","selector":"#pw","value":"<secret>pw</secret>"}]}`,
		`<think>almost there</think>{"next_goal":"finish","actions":[{"type":"done","text":"logged in"}]}`,
		"The user is logged in.",
	}}
	page := &fakePage{html: "<form><input id=\"pw\"></form>"}
	req := Request{Prompt: "log in", Operator: "gpt-4o", SensitiveData: map[string]string{"pw": "s3cret"}, CDPPort: 9222}
	task := newTestOperator(t, fakeProviders{"gpt-4o": op}, page, req)

	rec := &recorder{}
	require.NoError(t, task.Run(context.Background(), rec.emit))

	assert.Equal(t, []string{"navigate https://example.com/login", "fill #pw s3cret"}, page.calls)
	assert.True(t, page.closed)

	starts := rec.ofType(types.EventTypeAgentStart)
	require.Len(t, starts, 2)
	assert.Equal(t, PhaseOperator, starts[0].AgentName)
	assert.Equal(t, PhaseReporter, starts[1].AgentName)
	assert.Len(t, rec.ofType(types.EventTypeStepStart), 2)
	assert.Len(t, rec.ofType(types.EventTypeAction), 3)

	results := rec.ofType(types.EventTypeResult)
	require.Len(t, results, 1)
	assert.Equal(t, "The user is logged in.", results[0].Content)

	// Secret values never reach the model.
	for _, msgs := range op.prompts {
		for _, m := range msgs {
			assert.NotContains(t, m.Content, "s3cret")
		}
	}
	assert.Contains(t, op.prompts[1][0].Content, "Available names: pw.")
}

func TestOperatorRunsPlanner(t *testing.T) {
	op := &scriptedProvider{model: "gpt-4o", replies: []string{
		probeOK,
		`{"actions":[{"type":"done","text":"nothing to do"}]}`,
		"report",
	}}
	planner := &scriptedProvider{model: "o3-mini", replies: []string{"<think>hmm</think>1. open the site"}}
	page := &fakePage{}
	task := newTestOperator(t, fakeProviders{"gpt-4o": op, "o3-mini": planner}, page,
		Request{Prompt: "check", Operator: "gpt-4o", Planner: "o3-mini"})

	rec := &recorder{}
	require.NoError(t, task.Run(context.Background(), rec.emit))

	starts := rec.ofType(types.EventTypeAgentStart)
	require.Len(t, starts, 3)
	assert.Equal(t, PhasePlanner, starts[0].AgentName)

	var plan string
	for _, e := range rec.ofType(types.EventTypeMessage) {
		if e.Header == "plan" {
			plan = e.Content
		}
	}
	assert.Equal(t, "1. open the site", plan)
	assert.Contains(t, op.prompts[1][1].Content, "1. open the site")
}

func TestOperatorModelUnavailable(t *testing.T) {
	op := &scriptedProvider{model: "gpt-4o", err: errors.New("connection refused")}
	page := &fakePage{}
	task := newTestOperator(t, fakeProviders{"gpt-4o": op}, page, Request{Prompt: "x", Operator: "gpt-4o"})

	err := task.Run(context.Background(), (&recorder{}).emit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not responding")
	assert.Empty(t, page.calls)
}

func TestOperatorStepLimitAndInvalidResponses(t *testing.T) {
	op := &scriptedProvider{model: "gpt-4o", replies: []string{
		probeOK,
		"no idea",
		`{"actions":[{"type":"scroll"}]}`,
		`{"actions":[{"type":"click","selector":"a.more"},{"type":"click","selector":"a.next"},{"type":"click","selector":"a.never"}]}`,
		"partial report",
	}}
	page := &fakePage{}
	task := newTestOperator(t, fakeProviders{"gpt-4o": op}, page, Request{Prompt: "x", Operator: "gpt-4o"})

	rec := &recorder{}
	require.NoError(t, task.Run(context.Background(), rec.emit))

	// Actions beyond the per-step limit are dropped.
	assert.Equal(t, []string{"scroll 0", "click a.more", "click a.next"}, page.calls)
	assert.Len(t, rec.ofType(types.EventTypeStepStart), 3)
	assert.Len(t, rec.ofType(types.EventTypeError), 1)
	assert.Len(t, rec.ofType(types.EventTypeResult), 1)
}

func TestOperatorStopsOnActionFailure(t *testing.T) {
	op := &scriptedProvider{model: "gpt-4o", replies: []string{
		probeOK,
		`{"actions":[{"type":"click","selector":"#gone"},{"type":"navigate","url":"https://x"}]}`,
		`{"actions":[{"type":"done"}]}`,
		"report",
	}}
	page := &fakePage{failOn: "click"}
	task := newTestOperator(t, fakeProviders{"gpt-4o": op}, page, Request{Prompt: "x", Operator: "gpt-4o"})

	rec := &recorder{}
	require.NoError(t, task.Run(context.Background(), rec.emit))

	assert.Equal(t, []string{"click #gone"}, page.calls)
	require.Len(t, rec.ofType(types.EventTypeError), 1)
	assert.Contains(t, op.prompts[2][1].Content, "click #gone failed")
}

func TestOperatorStop(t *testing.T) {
	op := &scriptedProvider{model: "gpt-4o", replies: []string{
		probeOK,
		`{"actions":[{"type":"click","selector":"#a"},{"type":"click","selector":"#b"}]}`,
	}}
	page := &fakePage{}
	task := newTestOperator(t, fakeProviders{"gpt-4o": op}, page, Request{Prompt: "x", Operator: "gpt-4o"})
	page.onClick = task.Stop

	err := task.Run(context.Background(), (&recorder{}).emit)
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, []string{"click #a"}, page.calls)
	assert.True(t, page.closed)
}

func TestOperatorStopBeforeRun(t *testing.T) {
	task := newTestOperator(t, fakeProviders{"gpt-4o": &scriptedProvider{}}, &fakePage{}, Request{Prompt: "x", Operator: "gpt-4o"})
	task.Stop()
	assert.ErrorIs(t, task.Run(context.Background(), (&recorder{}).emit), ErrStopped)
}

func TestOperatorFactoryValidation(t *testing.T) {
	_, err := NewOperatorFactory(OperatorOptions{})
	assert.Error(t, err)

	factory, err := NewOperatorFactory(OperatorOptions{
		Models: fakeProviders{},
		Attach: func(context.Context, int) (browser.Page, error) { return nil, nil },
	})
	require.NoError(t, err)

	_, err = factory(Request{Operator: "gpt-4o"})
	assert.Error(t, err)
	_, err = factory(Request{Prompt: "x"})
	assert.Error(t, err)
}
