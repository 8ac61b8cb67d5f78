package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/webpilot/pkg/logging"
	"github.com/entrhq/webpilot/pkg/types"
)

// fakeProvider answers with "<model>: <last message>" and fails the first
// failures calls with err.
type fakeProvider struct {
	model    string
	mu       sync.Mutex
	calls    int
	failures int
	err      error
}

func (f *fakeProvider) StreamCompletion(ctx context.Context, messages []*types.Message) (<-chan *StreamChunk, error) {
	msg, err := f.Complete(ctx, messages)
	if err != nil {
		return nil, err
	}
	ch := make(chan *StreamChunk, 3)
	ch <- &StreamChunk{Content: "hidden", Type: ContentTypeThinking}
	ch <- &StreamChunk{Content: msg.Content, Type: ContentTypeMessage}
	ch <- &StreamChunk{Finished: true}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) Complete(_ context.Context, messages []*types.Message) (*types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return types.NewAssistantMessage(fmt.Sprintf("%s: %s", f.model, messages[len(messages)-1].Content)), nil
}

func (f *fakeProvider) GetModelInfo() *types.ModelInfo { return &types.ModelInfo{Name: f.model} }
func (f *fakeProvider) GetModel() string               { return f.model }

func (f *fakeProvider) CloneWithModel(model string) Provider {
	return &fakeProvider{model: model}
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestCollect(t *testing.T) {
	p := &fakeProvider{model: "m"}
	stream, err := p.StreamCompletion(context.Background(), []*types.Message{types.NewUserMessage("hi")})
	require.NoError(t, err)

	msg, err := Collect(stream)
	require.NoError(t, err)
	assert.Equal(t, types.RoleAssistant, msg.Role)
	assert.Equal(t, "m: hi", msg.Content)
}

func TestCollectReturnsStreamError(t *testing.T) {
	ch := make(chan *StreamChunk, 2)
	ch <- &StreamChunk{Content: "partial"}
	ch <- &StreamChunk{Error: errors.New("boom")}
	close(ch)

	_, err := Collect(ch)
	assert.EqualError(t, err, "boom")
}

func TestKey(t *testing.T) {
	a := []*types.Message{types.NewSystemMessage("s"), types.NewUserMessage("u")}
	b := []*types.Message{types.NewSystemMessage("s"), types.NewUserMessage("u")}
	c := []*types.Message{types.NewSystemMessage("su")}

	assert.Equal(t, Key("gpt-4o", a), Key("gpt-4o", b))
	assert.NotEqual(t, Key("gpt-4o", a), Key("o3-mini", a))
	assert.NotEqual(t, Key("gpt-4o", a), Key("gpt-4o", c))
	assert.Len(t, Key("gpt-4o", a), 64)
}

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	cache, err := OpenCache(filepath.Join(t.TempDir(), "llm_cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestCacheGetPut(t *testing.T) {
	ctx := context.Background()
	cache := openTestCache(t)

	_, ok, err := cache.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Put(ctx, "k", "gpt-4o", "first"))
	require.NoError(t, cache.Put(ctx, "k", "gpt-4o", "second"))

	content, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "second", content)

	n, err := cache.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCacheReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "llm_cache.db")

	cache, err := OpenCache(path)
	require.NoError(t, err)
	require.NoError(t, cache.Put(ctx, "k", "m", "v"))
	require.NoError(t, cache.Close())

	cache, err = OpenCache(path)
	require.NoError(t, err)
	defer cache.Close()
	content, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", content)
}

func TestCachedProvider(t *testing.T) {
	ctx := context.Background()
	inner := &fakeProvider{model: "gpt-4o"}
	p := NewCachedProvider(inner, openTestCache(t))
	messages := []*types.Message{types.NewUserMessage("hello")}

	first, err := p.Complete(ctx, messages)
	require.NoError(t, err)
	second, err := p.Complete(ctx, messages)
	require.NoError(t, err)

	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, 1, inner.callCount())

	_, err = p.Complete(ctx, []*types.Message{types.NewUserMessage("other")})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.callCount())
}

func TestCachedProviderDoesNotCacheErrors(t *testing.T) {
	ctx := context.Background()
	inner := &fakeProvider{model: "m", failures: 1, err: errors.New("down")}
	p := NewCachedProvider(inner, openTestCache(t))
	messages := []*types.Message{types.NewUserMessage("hello")}

	_, err := p.Complete(ctx, messages)
	assert.Error(t, err)
	_, err = p.Complete(ctx, messages)
	assert.NoError(t, err)
	assert.Equal(t, 2, inner.callCount())
}

func TestCachedProviderLogsCacheFailures(t *testing.T) {
	cache := openTestCache(t)
	var logs bytes.Buffer
	cache.SetLogger(logging.NewWriterLogger("llm-cache", &logs))
	require.NoError(t, cache.Close())

	inner := &fakeProvider{model: "gpt-4o"}
	p := NewCachedProvider(inner, cache)

	msg, err := p.Complete(context.Background(), []*types.Message{types.NewUserMessage("hello")})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o: hello", msg.Content)
	assert.Equal(t, 1, inner.callCount())
	assert.Contains(t, logs.String(), "Cache store for gpt-4o failed")
}

func TestCachedProviderClone(t *testing.T) {
	p := NewCachedProvider(&fakeProvider{model: "gpt-4o"}, openTestCache(t))
	clone := p.CloneWithModel("gpt-4o-mini")

	assert.Equal(t, "gpt-4o-mini", clone.GetModel())
	assert.IsType(t, &CachedProvider{}, clone)
}

func TestLimitedProviderRetriesRateLimits(t *testing.T) {
	inner := &fakeProvider{model: "m", failures: 2, err: fmt.Errorf("%w: slow down", ErrRateLimited)}
	p := NewLimitedProvider(inner, nil, LimitOptions{Attempts: 3, Delay: time.Millisecond})

	msg, err := p.Complete(context.Background(), []*types.Message{types.NewUserMessage("x")})
	require.NoError(t, err)
	assert.Equal(t, "m: x", msg.Content)
	assert.Equal(t, 3, inner.callCount())
}

func TestLimitedProviderGivesUp(t *testing.T) {
	inner := &fakeProvider{model: "m", failures: 10, err: fmt.Errorf("%w: slow down", ErrRateLimited)}
	p := NewLimitedProvider(inner, nil, LimitOptions{Attempts: 2, Delay: time.Millisecond})

	_, err := p.Complete(context.Background(), []*types.Message{types.NewUserMessage("x")})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 2, inner.callCount())
}

func TestLimitedProviderDoesNotRetryOtherErrors(t *testing.T) {
	inner := &fakeProvider{model: "m", failures: 1, err: errors.New("bad request")}
	p := NewLimitedProvider(inner, nil, LimitOptions{Attempts: 5, Delay: time.Millisecond})

	_, err := p.Complete(context.Background(), []*types.Message{types.NewUserMessage("x")})
	assert.EqualError(t, err, "bad request")
	assert.Equal(t, 1, inner.callCount())
}

func TestLimitedProviderStream(t *testing.T) {
	inner := &fakeProvider{model: "m", failures: 1, err: ErrRateLimited}
	p := NewLimitedProvider(inner, nil, LimitOptions{Attempts: 2, Delay: time.Millisecond})

	stream, err := p.StreamCompletion(context.Background(), []*types.Message{types.NewUserMessage("x")})
	require.NoError(t, err)
	msg, err := Collect(stream)
	require.NoError(t, err)
	assert.Equal(t, "m: x", msg.Content)
}

func TestLimitedProviderPaces(t *testing.T) {
	// 600 per minute is one call every 100ms after the initial burst of one.
	p := NewLimitedProvider(&fakeProvider{model: "m"}, NewLimiter(600), LimitOptions{})
	messages := []*types.Message{types.NewUserMessage("x")}

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := p.Complete(context.Background(), messages)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 180*time.Millisecond)
}

func TestLimitedProviderHonorsContext(t *testing.T) {
	p := NewLimitedProvider(&fakeProvider{model: "m"}, NewLimiter(1), LimitOptions{})
	messages := []*types.Message{types.NewUserMessage("x")}

	_, err := p.Complete(context.Background(), messages)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Complete(ctx, messages)
	assert.Error(t, err)
}

func TestLimitedProviderClone(t *testing.T) {
	limiter := NewLimiter(60)
	p := NewLimitedProvider(&fakeProvider{model: "gpt-4o"}, limiter, LimitOptions{})
	clone := p.CloneWithModel("gpt-4o-mini").(*LimitedProvider)

	assert.Equal(t, "gpt-4o-mini", clone.GetModel())
	assert.Same(t, limiter, clone.limiter)
}
