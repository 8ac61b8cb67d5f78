package models

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/entrhq/webpilot/pkg/llm"
	"github.com/entrhq/webpilot/pkg/llm/openai"
)

// GeminiBaseURL is Gemini's OpenAI-compatible endpoint.
const GeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"

// FactoryOptions configure a Factory.
type FactoryOptions struct {
	// Cache, when set, serves repeated completions from SQLite.
	Cache *llm.Cache

	// RequestsPerMinute is shared by all models of one group.
	RequestsPerMinute int

	// Retry controls retries of rate-limited calls.
	Retry llm.LimitOptions

	// HTTPClient overrides the transport of every provider.
	HTTPClient *http.Client

	// Getenv resolves credentials. Defaults to os.Getenv.
	Getenv func(string) string

	// BaseURLs overrides the endpoint per group, mainly for tests.
	BaseURLs map[Group]string
}

// Factory builds providers for catalog models. Providers of the same group
// share one rate limiter.
type Factory struct {
	opts FactoryOptions

	mu       sync.Mutex
	limiters map[Group]*rate.Limiter
}

// NewFactory creates a factory.
func NewFactory(opts FactoryOptions) *Factory {
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	return &Factory{
		opts:     opts,
		limiters: make(map[Group]*rate.Limiter),
	}
}

func (f *Factory) limiter(g Group) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[g]
	if !ok {
		l = llm.NewLimiter(f.opts.RequestsPerMinute)
		f.limiters[g] = l
	}
	return l
}

// New builds a provider for the catalog model named name.
func (f *Factory) New(name string) (llm.Provider, error) {
	m, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown model %q", name)
	}
	return f.NewModel(m)
}

// NewModel builds a provider for m, wrapped with the cache and the group's
// rate limiter.
func (f *Factory) NewModel(m Model) (llm.Provider, error) {
	apiKey, baseURL, err := f.endpoint(m.Group)
	if err != nil {
		return nil, err
	}

	opts := []openai.ProviderOption{
		openai.WithModel(m.ID),
		openai.WithBaseURL(baseURL),
		openai.WithProviderName(m.Group.String()),
		openai.WithMaxTokens(m.ContextSize),
	}
	if !m.NoTemperature {
		opts = append(opts, openai.WithTemperature(0))
	}
	if f.opts.HTTPClient != nil {
		opts = append(opts, openai.WithHTTPClient(f.opts.HTTPClient))
	}

	var p llm.Provider
	p, err = openai.NewProvider(apiKey, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s provider: %w", m.ID, err)
	}
	if f.opts.Cache != nil {
		p = llm.NewCachedProvider(p, f.opts.Cache)
	}
	return llm.NewLimitedProvider(p, f.limiter(m.Group), f.opts.Retry), nil
}

// endpoint resolves the credentials and base URL of a group.
func (f *Factory) endpoint(g Group) (apiKey, baseURL string, err error) {
	override := f.opts.BaseURLs[g]

	switch g {
	case GroupOpenAI:
		apiKey = f.opts.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return "", "", fmt.Errorf("OPENAI_API_KEY is not set")
		}
		baseURL = openai.DefaultBaseURL
		if v := f.opts.Getenv("OPENAI_BASE_URL"); v != "" {
			baseURL = v
		}

	case GroupGemini:
		apiKey = f.opts.Getenv("GEMINI_API_KEY")
		if apiKey == "" {
			apiKey = f.opts.Getenv("GOOGLE_API_KEY")
		}
		if apiKey == "" {
			return "", "", fmt.Errorf("GEMINI_API_KEY or GOOGLE_API_KEY is not set")
		}
		baseURL = GeminiBaseURL

	case GroupOllama:
		host := f.opts.Getenv("OLLAMA_HOST")
		if host == "" {
			return "", "", fmt.Errorf("OLLAMA_HOST is not set")
		}
		// Ollama ignores the key but the client requires one.
		apiKey = "ollama"
		baseURL = ollamaBaseURL(host)

	default:
		return "", "", fmt.Errorf("unsupported model group %s", g)
	}

	if override != "" {
		baseURL = override
	}
	return apiKey, baseURL, nil
}

// ollamaBaseURL turns OLLAMA_HOST ("host:port" or a URL) into the
// OpenAI-compatible endpoint.
func ollamaBaseURL(host string) string {
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	host = strings.TrimRight(host, "/")
	if strings.HasSuffix(host, "/v1") {
		return host
	}
	return host + "/v1"
}
