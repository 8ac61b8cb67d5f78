package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/entrhq/webpilot/pkg/agent"
	"github.com/entrhq/webpilot/pkg/blocklist"
	"github.com/entrhq/webpilot/pkg/browser"
	"github.com/entrhq/webpilot/pkg/config"
	"github.com/entrhq/webpilot/pkg/llm"
	"github.com/entrhq/webpilot/pkg/llm/tokenizer"
	"github.com/entrhq/webpilot/pkg/logging"
	"github.com/entrhq/webpilot/pkg/models"
	"github.com/entrhq/webpilot/pkg/session"
	"github.com/entrhq/webpilot/pkg/supervisor"
)

const (
	messagePoll     = 500 * time.Millisecond
	shutdownTimeout = time.Minute
)

type runOptions struct {
	prompt   string
	operator string
	planner  string
	files    []string
	secrets  []string
	keep     bool
}

func runCmd(flags *globalFlags) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one browser task in a fresh session",
		Example: `  webpilot run --prompt "find the cheapest flight from Oslo to Rome next Friday"
  webpilot run -p "log in and download the invoice" --secret user=me@example.com --secret password=hunter2
  webpilot run -p "fill the form with data.csv" --file ./data.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.prompt == "" {
				return errors.New("--prompt is required")
			}
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runTask(ctx, cfg, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.prompt, "prompt", "p", "", "task for the browser agent")
	cmd.Flags().StringVar(&opts.operator, "operator", "", "operator model (default from policy)")
	cmd.Flags().StringVar(&opts.planner, "planner", "", "planner model (default from policy)")
	cmd.Flags().StringArrayVar(&opts.files, "file", nil, "file to copy into the session directory (repeatable)")
	cmd.Flags().StringArrayVar(&opts.secrets, "secret", nil, "name=value the agent may type without seeing it (repeatable)")
	cmd.Flags().BoolVar(&opts.keep, "keep", false, "keep the browser open after the task until interrupted")
	return cmd
}

func parseSecrets(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("secret %q is not name=value", p)
		}
		out[strings.TrimSpace(name)] = value
	}
	return out, nil
}

func runTask(ctx context.Context, cfg *config.Config, opts *runOptions) error {
	secrets, err := parseSecrets(opts.secrets)
	if err != nil {
		return err
	}

	logger := logging.MustLogger("webpilot")
	defer logger.Close()

	if err := os.MkdirAll(cfg.SessionsDir, 0755); err != nil {
		return fmt.Errorf("failed to create sessions directory: %w", err)
	}

	registry, release, err := newRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer release()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		registry.Close(sctx)
	}()

	s, err := registry.Create("local", "cli")
	if err != nil {
		return err
	}
	for _, f := range opts.files {
		data, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if err := s.StoreFile(filepath.Base(f), data); err != nil {
			return err
		}
	}

	st, err := s.StartBrowser(ctx)
	if err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	fmt.Printf("Session %s: display :%d, websocket port %d, debug port %d\n", st.SessionID, st.Display, st.Bridge, st.Browser)

	if _, err := s.StartTask(session.TaskRequest{
		Prompt:        opts.prompt,
		Operator:      opts.operator,
		Planner:       opts.planner,
		SensitiveData: secrets,
	}); err != nil {
		return err
	}

	cancelled := false
	for {
		if ctx.Err() != nil && !cancelled {
			cancelled = true
			fmt.Println("Cancelling task...")
			cctx, cancel := context.WithTimeout(context.Background(), cfg.CancelGrace)
			if _, err := s.CancelTask(cctx); err != nil {
				logger.Warnf("Cancel: %v", err)
			}
			cancel()
		}
		m, ok := s.NextMessage(messagePoll)
		if !ok {
			if cancelled && s.Status().Task == 0 {
				break
			}
			continue
		}
		fmt.Println(m.String())
		if m.IsTerminal() {
			break
		}
	}

	if opts.keep && !cancelled {
		fmt.Println("Browser kept open, press Ctrl+C to exit")
		<-ctx.Done()
	}
	return nil
}

// newRegistry wires the registry with the operator task, the model factory,
// the response cache and the blocklist. release closes the browser driver
// and the cache once the registry is closed.
func newRegistry(ctx context.Context, cfg *config.Config, logger *logging.Logger) (r *session.Registry, release func(), err error) {
	var cache *llm.Cache
	if cfg.Models.Cache {
		c, cerr := llm.OpenCache(cfg.CachePath())
		if cerr != nil {
			logger.Warnf("Response cache disabled: %v", cerr)
		} else {
			c.SetLogger(logging.MustLogger("llm-cache"))
			cache = c
		}
	}
	driver := browser.NewDriver(browser.DefaultTimeout)
	closeAll := func() {
		if err := driver.Close(); err != nil {
			logger.Warnf("Close browser driver: %v", err)
		}
		if cache != nil {
			_ = cache.Close()
		}
	}
	defer func() {
		if err != nil {
			closeAll()
		}
	}()

	factory := models.NewFactory(models.FactoryOptions{
		Cache:             cache,
		RequestsPerMinute: cfg.Models.RequestsPerMinute,
		Retry: llm.LimitOptions{
			RequestsPerMinute: cfg.Models.RequestsPerMinute,
			Attempts:          cfg.Models.RetryAttempts,
			Delay:             cfg.Models.RetryDelay,
		},
	})

	tok, terr := tokenizer.New()
	if terr != nil {
		logger.Warnf("Tokenizer unavailable, estimating observation size: %v", terr)
	}

	operator, err := agent.NewOperatorFactory(agent.OperatorOptions{
		Models:            factory,
		Attach:            agent.DriverAttach(driver),
		Tokenizer:         tok,
		Logger:            logging.MustLogger("agent"),
		MaxSteps:          cfg.Agent.MaxSteps,
		MaxActionsPerStep: cfg.Agent.MaxActionsPerStep,
		ObservationTokens: cfg.Agent.ObservationTokens,
	})
	if err != nil {
		return nil, nil, err
	}

	var hosts session.Blocklist
	if cfg.Blocklist.Enabled {
		refresher, err := blocklist.New(blocklist.Options{
			URL:     cfg.Blocklist.URL,
			Path:    cfg.BlocklistPath(),
			MaxAge:  cfg.Blocklist.Refresh,
			Timeout: cfg.Blocklist.Timeout,
			Logger:  logging.MustLogger("blocklist"),
		})
		if err != nil {
			return nil, nil, err
		}
		if err := refresher.RefreshIfStale(ctx); err != nil {
			logger.Warnf("Blocklist refresh failed: %v", err)
		}
		hosts = refresher
	}

	r, err = session.NewRegistry(session.Options{
		Config:    cfg,
		Factory:   operator,
		Blocklist: hosts,
		Reaper:    supervisor.NewReaper(logging.MustLogger("reaper")),
		Logger:    logging.MustLogger("session"),
	})
	if err != nil {
		return nil, nil, err
	}
	return r, closeAll, nil
}
