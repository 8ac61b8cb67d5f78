// Package browser attaches to a session's Chrome over the DevTools protocol
// and exposes the few page operations the operator task needs.
//
// Chrome itself is started and owned by the session supervisor. This package
// never launches or kills a browser: it connects to the debug port, drives the
// first page it finds, and disconnects.
package browser

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/playwright-community/playwright-go"
)

// DefaultTimeout is the default timeout for page operations in milliseconds.
const DefaultTimeout = 30000.0

// Driver owns the playwright driver process shared by every attached page.
// The driver starts lazily on the first Attach.
type Driver struct {
	mu      sync.Mutex
	pw      *playwright.Playwright
	timeout float64
}

// NewDriver creates a driver. A timeout of 0 selects DefaultTimeout.
func NewDriver(timeout float64) *Driver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Driver{timeout: timeout}
}

func runOptions() *playwright.RunOptions {
	return &playwright.RunOptions{
		Verbose:             false,
		SkipInstallBrowsers: true,
		Stdout:              io.Discard,
		Stderr:              io.Discard,
	}
}

// Install downloads the playwright driver. Browsers are not installed since
// Chrome is supplied by the host.
func Install() error {
	if err := playwright.Install(runOptions()); err != nil {
		return fmt.Errorf("failed to install playwright driver: %w", err)
	}
	return nil
}

func (d *Driver) start() (*playwright.Playwright, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pw != nil {
		return d.pw, nil
	}
	pw, err := playwright.Run(runOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}
	d.pw = pw
	return pw, nil
}

// Endpoint returns the DevTools endpoint of a local debug port.
func Endpoint(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

// Attach connects to the Chrome listening on the given debug port and
// returns its first open page, opening one if the browser has none.
func (d *Driver) Attach(ctx context.Context, port int) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := d.start()
	if err != nil {
		return nil, err
	}

	b, err := pw.Chromium.ConnectOverCDP(Endpoint(port), playwright.BrowserTypeConnectOverCDPOptions{
		Timeout: playwright.Float(d.timeout),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to browser on port %d: %w", port, err)
	}

	page, err := firstPage(b)
	if err != nil {
		b.Close()
		return nil, err
	}
	page.SetDefaultTimeout(d.timeout)

	return &Conn{browser: b, page: page, port: port}, nil
}

func firstPage(b playwright.Browser) (playwright.Page, error) {
	for _, bc := range b.Contexts() {
		if pages := bc.Pages(); len(pages) > 0 {
			return pages[0], nil
		}
	}

	var bc playwright.BrowserContext
	if contexts := b.Contexts(); len(contexts) > 0 {
		bc = contexts[0]
	} else {
		var err error
		bc, err = b.NewContext()
		if err != nil {
			return nil, fmt.Errorf("failed to create context: %w", err)
		}
	}
	page, err := bc.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	return page, nil
}

// Close stops the playwright driver. Attached connections become unusable.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pw == nil {
		return nil
	}
	err := d.pw.Stop()
	d.pw = nil
	if err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}
