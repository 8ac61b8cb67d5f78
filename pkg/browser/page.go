package browser

import (
	"errors"
	"fmt"

	"github.com/playwright-community/playwright-go"
)

// Default limits for page snapshots.
const (
	DefaultSnapshotLength = 40000
	DefaultScrollPixels   = 600
)

// Page is the set of operations the operator performs on a browser tab.
type Page interface {
	Navigate(url string) error
	Click(selector string) error
	Fill(selector, value string) error
	Press(selector, key string) error
	Scroll(pixels int) error
	Snapshot(maxLength int) (*Snapshot, error)
	Close() error
}

// Snapshot is the observation of the current page.
type Snapshot struct {
	URL  string
	Page *CleanedHTML
}

// Conn is a page of a session's Chrome reached over the DevTools protocol.
type Conn struct {
	browser playwright.Browser
	page    playwright.Page
	port    int
}

var _ Page = (*Conn)(nil)

// Port returns the debug port this connection is attached to.
func (c *Conn) Port() int {
	return c.port
}

// URL returns the URL of the current page.
func (c *Conn) URL() string {
	return c.page.URL()
}

// Navigate loads url and waits for the DOM to be ready.
func (c *Conn) Navigate(url string) error {
	waitUntil := playwright.WaitUntilState("domcontentloaded")
	if _, err := c.page.Goto(url, playwright.PageGotoOptions{WaitUntil: &waitUntil}); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

// Click clicks the first element matching selector.
func (c *Conn) Click(selector string) error {
	if selector == "" {
		return errors.New("selector is required for click")
	}
	if err := c.page.Click(selector); err != nil {
		return fmt.Errorf("click failed: %w", err)
	}
	return nil
}

// Fill replaces the value of the input matching selector.
func (c *Conn) Fill(selector, value string) error {
	if selector == "" {
		return errors.New("selector is required for fill")
	}
	if err := c.page.Fill(selector, value); err != nil {
		return fmt.Errorf("fill failed: %w", err)
	}
	return nil
}

// Press sends a key press to the element matching selector.
func (c *Conn) Press(selector, key string) error {
	if selector == "" {
		return errors.New("selector is required for press")
	}
	if err := c.page.Press(selector, key); err != nil {
		return fmt.Errorf("press failed: %w", err)
	}
	return nil
}

// Scroll scrolls the page vertically. Negative values scroll up.
func (c *Conn) Scroll(pixels int) error {
	if pixels == 0 {
		pixels = DefaultScrollPixels
	}
	if err := c.page.Mouse().Wheel(0, float64(pixels)); err != nil {
		return fmt.Errorf("scroll failed: %w", err)
	}
	return nil
}

// Snapshot returns the cleaned HTML of the current page.
func (c *Conn) Snapshot(maxLength int) (*Snapshot, error) {
	if maxLength <= 0 {
		maxLength = DefaultSnapshotLength
	}
	raw, err := c.page.Content()
	if err != nil {
		return nil, fmt.Errorf("failed to read page content: %w", err)
	}
	cleaned, err := Clean(raw, maxLength)
	if err != nil {
		return nil, err
	}
	return &Snapshot{URL: c.page.URL(), Page: cleaned}, nil
}

// Close disconnects from the browser. Chrome keeps running.
func (c *Conn) Close() error {
	if err := c.browser.Close(); err != nil {
		return fmt.Errorf("failed to disconnect from browser: %w", err)
	}
	return nil
}
