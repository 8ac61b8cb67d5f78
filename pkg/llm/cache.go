package llm

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/entrhq/webpilot/pkg/logging"
	"github.com/entrhq/webpilot/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Cache stores completed responses in SQLite, shared by every session of
// the process. WAL mode keeps concurrent readers off the writer's lock.
type Cache struct {
	db     *sql.DB
	logger *logging.Logger
}

// OpenCache opens or creates the cache database at path.
func OpenCache(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	c := &Cache{db: db, logger: logging.NewWriterLogger("llm-cache", io.Discard)}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache: %w", err)
	}
	return c, nil
}

func (c *Cache) migrate() error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := c.db.Exec(string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", f, err)
		}
	}
	return nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Key derives the cache key of a request.
func Key(model string, messages []*types.Message) string {
	h := sha256.New()
	h.Write([]byte(model))
	for _, m := range messages {
		h.Write([]byte{0})
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached response for key.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	var content string
	err := c.db.QueryRowContext(ctx, "SELECT content FROM responses WHERE key = ?", key).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read cache: %w", err)
	}
	return content, true, nil
}

// SetLogger sets where CachedProvider reports cache failures. It must be
// called before the cache is shared.
func (c *Cache) SetLogger(l *logging.Logger) {
	if l != nil {
		c.logger = l
	}
}

// Put stores a response, replacing any previous one under key.
func (c *Cache) Put(ctx context.Context, key, model, content string) error {
	_, err := c.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO responses (key, model, content) VALUES (?, ?, ?)",
		key, model, content)
	if err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	return nil
}

// Len returns the number of cached responses.
func (c *Cache) Len(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM responses").Scan(&n); err != nil {
		return 0, fmt.Errorf("count cache: %w", err)
	}
	return n, nil
}

// CachedProvider answers Complete from a Cache when it can. Streaming
// requests bypass the cache.
type CachedProvider struct {
	Provider
	cache *Cache
}

// NewCachedProvider wraps p with cache.
func NewCachedProvider(p Provider, cache *Cache) *CachedProvider {
	return &CachedProvider{Provider: p, cache: cache}
}

// Complete returns a cached answer or calls the wrapped provider and stores
// its answer. Cache failures never fail the call.
func (c *CachedProvider) Complete(ctx context.Context, messages []*types.Message) (*types.Message, error) {
	key := Key(c.GetModel(), messages)
	content, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.cache.logger.Debugf("Cache lookup for %s failed: %v", c.GetModel(), err)
	} else if ok {
		return types.NewAssistantMessage(content), nil
	}

	msg, err := c.Provider.Complete(ctx, messages)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Put(ctx, key, c.GetModel(), msg.Content); err != nil {
		c.cache.logger.Warnf("Cache store for %s failed: %v", c.GetModel(), err)
	}
	return msg, nil
}

// CloneWithModel keeps the cache around a retargeted provider.
func (c *CachedProvider) CloneWithModel(model string) Provider {
	if cloner, ok := c.Provider.(ModelCloner); ok {
		return NewCachedProvider(cloner.CloneWithModel(model), c.cache)
	}
	return c
}
