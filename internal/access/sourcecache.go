package access

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/iotaledger/gas-station/internal/access/rego"
	"github.com/iotaledger/gas-station/internal/log"
	"github.com/iotaledger/gas-station/internal/storage"
)

// sourceCache holds compiled rego expressions keyed by rule name, bounded
// in count and refreshed on a TTL, wrapping hashicorp/golang-lru directly
// rather than reinventing a bounded cache (SPEC_FULL.md §4.6A).
type sourceCache struct {
	mu      sync.Mutex
	lru     *lru.Cache
	ttl     time.Duration
	store   storage.Store
	httpCli *http.Client
	logger  log.Logger
}

type cachedExpr struct {
	expr     *rego.Expr
	cachedAt time.Time
}

func newSourceCache(store storage.Store, ttl time.Duration) *sourceCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c, _ := lru.New(256)
	return &sourceCache{
		lru:     c,
		ttl:     ttl,
		store:   store,
		httpCli: &http.Client{Timeout: 5 * time.Second},
		logger:  log.NewModuleLogger(log.Access).With("component", "rego-source-cache"),
	}
}

// Get returns a compiled expression for ruleName, loading (and caching)
// its source from source on a miss or expiry. A stale cache entry is
// served if a reload fails — "reload on failure is best-effort and does
// not block evaluation of unrelated rules" (spec.md §4.6).
func (c *sourceCache) Get(ctx context.Context, ruleName, source string) (*rego.Expr, error) {
	c.mu.Lock()
	if v, ok := c.lru.Get(ruleName); ok {
		entry := v.(cachedExpr)
		if time.Since(entry.cachedAt) < c.ttl {
			c.mu.Unlock()
			return entry.expr, nil
		}
	}
	c.mu.Unlock()

	text, err := c.load(ctx, source)
	if err != nil {
		c.mu.Lock()
		if v, ok := c.lru.Get(ruleName); ok {
			c.mu.Unlock()
			c.logger.Warn("rego source reload failed, serving stale", "rule", ruleName, "err", err)
			return v.(cachedExpr).expr, nil
		}
		c.mu.Unlock()
		return nil, err
	}

	expr, err := rego.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("compiling rego source for rule %q: %w", ruleName, err)
	}

	c.mu.Lock()
	c.lru.Add(ruleName, cachedExpr{expr: expr, cachedAt: time.Now()})
	c.mu.Unlock()
	return expr, nil
}

// load resolves a rego source from a static file, a keyed-store value,
// or an HTTP(S) URL (spec.md §4.6 "Rego sources may be static files,
// keyed-store values ..., or HTTP URLs").
func (c *sourceCache) load(ctx context.Context, source string) (string, error) {
	switch {
	case len(source) > 7 && (source[:7] == "http://" || source[:8] == "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return "", err
		}
		resp, err := c.httpCli.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		return string(b), err
	case len(source) > 6 && source[:6] == "store:":
		key := source[6:]
		v, found, err := c.store.GetRaw(ctx, key)
		if err != nil {
			return "", err
		}
		if !found {
			return "", fmt.Errorf("no rego source stored at key %q", key)
		}
		return v, nil
	default:
		b, err := os.ReadFile(source)
		return string(b), err
	}
}
