package menu

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	logx "babbell/pkg/logx"

	"github.com/jonboulle/clockwork"
)

type Config struct {
	Enabled  bool
	URL      string
	CacheTTL time.Duration
	Timeout  time.Duration
}

const (
	defaultCacheTTL = 10 * time.Minute
	defaultTimeout  = 10 * time.Second
)

// Fetcher downloads and parses the menu page. Successful results are cached
// for CacheTTL; failures are not cached.
type Fetcher struct {
	mu     sync.Mutex
	cfg    Config
	client *http.Client
	clock  clockwork.Clock
	log    logx.Logger

	cached    *Today
	fetchedAt time.Time
}

func NewFetcher(cfg Config, clock clockwork.Clock, log logx.Logger) *Fetcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	f := &Fetcher{clock: clock, log: log.With(logx.String("comp", "menu"))}
	f.Apply(cfg)
	return f
}

// Apply swaps config and drops the cache.
func (f *Fetcher) Apply(cfg Config) {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = cfg
	f.client = &http.Client{Timeout: cfg.Timeout}
	f.cached = nil
}

func (f *Fetcher) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.Enabled
}

// Fetch returns today's menu. Errors are reported in Today.FetchError so the
// caller can still render a "lookup failed" line.
func (f *Fetcher) Fetch(ctx context.Context) Today {
	now := f.clock.Now()

	f.mu.Lock()
	cfg, client := f.cfg, f.client
	if f.cached != nil && now.Sub(f.fetchedAt) < cfg.CacheTTL {
		t := *f.cached
		f.mu.Unlock()
		return t
	}
	f.mu.Unlock()

	out := Today{Date: now.Format("2006-01-02")}
	if !cfg.Enabled {
		return out
	}

	t, err := f.download(ctx, client, cfg.URL, now)
	if err != nil {
		f.log.Warn("menu fetch failed", logx.String("url", cfg.URL), logx.Err(err))
		out.FetchError = err.Error()
		return out
	}

	f.mu.Lock()
	f.cached = &t
	f.fetchedAt = now
	f.mu.Unlock()
	f.log.Info("menu fetched", logx.String("date", t.Date), logx.Int("restaurants", len(t.Restaurants)))
	return t
}

func (f *Fetcher) download(ctx context.Context, client *http.Client, url string, now time.Time) (Today, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return Today{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Today{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Today{}, fmt.Errorf("menu page: %s", resp.Status)
	}
	return Parse(resp.Body, now)
}
