// Package agentfeed fetches remote agents' portfolio snapshots. The
// source returns a list of per-agent snapshots keyed by an increasing
// marker and is not assumed to pre-filter; this client keeps only the
// highest marker per agent and caches the result for a short TTL so a
// fast poll loop does not hammer the source.
package agentfeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/mirrorline/copytrader/errs"
	"github.com/mirrorline/copytrader/market"
	"github.com/mirrorline/copytrader/retry"
)

// Client fetches and caches agent snapshots.
type Client struct {
	http     *resty.Client
	log      zerolog.Logger
	cacheTTL time.Duration
	retry    retry.Config

	mu       sync.Mutex
	cached   map[string]market.Snapshot
	cachedAt time.Time
}

// Option tweaks client construction.
type Option func(*Client)

// WithCacheTTL sets how long a fetched batch stays fresh.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) { c.cacheTTL = ttl }
}

// WithRetry overrides the fetch retry schedule.
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

// NewClient targets the agent-data source at baseURL.
func NewClient(baseURL string, log zerolog.Logger, opts ...Option) *Client {
	httpc := resty.New()
	httpc.SetBaseURL(baseURL)
	httpc.SetTimeout(30 * time.Second)

	c := &Client{
		http:     httpc,
		log:      log,
		cacheTTL: 10 * time.Second,
		retry:    retry.Defaults(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type wireSnapshot struct {
	Agent     string                     `json:"agent"`
	Marker    int64                      `json:"marker"`
	Positions map[string]market.Position `json:"positions"`
}

type wireResponse struct {
	Snapshots []wireSnapshot `json:"snapshots"`
}

// Snapshots returns the authoritative snapshot per agent, from cache
// when fresh. The fetch is an idempotent read and is retried with
// backoff; exhaustion surfaces as a DataSourceError.
func (c *Client) Snapshots(ctx context.Context) (map[string]market.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && time.Since(c.cachedAt) < c.cacheTTL {
		return c.cached, nil
	}

	var resp wireResponse
	err := retry.Do(ctx, c.retry, c.log, "agentfeed.Snapshots", func() error {
		r, err := c.http.R().
			SetContext(ctx).
			SetResult(&resp).
			Get("/snapshots")
		if err != nil {
			return err
		}
		if r.IsError() {
			return fmt.Errorf("status %d: %s", r.StatusCode(), r.String())
		}
		return nil
	})
	if err != nil {
		return nil, errs.DataSource("agentfeed.Snapshots", err)
	}

	snaps := make([]market.Snapshot, 0, len(resp.Snapshots))
	for _, w := range resp.Snapshots {
		snaps = append(snaps, market.Snapshot{
			Agent:     w.Agent,
			Marker:    w.Marker,
			Positions: w.Positions,
		})
	}

	latest := market.LatestByAgent(snaps)
	if dropped := len(snaps) - len(latest); dropped > 0 {
		c.log.Debug().Int("dropped", dropped).Msg("agentfeed: discarded superseded snapshots")
	}

	c.cached = latest
	c.cachedAt = time.Now()
	return latest, nil
}

// Invalidate drops the cache so the next call refetches.
func (c *Client) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
}
