package agentfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorline/copytrader/errs"
	"github.com/mirrorline/copytrader/retry"
)

const feedBody = `{
	"snapshots": [
		{
			"agent": "alpha",
			"marker": 3,
			"positions": {
				"BTCUSDT": {"symbol": "BTCUSDT", "entry_price": 42000, "quantity": 0.1, "leverage": 10,
					"current_price": 43000, "entry_oid": 4,
					"exit_plan": {"profit_target": 50000, "stop_loss": 40000}}
			}
		},
		{
			"agent": "alpha",
			"marker": 7,
			"positions": {
				"BTCUSDT": {"symbol": "BTCUSDT", "entry_price": 43000, "quantity": 0.05, "leverage": 10,
					"current_price": 43100, "entry_oid": 5,
					"exit_plan": {"profit_target": 50000, "stop_loss": 40000}}
			}
		},
		{"agent": "beta", "marker": 2, "positions": {}}
	]
}`

func fastRetry() Option {
	return WithRetry(retry.Config{MaxAttempts: 2, InitialInterval: time.Millisecond})
}

func TestSnapshotsKeepsHighestMarkerPerAgent(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/snapshots", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(feedBody))
	}))
	t.Cleanup(server.Close)

	c := NewClient(server.URL, zerolog.Nop(), fastRetry())
	snaps, err := c.Snapshots(context.Background())
	require.NoError(t, err)

	require.Len(t, snaps, 2)
	alpha := snaps["alpha"]
	assert.Equal(t, int64(7), alpha.Marker)
	assert.Equal(t, int64(5), alpha.Positions["BTCUSDT"].EntryOID)
	assert.Equal(t, 0.05, alpha.Positions["BTCUSDT"].Quantity)
	assert.Equal(t, 50000.0, alpha.Positions["BTCUSDT"].ExitPlan.ProfitTarget)
}

func TestSnapshotsCachesWithinTTL(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(feedBody))
	}))
	t.Cleanup(server.Close)

	c := NewClient(server.URL, zerolog.Nop(), WithCacheTTL(time.Minute), fastRetry())

	_, err := c.Snapshots(context.Background())
	require.NoError(t, err)
	_, err = c.Snapshots(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), hits.Load())

	c.Invalidate()
	_, err = c.Snapshots(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), hits.Load())
}

func TestSnapshotsRetriesThenWrapsFailure(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	c := NewClient(server.URL, zerolog.Nop(), fastRetry())

	_, err := c.Snapshots(context.Background())
	require.Error(t, err)

	var dse *errs.DataSourceError
	assert.ErrorAs(t, err, &dse)
	assert.Contains(t, err.Error(), "attempts")
	assert.Equal(t, int64(2), hits.Load())
}

func TestSnapshotsRecoversOnRetry(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(feedBody))
	}))
	t.Cleanup(server.Close)

	c := NewClient(server.URL, zerolog.Nop(), fastRetry())
	snaps, err := c.Snapshots(context.Background())
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}
