package journal

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
)

func newTestSQLite(t *testing.T) (*SQLite, string) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	j, err := NewSQLite(path)
	assert.NoError(t, err)

	return j, path
}

func TestSQLiteSchemaCreated(t *testing.T) {
	t.Parallel()

	j, path := newTestSQLite(t)
	assert.NoError(t, j.Close())

	db, err := sql.Open("sqlite3", path)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table' AND name IN ('fills','cycles')`)
	assert.NoError(t, err)
	defer rows.Close()

	found := map[string]bool{}
	for rows.Next() {
		var name string
		assert.NoError(t, rows.Scan(&name))
		found[name] = true
	}
	assert.NoError(t, rows.Err())

	assert.True(t, found["fills"])
	assert.True(t, found["cycles"])
}

func TestSQLiteRecordFill(t *testing.T) {
	t.Parallel()

	j, _ := newTestSQLite(t)
	t.Cleanup(func() { _ = j.Close() })

	created := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	rec := FillRecord{
		OrderID:   "123456",
		Agent:     "alpha",
		Symbol:    "BTCUSDT",
		Action:    "ENTER",
		Side:      "BUY",
		Quantity:  0.05,
		Price:     43012.5,
		LotID:     5,
		Reason:    "new position detected",
		CreatedAt: created,
	}
	assert.NoError(t, j.RecordFill(rec))

	got, err := j.GetFill("123456")
	assert.NoError(t, err)
	assert.Equal(t, rec.Symbol, got.Symbol)
	assert.Equal(t, rec.Quantity, got.Quantity)
	assert.Equal(t, rec.LotID, got.LotID)
	assert.True(t, created.Equal(got.CreatedAt))

	_, err = j.GetFill("missing")
	assert.Error(t, err)
}

func TestSQLiteListFillsBySymbol(t *testing.T) {
	t.Parallel()

	j, _ := newTestSQLite(t)
	t.Cleanup(func() { _ = j.Close() })

	base := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)
	for i, sym := range []string{"BTCUSDT", "ETHUSDT", "BTCUSDT"} {
		assert.NoError(t, j.RecordFill(FillRecord{
			OrderID:   string(rune('a' + i)),
			Agent:     "alpha",
			Symbol:    sym,
			Action:    "ENTER",
			Side:      "BUY",
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	fills, err := j.ListFillsBySymbol("BTCUSDT")
	assert.NoError(t, err)
	assert.Len(t, fills, 2)
	// newest first
	assert.Equal(t, "c", fills[0].OrderID)
}

func TestSQLiteListFillsBetween(t *testing.T) {
	t.Parallel()

	j, _ := newTestSQLite(t)
	t.Cleanup(func() { _ = j.Close() })

	day := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)
	assert.NoError(t, j.RecordFill(FillRecord{OrderID: "in", Agent: "a", Symbol: "BTCUSDT", Action: "ENTER", Side: "BUY", CreatedAt: day.Add(time.Hour)}))
	assert.NoError(t, j.RecordFill(FillRecord{OrderID: "out", Agent: "a", Symbol: "BTCUSDT", Action: "ENTER", Side: "BUY", CreatedAt: day.Add(25 * time.Hour)}))

	fills, err := j.ListFillsBetween(day, day.Add(24*time.Hour))
	assert.NoError(t, err)
	assert.Len(t, fills, 1)
	assert.Equal(t, "in", fills[0].OrderID)
}

func TestSQLiteRecordCycle(t *testing.T) {
	t.Parallel()

	j, path := newTestSQLite(t)

	now := time.Now().UTC()
	assert.NoError(t, j.RecordCycle(CycleRecord{
		Agent:      "alpha",
		StartedAt:  now.Add(-time.Second),
		FinishedAt: now,
		Plans:      3,
		Executed:   2,
		Skipped:    1,
	}))
	assert.NoError(t, j.Close())

	db, err := sql.Open("sqlite3", path)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var count int
	assert.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM cycles`).Scan(&count))
	assert.Equal(t, 1, count)
}
