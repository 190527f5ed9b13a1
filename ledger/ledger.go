// Package ledger is the durable, append-only record of every replica
// order ever placed, keyed by (lot id, symbol). It is the sole source
// of truth for "what has already been copied": the engine rebuilds
// prior agent state from it instead of trusting any in-process cache
// across restarts.
//
// The backing store is a single human-readable YAML file. Operators are
// allowed to hand-edit it between cycles, so every read that feeds a
// reconciliation decision reloads the file first.
package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/mirrorline/copytrader/market"
)

// Entry is one replica order, written exactly once at confirmed
// placement and never mutated.
type Entry struct {
	LotID     int64       `yaml:"lot_id" json:"lot_id"`
	Symbol    string      `yaml:"symbol" json:"symbol"`
	Agent     string      `yaml:"agent" json:"agent"`
	Side      market.Side `yaml:"side" json:"side"`
	Quantity  float64     `yaml:"quantity" json:"quantity"`
	Price     float64     `yaml:"price" json:"price"`
	OrderID   string      `yaml:"order_id" json:"order_id"`
	Timestamp time.Time   `yaml:"timestamp" json:"timestamp"`
}

// ProfitExit flags a lot that was intentionally closed at its profit
// target, kept in a side list next to the entries.
type ProfitExit struct {
	Symbol    string    `yaml:"symbol" json:"symbol"`
	LotID     int64     `yaml:"lot_id" json:"lot_id"`
	ExitPrice float64   `yaml:"exit_price" json:"exit_price"`
	ProfitPct float64   `yaml:"profit_pct" json:"profit_pct"`
	Reason    string    `yaml:"reason" json:"reason"`
	Timestamp time.Time `yaml:"timestamp" json:"timestamp"`
}

type fileState struct {
	CreatedAt   time.Time    `yaml:"created_at,omitempty"`
	UpdatedAt   time.Time    `yaml:"updated_at"`
	Entries     []Entry      `yaml:"entries"`
	ProfitExits []ProfitExit `yaml:"profit_exits,omitempty"`
}

// Ledger wraps the backing file. Safe for use by one reconciliation
// cycle at a time; the runner guarantees cycles do not overlap.
type Ledger struct {
	path string
	log  zerolog.Logger

	mu    sync.Mutex
	state fileState
}

// Open loads the ledger at path, creating an empty one in memory when
// the file does not exist yet (it is written on first record).
func Open(path string, log zerolog.Logger) (*Ledger, error) {
	l := &Ledger{path: path, log: log}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Path returns the backing file location.
func (l *Ledger) Path() string { return l.path }

// Reload re-reads the backing file, honoring any external edits. A
// missing file resets to empty state.
func (l *Ledger) Reload() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reloadLocked()
}

func (l *Ledger) reloadLocked() error {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		l.state = fileState{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("ledger: read %s: %w", l.path, err)
	}

	var st fileState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("ledger: parse %s: %w", l.path, err)
	}
	l.state = st
	return nil
}

func (l *Ledger) saveLocked() error {
	l.state.UpdatedAt = time.Now().UTC()

	data, err := yaml.Marshal(&l.state)
	if err != nil {
		return fmt.Errorf("ledger: marshal: %w", err)
	}

	// write-then-rename so a crash mid-write cannot lose the dedup record
	tmp := l.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("ledger: mkdir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("ledger: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("ledger: rename %s: %w", tmp, err)
	}
	return nil
}

// IsProcessed reports whether a lot has already been copied. Reloads
// the backing file first; this feeds the core dedup decision.
func (l *Ledger) IsProcessed(lotID int64, symbol string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.reloadLocked(); err != nil {
		return false, err
	}
	for _, e := range l.state.Entries {
		if e.LotID == lotID && e.Symbol == symbol {
			return true, nil
		}
	}
	return false, nil
}

// Record appends an entry. A duplicate (lot id, symbol) is a logged
// no-op preserving the first write, not an error and not an overwrite.
func (l *Ledger) Record(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.reloadLocked(); err != nil {
		return err
	}

	for _, have := range l.state.Entries {
		if have.LotID == e.LotID && have.Symbol == e.Symbol {
			l.log.Info().
				Int64("lot_id", e.LotID).
				Str("symbol", e.Symbol).
				Msg("ledger: duplicate record ignored")
			return nil
		}
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	l.state.Entries = append(l.state.Entries, e)
	l.backfillCreatedAtLocked()
	return l.saveLocked()
}

// RecordProfitExit appends to the profit-exit side list.
func (l *Ledger) RecordProfitExit(pe ProfitExit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.reloadLocked(); err != nil {
		return err
	}
	if pe.Timestamp.IsZero() {
		pe.Timestamp = time.Now().UTC()
	}
	l.state.ProfitExits = append(l.state.ProfitExits, pe)
	return l.saveLocked()
}

// ProfitExits returns recorded profit exits for a symbol; empty symbol
// returns all of them.
func (l *Ledger) ProfitExits(symbol string) ([]ProfitExit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.reloadLocked(); err != nil {
		return nil, err
	}
	if symbol == "" {
		return append([]ProfitExit(nil), l.state.ProfitExits...), nil
	}
	var out []ProfitExit
	for _, pe := range l.state.ProfitExits {
		if pe.Symbol == symbol {
			out = append(out, pe)
		}
	}
	return out, nil
}

// Entries returns every recorded entry, oldest first.
func (l *Ledger) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.reloadLocked(); err != nil {
		return nil, err
	}
	out := make([]Entry, len(l.state.Entries))
	copy(out, l.state.Entries)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// EntriesForAgent returns every entry recorded for agent, oldest first.
func (l *Ledger) EntriesForAgent(agent string) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.reloadLocked(); err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range l.state.Entries {
		if e.Agent == agent {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// LatestForAgent returns the most recent entry per symbol for agent:
// the raw material for rebuilding that agent's previous positions.
func (l *Ledger) LatestForAgent(agent string) (map[string]Entry, error) {
	entries, err := l.EntriesForAgent(agent)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]Entry)
	for _, e := range entries {
		// entries are oldest-first, so later wins
		latest[e.Symbol] = e
	}
	return latest, nil
}

// PruneOlderThan removes entries and profit exits older than the given
// retention, returning how many records were dropped.
func (l *Ledger) PruneOlderThan(days int) (int, error) {
	if days <= 0 {
		return 0, fmt.Errorf("ledger: prune days must be positive, got %d", days)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.reloadLocked(); err != nil {
		return 0, err
	}

	removed := 0
	kept := l.state.Entries[:0]
	for _, e := range l.state.Entries {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	l.state.Entries = kept

	keptPE := l.state.ProfitExits[:0]
	for _, pe := range l.state.ProfitExits {
		if pe.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		keptPE = append(keptPE, pe)
	}
	l.state.ProfitExits = keptPE

	if removed == 0 {
		return 0, nil
	}
	return removed, l.saveLocked()
}

// Reset removes entries for a symbol so its lot can be re-followed.
// With lotID zero every entry for the symbol goes, along with its
// profit-exit records; with a specific lotID only that lot is removed
// and profit exits are kept.
func (l *Ledger) Reset(symbol string, lotID int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.reloadLocked(); err != nil {
		return 0, err
	}

	removed := 0
	kept := l.state.Entries[:0]
	for _, e := range l.state.Entries {
		if e.Symbol == symbol && (lotID == 0 || e.LotID == lotID) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	l.state.Entries = kept

	if lotID == 0 {
		keptPE := l.state.ProfitExits[:0]
		for _, pe := range l.state.ProfitExits {
			if pe.Symbol == symbol {
				removed++
				continue
			}
			keptPE = append(keptPE, pe)
		}
		l.state.ProfitExits = keptPE
	}

	if removed == 0 {
		return 0, nil
	}
	return removed, l.saveLocked()
}

// CreatedAt returns when this ledger came into being, backfilling it
// lazily the first time it is missing: earliest entry timestamp, else
// the file's mtime, else now. The backfilled value is persisted.
func (l *Ledger) CreatedAt() (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.reloadLocked(); err != nil {
		return time.Time{}, err
	}
	if !l.state.CreatedAt.IsZero() {
		return l.state.CreatedAt, nil
	}
	l.backfillCreatedAtLocked()
	if err := l.saveLocked(); err != nil {
		return time.Time{}, err
	}
	return l.state.CreatedAt, nil
}

func (l *Ledger) backfillCreatedAtLocked() {
	if !l.state.CreatedAt.IsZero() {
		return
	}
	var earliest time.Time
	for _, e := range l.state.Entries {
		if earliest.IsZero() || e.Timestamp.Before(earliest) {
			earliest = e.Timestamp
		}
	}
	if earliest.IsZero() {
		if fi, err := os.Stat(l.path); err == nil {
			earliest = fi.ModTime().UTC()
		}
	}
	if earliest.IsZero() {
		earliest = time.Now().UTC()
	}
	l.state.CreatedAt = earliest
}
