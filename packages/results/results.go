// Package results
package results

import (
	"log/slog"
	"sort"
	"sync"

	"cataloger/packages/domain"
)

// Accumulator is the shared destination table for worker results, keyed and
// deduplicated by project URL. Admission order fixes the output order;
// appends may arrive in any order from any goroutine.
type Accumulator struct {
	mu    sync.Mutex
	order map[string]int
	rows  map[string]entry
	next  int
}

type entry struct {
	rec    domain.ProjectRecord
	seeded bool
}

func NewAccumulator() *Accumulator {
	return &Accumulator{
		order: make(map[string]int),
		rows:  make(map[string]entry),
	}
}

// Admit registers a URL at the next output position. The first admission
// wins for duplicate URLs. Called in discovery order before workers start.
func (a *Accumulator) Admit(ref domain.ProjectRef) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.admitLocked(ref.URL)
}

func (a *Accumulator) admitLocked(url string) {
	if _, seen := a.order[url]; seen {
		return
	}
	a.order[url] = a.next
	a.next++
}

// Seed inserts a record carried over from an earlier run. It takes the next
// output position like any admission but never displaces a record that is
// already present.
func (a *Accumulator) Seed(rec domain.ProjectRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.admitLocked(rec.Ref.URL)
	if _, ok := a.rows[rec.Ref.URL]; ok {
		return
	}
	a.rows[rec.Ref.URL] = entry{rec: rec, seeded: true}
}

// Append inserts or merges one record as a unit. A success replaces a stored
// failure; a failure never replaces a stored success; a second success wins
// as the most recent. Collisions between two live results are logged,
// refreshing a seeded record is not.
func (a *Accumulator) Append(rec domain.ProjectRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.admitLocked(rec.Ref.URL)

	existing, ok := a.rows[rec.Ref.URL]
	if !ok {
		a.rows[rec.Ref.URL] = entry{rec: rec}
		return
	}

	switch {
	case existing.rec.Failed() && !rec.Failed():
		a.rows[rec.Ref.URL] = entry{rec: rec}
	case existing.rec.Failed() && rec.Failed():
		a.rows[rec.Ref.URL] = entry{rec: rec}
	case rec.Failed():
		slog.Warn("Keeping successful record over later failure",
			"url", rec.Ref.URL, "dropped_reason", rec.FailureReason)
	default:
		if !existing.seeded {
			slog.Warn("Duplicate success for project, keeping most recent", "url", rec.Ref.URL)
		}
		a.rows[rec.Ref.URL] = entry{rec: rec}
	}
}

// Snapshot returns the accumulated records ordered by admission, not by
// completion.
func (a *Accumulator) Snapshot() []domain.ProjectRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	recs := make([]domain.ProjectRecord, 0, len(a.rows))
	for url := range a.rows {
		recs = append(recs, a.rows[url].rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		return a.order[recs[i].Ref.URL] < a.order[recs[j].Ref.URL]
	})
	return recs
}

func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.rows)
}
