// Package transcript maintains the causally-ordered conversation log.
//
// Entries arrive out of order, with ordering hints that may trail the
// entries they describe. The log keeps every entry keyed by its stable
// identifier, remembers arrival order, and derives a deterministic display
// order from the hint table whenever either changes.
package transcript

import (
	"sort"
	"sync"

	"parley/internal/domain"
)

type entry struct {
	domain.TranscriptEntry
	seq int // arrival order, stable tie-break for display ordering
}

// Log is the mutable transcript owned by the session core. All methods are
// safe for concurrent use; the UI only ever sees copies via Entries.
type Log struct {
	mu      sync.Mutex
	order   []*entry          // current display order
	byID    map[string]*entry
	hints   map[string]string // entry id -> predecessor id, "" = explicit root
	nextSeq int
}

func NewLog() *Log {
	return &Log{
		byID:  make(map[string]*entry),
		hints: make(map[string]string),
	}
}

// Upsert ensures an entry exists for id, creating it as streaming if absent.
// Role and source are only set on creation or while the entry has no text,
// so a late duplicate cannot demote established provenance. Returns true if
// the log changed.
func (l *Log) Upsert(id string, role domain.Role, source domain.Source) bool {
	if id == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.byID[id]; ok {
		if e.Source == "" && source != "" {
			e.Source = source
			return true
		}
		return false
	}
	l.insert(id, role, source)
	l.reorder()
	return true
}

// SetHint records that predecessor causally precedes id. An empty
// predecessor marks id as an explicit root. Returns true if the display
// order changed.
func (l *Log) SetHint(id, predecessor string) bool {
	if id == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.hints[id]; ok && prev == predecessor {
		return false
	}
	l.hints[id] = predecessor
	return l.reorder()
}

// Append merges streamed delta text into the entry per source priority:
// higher-priority sources replace established text outright (accumulation
// restarts so streams never interleave), lower-priority deltas are dropped
// once higher-priority text exists, equal priority appends. Final entries
// are never touched.
func (l *Log) Append(id string, role domain.Role, source domain.Source, delta string) bool {
	if id == "" || delta == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byID[id]
	if !ok {
		e = l.insert(id, role, source)
		l.reorder()
	}
	if e.Status == domain.EntryFinal {
		return false
	}

	switch {
	case e.Text != "" && source.Priority() < e.Source.Priority():
		return false
	case e.Text != "" && source.Priority() > e.Source.Priority():
		e.Source = source
		e.Text = delta
	default:
		if e.Source == "" {
			e.Source = source
		}
		e.Text += delta
	}
	return true
}

// Replace sets the entry's text outright (non-incremental), used for user
// items that arrive with inline text. No-op on final entries.
func (l *Log) Replace(id string, role domain.Role, source domain.Source, text string) bool {
	if id == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byID[id]
	if !ok {
		e = l.insert(id, role, source)
		l.reorder()
	}
	if e.Status == domain.EntryFinal {
		return false
	}
	if e.Text != "" && source.Priority() < e.Source.Priority() {
		return false
	}
	e.Source = source
	e.Text = text
	return true
}

// Finalize marks the entry final. Finalizing a missing or already-final
// entry is a no-op. Status never reverts to streaming.
func (l *Log) Finalize(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byID[id]
	if !ok || e.Status == domain.EntryFinal {
		return false
	}
	e.Status = domain.EntryFinal
	return true
}

// FinalizeText replaces the entry's text with the authoritative transcript
// and marks it final in one step. No-op if the entry is already final.
func (l *Log) FinalizeText(id string, role domain.Role, source domain.Source, text string) bool {
	if id == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byID[id]
	if !ok {
		e = l.insert(id, role, source)
		l.reorder()
	}
	if e.Status == domain.EntryFinal {
		return false
	}
	if text != "" && (e.Text == "" || source.Priority() >= e.Source.Priority()) {
		e.Source = source
		e.Text = text
	}
	e.Status = domain.EntryFinal
	return true
}

// Get returns a copy of the entry and whether it exists.
func (l *Log) Get(id string) (domain.TranscriptEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.byID[id]
	if !ok {
		return domain.TranscriptEntry{}, false
	}
	return e.TranscriptEntry, true
}

// Entries returns the display-ordered transcript as copies.
func (l *Log) Entries() []domain.TranscriptEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.TranscriptEntry, len(l.order))
	for i, e := range l.order {
		out[i] = e.TranscriptEntry
	}
	return out
}

func (l *Log) insert(id string, role domain.Role, source domain.Source) *entry {
	e := &entry{
		TranscriptEntry: domain.TranscriptEntry{
			ID:     id,
			Role:   role,
			Status: domain.EntryStreaming,
			Source: source,
		},
		seq: l.nextSeq,
	}
	l.nextSeq++
	l.byID[id] = e
	l.order = append(l.order, e)
	return e
}

// reorder recomputes display order from the hint table: a forest where each
// entry's parent is its hinted predecessor (unknown predecessors make
// roots), children and roots kept in arrival order, emitted depth-first.
// Entries unreachable from any root (cycles, dangling references) are
// appended in arrival order. The recomputation is idempotent, and when the
// identifier sequence is unchanged the existing slice is kept so callers
// can skip redundant refreshes.
func (l *Log) reorder() bool {
	if len(l.order) < 2 {
		return false
	}

	arrival := make([]*entry, len(l.order))
	copy(arrival, l.order)
	sort.SliceStable(arrival, func(i, j int) bool { return arrival[i].seq < arrival[j].seq })

	children := make(map[string][]*entry)
	roots := make([]*entry, 0, len(arrival))
	for _, e := range arrival {
		pred, ok := l.hints[e.ID]
		if ok && pred != "" && pred != e.ID {
			if _, exists := l.byID[pred]; exists {
				children[pred] = append(children[pred], e)
				continue
			}
		}
		roots = append(roots, e)
	}

	next := make([]*entry, 0, len(arrival))
	visited := make(map[string]bool, len(arrival))
	var emit func(e *entry)
	emit = func(e *entry) {
		if visited[e.ID] {
			return
		}
		visited[e.ID] = true
		next = append(next, e)
		for _, c := range children[e.ID] {
			emit(c)
		}
	}
	for _, r := range roots {
		emit(r)
	}
	for _, e := range arrival {
		if !visited[e.ID] {
			visited[e.ID] = true
			next = append(next, e)
		}
	}

	if len(next) == len(l.order) {
		same := true
		for i := range next {
			if next[i].ID != l.order[i].ID {
				same = false
				break
			}
		}
		if same {
			return false
		}
	}
	l.order = next
	return true
}
