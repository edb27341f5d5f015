package usecase

import (
	"sync"

	"parley/internal/domain"
)

// participantRegistry tracks the speakers the model has identified.
// Entries are only ever created or updated from protocol-level function
// calls; the client never invents participants on its own.
type participantRegistry struct {
	mu    sync.Mutex
	byID  map[string]*domain.Participant
	order []string // join order, stable for snapshots
}

func newParticipantRegistry() *participantRegistry {
	return &participantRegistry{byID: make(map[string]*domain.Participant)}
}

// Upsert creates or updates a participant. Empty fields on an update keep
// the existing values. Returns true if anything changed.
func (r *participantRegistry) Upsert(p domain.Participant) bool {
	if p.ID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byID[p.ID]
	if !ok {
		stored := p
		r.byID[p.ID] = &stored
		r.order = append(r.order, p.ID)
		return true
	}

	changed := false
	if p.Name != "" && p.Name != existing.Name {
		existing.Name = p.Name
		changed = true
	}
	if p.Language != "" && p.Language != existing.Language {
		existing.Language = p.Language
		changed = true
	}
	if p.TargetLanguage != "" && p.TargetLanguage != existing.TargetLanguage {
		existing.TargetLanguage = p.TargetLanguage
		changed = true
	}
	return changed
}

// Snapshot returns participants in join order as copies.
func (r *participantRegistry) Snapshot() []domain.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.byID[id])
	}
	return out
}
