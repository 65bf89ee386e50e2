package services

import (
	"sort"
	"sync"

	"pindrop-sync/internal/models"
)

// PinRepository is the in-memory set of pins the UI renders. Readers get
// copies and never block each other.
type PinRepository struct {
	mu   sync.RWMutex
	pins map[string]models.Pin
}

func NewPinRepository() *PinRepository {
	return &PinRepository{pins: make(map[string]models.Pin)}
}

// All returns every pin, oldest first.
func (r *PinRepository) All() []models.Pin {
	return r.Filter(models.PinFilter{})
}

func (r *PinRepository) Get(id string) (models.Pin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pins[id]
	return p, ok
}

// Filter returns the pins matching f, oldest first.
func (r *PinRepository) Filter(f models.PinFilter) []models.Pin {
	r.mu.RLock()
	out := make([]models.Pin, 0, len(r.pins))
	for _, p := range r.pins {
		if f.Match(p) {
			out = append(out, p)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *PinRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pins)
}

// Upsert inserts or replaces the pin with the same id.
func (r *PinRepository) Upsert(pin models.Pin) {
	r.mu.Lock()
	r.pins[pin.ID] = pin
	r.mu.Unlock()
}

// Remove deletes id and reports whether it was present.
func (r *PinRepository) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pins[id]; !ok {
		return false
	}
	delete(r.pins, id)
	return true
}

// ReplaceAll swaps the whole set, used when seeding from the persisted snapshot.
func (r *PinRepository) ReplaceAll(pins []models.Pin) {
	next := make(map[string]models.Pin, len(pins))
	for _, p := range pins {
		next[p.ID] = p
	}

	r.mu.Lock()
	r.pins = next
	r.mu.Unlock()
}
