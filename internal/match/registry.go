package match

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrMatchExists is returned when creating a match id that is still live.
	ErrMatchExists = errors.New("match already exists")
	// ErrMatchNotFound is returned when no live state exists for an id.
	ErrMatchNotFound = errors.New("match not found")
	// ErrMatchLive is returned when removing a match whose terminal event was not handled.
	ErrMatchLive = errors.New("match terminal event not handled")
)

// slot owns the lock of one match id. A removed slot stays valid for holders that were
// already waiting on it; they observe a nil state.
type slot struct {
	mu    sync.Mutex
	state *State
}

// Registry maps match ids to live states. Every id has its own lock; the registry mutex only
// guards the map itself and is never held while a match lock is taken.
type Registry struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[string]*slot)}
}

func (r *Registry) slotFor(id string, create bool) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl, ok := r.slots[id]
	if !ok && create {
		sl = &slot{}
		r.slots[id] = sl
	}
	return sl
}

// Create registers state under id, failing when a live state already exists.
func (r *Registry) Create(id string, state *State) error {
	if state == nil {
		return errors.New("match state must not be nil")
	}
	for {
		sl := r.slotFor(id, true)
		sl.mu.Lock()
		if r.current(id) != sl {
			//1.- The slot was removed while we waited; retry against the fresh one.
			sl.mu.Unlock()
			continue
		}
		if sl.state != nil {
			sl.mu.Unlock()
			return ErrMatchExists
		}
		sl.state = state
		sl.mu.Unlock()
		return nil
	}
}

// WithLock runs fn against the state of id while holding that id's lock.
func (r *Registry) WithLock(id string, fn func(*State) error) error {
	for {
		sl := r.slotFor(id, true)
		sl.mu.Lock()
		if sl.state == nil {
			if r.current(id) != sl {
				sl.mu.Unlock()
				continue
			}
			r.dropIfEmpty(id, sl)
			sl.mu.Unlock()
			return ErrMatchNotFound
		}
		err := fn(sl.state)
		sl.mu.Unlock()
		return err
	}
}

// Remove deletes the state of id under its lock. Only a done match whose terminal event was
// marked handled may be removed.
func (r *Registry) Remove(id string) error {
	sl := r.slotFor(id, false)
	if sl == nil {
		return ErrMatchNotFound
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.state == nil {
		return ErrMatchNotFound
	}
	if sl.state.Status != StatusDone || !sl.state.Handled {
		return ErrMatchLive
	}
	sl.state = nil
	r.dropIfEmpty(id, sl)
	return nil
}

// Exists reports whether a live state is registered for id.
func (r *Registry) Exists(id string) bool {
	return r.WithLock(id, func(*State) error { return nil }) == nil
}

// Snapshot returns a copy of the live state of id.
func (r *Registry) Snapshot(id string) (Snapshot, error) {
	var snap Snapshot
	err := r.WithLock(id, func(s *State) error {
		snap = s.Snapshot()
		return nil
	})
	return snap, err
}

// Len returns the number of live matches.
func (r *Registry) Len() int {
	return len(r.IDs())
}

// IDs lists live match ids in lexical order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	slots := make(map[string]*slot, len(r.slots))
	for id, sl := range r.slots {
		slots[id] = sl
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(slots))
	for id, sl := range slots {
		sl.mu.Lock()
		live := sl.state != nil
		sl.mu.Unlock()
		if live {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) current(id string) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[id]
}

// dropIfEmpty forgets an empty slot; callers hold sl.mu.
func (r *Registry) dropIfEmpty(id string, sl *slot) {
	r.mu.Lock()
	if r.slots[id] == sl && sl.state == nil {
		delete(r.slots, id)
	}
	r.mu.Unlock()
}
