// File: internal/observer/observer.go
package observer

import "sync"

// Token cancels a single handler registration. Unsubscribe is idempotent.
type Token interface {
	Unsubscribe()
}

// Registry is an ordered set of handlers. Notification iterates a snapshot,
// so handlers may add or remove registrations (including their own) while
// being called.
type Registry[F any] struct {
	mu     sync.Mutex
	nextID uint64
	ids    []uint64
	items  map[uint64]F
}

type token[F any] struct {
	id  uint64
	reg *Registry[F]
}

func (t *token[F]) Unsubscribe() { t.reg.remove(t.id) }

// Add registers f and returns the token that removes it.
func (r *Registry[F]) Add(f F) Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.items == nil {
		r.items = make(map[uint64]F)
	}
	id := r.nextID
	r.nextID++
	r.items[id] = f
	r.ids = append(r.ids, id)
	return &token[F]{id: id, reg: r}
}

func (r *Registry[F]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return
	}
	delete(r.items, id)
	for i, v := range r.ids {
		if v == id {
			r.ids = append(r.ids[:i:i], r.ids[i+1:]...)
			break
		}
	}
}

// Snapshot returns the handlers in registration order.
func (r *Registry[F]) Snapshot() []F {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]F, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.items[id])
	}
	return out
}

// Len returns the number of live registrations.
func (r *Registry[F]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

// Clear drops every registration. Outstanding tokens become no-ops.
func (r *Registry[F]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = nil
	r.ids = nil
}

// Notify calls every handler of a func(T) registry with v.
func Notify[T any](r *Registry[func(T)], v T) {
	for _, h := range r.Snapshot() {
		h(v)
	}
}
