package scope

import "sync"

// Mailbox is a single-slot latest-value cell. Put overwrites any undelivered
// value and Take empties the slot. Dropping stale values is the point:
// consumers only ever want the newest status or result.
type Mailbox[T any] struct {
	mu    sync.Mutex
	value T
	full  bool
}

// Put stores v, replacing an undelivered value.
func (m *Mailbox[T]) Put(v T) {
	m.mu.Lock()
	m.value = v
	m.full = true
	m.mu.Unlock()
}

// Take removes and returns the stored value, if any.
func (m *Mailbox[T]) Take() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero T
	if !m.full {
		return zero, false
	}
	v := m.value
	m.value = zero
	m.full = false
	return v, true
}
