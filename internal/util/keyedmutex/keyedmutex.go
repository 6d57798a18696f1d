// Package keyedmutex provides one mutex per key, created on demand and
// dropped once no goroutine holds or waits for it.
package keyedmutex

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map hands out per-key locks. The zero value is not usable; call New.
type Map[K comparable] struct {
	locks *xsync.Map[K, *entry]
}

// New returns an empty lock map.
func New[K comparable]() *Map[K] {
	return &Map[K]{locks: xsync.NewMap[K, *entry]()}
}

// Lock blocks until key is held and returns the matching unlock func.
func (m *Map[K]) Lock(key K) (unlock func()) {
	e, _ := m.locks.Compute(key, func(old *entry, loaded bool) (*entry, xsync.ComputeOp) {
		if !loaded {
			old = &entry{}
		}
		old.refs++
		return old, xsync.UpdateOp
	})
	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			m.locks.Compute(key, func(old *entry, loaded bool) (*entry, xsync.ComputeOp) {
				if !loaded {
					return old, xsync.CancelOp
				}
				old.refs--
				if old.refs <= 0 {
					return old, xsync.DeleteOp
				}
				return old, xsync.UpdateOp
			})
		})
	}
}

// Len returns the number of keys currently held or awaited.
func (m *Map[K]) Len() int { return m.locks.Size() }
