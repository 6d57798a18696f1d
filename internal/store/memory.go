package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"mxcrypt/internal/domain/interfaces"
)

// ErrClosed is returned by every operation on a closed store.
var ErrClosed = errors.New("store is closed")

type buckets map[string]map[string][]byte

// MemoryStore keeps every record as an encoded pickle in memory. Writers are
// serialised; readers share a consistent snapshot.
type MemoryStore struct {
	mu     sync.RWMutex
	data   buckets
	closed bool

	// persist, when set, must durably store the post-commit data before the
	// commit becomes visible.
	persist func(buckets) error
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: buckets{}}
}

// Txn runs fn in a read-write transaction. Writes are staged and applied only
// when fn returns nil.
func (s *MemoryStore) Txn(ctx context.Context, fn func(tx interfaces.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	staged := &memTxn{base: s.data, pending: map[string]map[string]*[]byte{}}
	if err := fn(newWriter(staged)); err != nil {
		return err
	}
	if len(staged.pending) == 0 {
		return nil
	}
	next := staged.apply()
	if s.persist != nil {
		if err := s.persist(next); err != nil {
			return err
		}
	}
	s.data = next
	return nil
}

// View runs fn against the current snapshot.
func (s *MemoryStore) View(ctx context.Context, fn func(tx interfaces.ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return fn(newReader(&memTxn{base: s.data}))
}

// Close drops the in-memory data.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.data = buckets{}
	return nil
}

// Compile-time assertion that MemoryStore implements interfaces.Store.
var _ interfaces.Store = (*MemoryStore)(nil)

// memTxn overlays staged writes on the committed data. A nil entry in
// pending marks a deletion.
type memTxn struct {
	base    buckets
	pending map[string]map[string]*[]byte
}

func (t *memTxn) get(bucket, key string) ([]byte, bool, error) {
	if p, ok := t.pending[bucket][key]; ok {
		if p == nil {
			return nil, false, nil
		}
		return append([]byte(nil), (*p)...), true, nil
	}
	v, ok := t.base[bucket][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (t *memTxn) scan(bucket, prefix string, fn func(key string, val []byte) bool) error {
	keys := make([]string, 0, len(t.base[bucket]))
	seen := map[string]bool{}
	for k := range t.base[bucket] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	for k := range t.pending[bucket] {
		if strings.HasPrefix(k, prefix) && !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, ok, _ := t.get(bucket, k)
		if !ok {
			continue
		}
		if !fn(k, v) {
			return nil
		}
	}
	return nil
}

func (t *memTxn) put(bucket, key string, val []byte) error {
	if t.pending == nil {
		return errors.New("write in read-only transaction")
	}
	if t.pending[bucket] == nil {
		t.pending[bucket] = map[string]*[]byte{}
	}
	v := append([]byte(nil), val...)
	t.pending[bucket][key] = &v
	return nil
}

func (t *memTxn) del(bucket, key string) error {
	if t.pending == nil {
		return errors.New("write in read-only transaction")
	}
	if t.pending[bucket] == nil {
		t.pending[bucket] = map[string]*[]byte{}
	}
	t.pending[bucket][key] = nil
	return nil
}

// apply returns a new committed view; untouched buckets are shared.
func (t *memTxn) apply() buckets {
	next := make(buckets, len(t.base)+len(t.pending))
	for name, b := range t.base {
		next[name] = b
	}
	for name, changes := range t.pending {
		b := make(map[string][]byte, len(t.base[name])+len(changes))
		for k, v := range t.base[name] {
			b[k] = v
		}
		for k, v := range changes {
			if v == nil {
				delete(b, k)
			} else {
				b[k] = *v
			}
		}
		next[name] = b
	}
	return next
}
