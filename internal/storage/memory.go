package storage

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"github.com/myuser/sqldb/internal/metrics"
)

// MemoryEngine implements Engine with an in-memory B-tree. Nothing is
// persisted.
type MemoryEngine struct {
	mu     sync.RWMutex
	tree   *btree.BTree
	closed bool
}

type item struct {
	key   []byte
	value []byte
}

func (i *item) Less(than btree.Item) bool {
	return bytes.Compare(i.key, than.(*item).key) < 0
}

func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		tree: btree.New(32),
	}
}

func (s *MemoryEngine) Set(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrEngineClosed
	}
	s.tree.ReplaceOrInsert(&item{key: clone(key), value: clone(value)})
	metrics.Inc(metrics.OpSet)
	return nil
}

func (s *MemoryEngine) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrEngineClosed
	}
	metrics.Inc(metrics.OpGet)
	found := s.tree.Get(&item{key: key})
	if found == nil {
		return nil, nil
	}
	return clone(found.(*item).value), nil
}

func (s *MemoryEngine) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrEngineClosed
	}
	s.tree.Delete(&item{key: key})
	metrics.Inc(metrics.OpDelete)
	return nil
}

func (s *MemoryEngine) Scan(r Range) (*Iterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrEngineClosed
	}
	metrics.Inc(metrics.OpScan)

	var items []KvPair
	ascendRange(s.tree, r, func(it *item) {
		items = append(items, KvPair{Key: clone(it.key), Value: clone(it.value)})
	})
	return newIterator(items), nil
}

func (s *MemoryEngine) ScanPrefix(prefix []byte) (*Iterator, error) {
	return s.Scan(PrefixRange(prefix))
}

// Status reports the number of keys and their logical size.
func (s *MemoryEngine) Status() (Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{Name: "memory", Keys: uint64(s.tree.Len())}
	s.tree.Ascend(func(i btree.Item) bool {
		it := i.(*item)
		st.Size += uint64(len(it.key) + len(it.value))
		return true
	})
	return st, nil
}

func (s *MemoryEngine) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.tree.Clear(false)
	return nil
}

// ascendRange calls fn for every item of tree inside r, in key order.
func ascendRange(tree *btree.BTree, r Range, fn func(it *item)) {
	visit := func(i btree.Item) bool {
		it := i.(*item)
		if !r.belowEnd(it.key) {
			return false
		}
		if r.aboveStart(it.key) {
			fn(it)
		}
		return true
	}
	if r.Start.Kind == Unbounded {
		tree.Ascend(visit)
		return
	}
	tree.AscendGreaterOrEqual(&item{key: r.Start.Key}, visit)
}

// clone copies b. The copy is never nil, so a stored empty value stays
// distinguishable from a missing key.
func clone(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
