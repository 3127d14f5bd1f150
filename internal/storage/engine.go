package storage

import "bytes"

// Engine defines the interface for the local storage engine: an ordered
// map of byte-string keys to byte-string values.
type Engine interface {
	// Set writes a key-value pair, replacing any existing value.
	Set(key, value []byte) error

	// Get retrieves a value by key. It returns nil, nil if key is absent.
	Get(key []byte) ([]byte, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key []byte) error

	// Scan returns the pairs within r in ascending key order.
	Scan(r Range) (*Iterator, error)

	// ScanPrefix returns the pairs whose key starts with prefix.
	ScanPrefix(prefix []byte) (*Iterator, error)

	// Close releases the engine's resources.
	Close() error
}

// Compactor is implemented by engines that can reclaim space from obsolete
// records.
type Compactor interface {
	Compact() error
}

// Statuser is implemented by engines that report storage statistics.
type Statuser interface {
	Status() (Status, error)
}

// Status describes an engine's contents and on-disk footprint.
type Status struct {
	Name            string `json:"name"`
	Keys            uint64 `json:"keys"`
	Size            uint64 `json:"size"` // logical key+value bytes
	TotalDiskSize   uint64 `json:"totalDiskSize"`
	LiveDiskSize    uint64 `json:"liveDiskSize"`
	GarbageDiskSize uint64 `json:"garbageDiskSize"`
}

// BoundKind says how a range endpoint treats its key.
type BoundKind int

const (
	Unbounded BoundKind = iota
	Included
	Excluded
)

// Bound is one endpoint of a Range.
type Bound struct {
	Key  []byte
	Kind BoundKind
}

// Range is a key interval with independent start and end bounds.
type Range struct {
	Start Bound
	End   Bound
}

// RangeAll covers the whole key space.
func RangeAll() Range {
	return Range{}
}

// RangeInclusive covers [start, end].
func RangeInclusive(start, end []byte) Range {
	return Range{Start: Bound{start, Included}, End: Bound{end, Included}}
}

// RangeExclusive covers [start, end).
func RangeExclusive(start, end []byte) Range {
	return Range{Start: Bound{start, Included}, End: Bound{end, Excluded}}
}

// RangeFrom covers [start, +inf).
func RangeFrom(start []byte) Range {
	return Range{Start: Bound{start, Included}}
}

// PrefixRange covers every key beginning with prefix.
func PrefixRange(prefix []byte) Range {
	r := RangeFrom(prefix)
	if end := PrefixSuccessor(prefix); end != nil {
		r.End = Bound{end, Excluded}
	}
	return r
}

// PrefixSuccessor returns the smallest key greater than every key that
// starts with prefix. Trailing 0xFF bytes cannot be incremented, so they are
// dropped before incrementing the last remaining byte. If nothing remains
// (an empty or all-0xFF prefix) there is no such key and nil is returned,
// meaning the range has no upper bound.
func PrefixSuccessor(prefix []byte) []byte {
	end := prefix
	for len(end) > 0 && end[len(end)-1] == 0xff {
		end = end[:len(end)-1]
	}
	if len(end) == 0 {
		return nil
	}
	succ := make([]byte, len(end))
	copy(succ, end)
	succ[len(succ)-1]++
	return succ
}

// aboveStart reports whether key satisfies the start bound.
func (r Range) aboveStart(key []byte) bool {
	switch r.Start.Kind {
	case Included:
		return bytes.Compare(key, r.Start.Key) >= 0
	case Excluded:
		return bytes.Compare(key, r.Start.Key) > 0
	}
	return true
}

// belowEnd reports whether key satisfies the end bound.
func (r Range) belowEnd(key []byte) bool {
	switch r.End.Kind {
	case Included:
		return bytes.Compare(key, r.End.Key) <= 0
	case Excluded:
		return bytes.Compare(key, r.End.Key) < 0
	}
	return true
}

// Contains reports whether key lies within r.
func (r Range) Contains(key []byte) bool {
	return r.aboveStart(key) && r.belowEnd(key)
}

// KvPair is one key-value pair returned by a scan.
type KvPair struct {
	Key   []byte
	Value []byte
}

// Iterator is a finite, double-ended sequence of pairs in ascending key
// order. Its contents are copied out of the engine when the scan is made, so
// an open iterator holds no engine state and never blocks other operations.
// It is not restartable; scan again for a fresh sequence.
type Iterator struct {
	items []KvPair
	front int
	back  int
}

func newIterator(items []KvPair) *Iterator {
	return &Iterator{items: items, back: len(items)}
}

// Next returns the smallest remaining pair.
func (it *Iterator) Next() (KvPair, bool) {
	if it.front >= it.back {
		return KvPair{}, false
	}
	kv := it.items[it.front]
	it.front++
	return kv, true
}

// NextBack returns the largest remaining pair.
func (it *Iterator) NextBack() (KvPair, bool) {
	if it.front >= it.back {
		return KvPair{}, false
	}
	it.back--
	return it.items[it.back], true
}

// Len returns the number of remaining pairs.
func (it *Iterator) Len() int {
	return it.back - it.front
}

// Collect drains the remaining pairs in ascending order.
func (it *Iterator) Collect() []KvPair {
	out := it.items[it.front:it.back]
	it.front = it.back
	return out
}
