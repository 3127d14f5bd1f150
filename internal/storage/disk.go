package storage

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"github.com/myuser/sqldb/internal/metrics"
	"github.com/myuser/sqldb/internal/storage/wal"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// compactSuffix names the temporary file a compaction writes before it is
// renamed over the live log.
const compactSuffix = ".compact"

// LogEngine is a log-structured Engine. Every write is appended to a single
// log file and synced; an in-memory keydir maps each live key to the
// location of its latest value. The keydir is rebuilt by replaying the log
// on open.
type LogEngine struct {
	mu     sync.Mutex
	log    *wal.Log
	keydir *btree.BTree
	closed bool
}

// dirEntry locates the latest value of key in the log.
type dirEntry struct {
	key    []byte
	offset int64
	size   uint32
}

func (d *dirEntry) Less(than btree.Item) bool {
	return bytes.Compare(d.key, than.(*dirEntry).key) < 0
}

// NewLogEngine opens the log at path, creating it and its parent
// directories if needed, and replays it. The file is locked exclusively
// until Close; a second open fails with wal.ErrLocked.
func NewLogEngine(path string) (*LogEngine, error) {
	log, err := wal.Open(path)
	if err != nil {
		return nil, err
	}
	keydir, err := buildKeydir(log)
	if err != nil {
		log.Close()
		return nil, err
	}
	e := &LogEngine{log: log, keydir: keydir}
	zap.L().Info("opened log engine",
		zap.String("path", path),
		zap.Int("keys", keydir.Len()),
		zap.Int64("size", log.Size()))
	e.updateGauges()
	return e, nil
}

// NewLogEngineCompact opens the log at path like NewLogEngine and then
// compacts it.
func NewLogEngineCompact(path string) (*LogEngine, error) {
	e, err := NewLogEngine(path)
	if err != nil {
		return nil, err
	}
	if err := e.Compact(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func buildKeydir(log *wal.Log) (*btree.BTree, error) {
	keydir := btree.New(32)
	err := log.Replay(func(ent wal.Entry) error {
		if ent.Tombstone {
			keydir.Delete(&dirEntry{key: ent.Key})
			return nil
		}
		keydir.ReplaceOrInsert(&dirEntry{key: ent.Key, offset: ent.ValueOffset, size: ent.ValueSize})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keydir, nil
}

func (e *LogEngine) Set(key, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	offset, size, err := e.log.Append(key, value)
	if err != nil {
		return err
	}
	e.keydir.ReplaceOrInsert(&dirEntry{key: clone(key), offset: offset, size: size})
	metrics.Inc(metrics.OpSet)
	metrics.Inc(metrics.LogAppends)
	metrics.Add(metrics.LogBytes, int64(wal.HeaderSize+len(key)+len(value)))
	return nil
}

func (e *LogEngine) Get(key []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	metrics.Inc(metrics.OpGet)
	found := e.keydir.Get(&dirEntry{key: key})
	if found == nil {
		return nil, nil
	}
	d := found.(*dirEntry)
	return e.log.ReadValue(d.offset, d.size)
}

// Delete appends a tombstone for key and drops it from the keydir.
func (e *LogEngine) Delete(key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if err := e.log.AppendTombstone(key); err != nil {
		return err
	}
	e.keydir.Delete(&dirEntry{key: key})
	metrics.Inc(metrics.OpDelete)
	metrics.Inc(metrics.LogAppends)
	metrics.Add(metrics.LogBytes, int64(wal.HeaderSize+len(key)))
	return nil
}

func (e *LogEngine) Scan(r Range) (*Iterator, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	metrics.Inc(metrics.OpScan)

	var (
		items []KvPair
		err   error
	)
	visit := func(i btree.Item) bool {
		d := i.(*dirEntry)
		if !r.belowEnd(d.key) {
			return false
		}
		if !r.aboveStart(d.key) {
			return true
		}
		var value []byte
		value, err = e.log.ReadValue(d.offset, d.size)
		if err != nil {
			return false
		}
		items = append(items, KvPair{Key: clone(d.key), Value: value})
		return true
	}
	if r.Start.Kind == Unbounded {
		e.keydir.Ascend(visit)
	} else {
		e.keydir.AscendGreaterOrEqual(&dirEntry{key: r.Start.Key}, visit)
	}
	if err != nil {
		return nil, err
	}
	return newIterator(items), nil
}

func (e *LogEngine) ScanPrefix(prefix []byte) (*Iterator, error) {
	return e.Scan(PrefixRange(prefix))
}

// Compact rewrites the log with only the live entries, in key order. The
// new log is written to a temporary file, synced once and renamed over the
// original, so a failure at any point before the rename leaves the engine
// untouched.
func (e *LogEngine) Compact() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}

	path := e.log.Path()
	before := e.log.Size()
	tmp, err := wal.Create(path + compactSuffix)
	if err != nil {
		return err
	}

	keydir := btree.New(32)
	e.keydir.Ascend(func(i btree.Item) bool {
		d := i.(*dirEntry)
		var value []byte
		if value, err = e.log.ReadValue(d.offset, d.size); err != nil {
			return false
		}
		var (
			offset int64
			size   uint32
		)
		if offset, size, err = tmp.AppendBuffered(d.key, value); err != nil {
			return false
		}
		keydir.ReplaceOrInsert(&dirEntry{key: d.key, offset: offset, size: size})
		return true
	})
	if err == nil {
		err = tmp.Sync()
	}
	if err != nil {
		tmp.Remove()
		return errors.Wrap(err, "compact log")
	}
	if err := tmp.Rename(path); err != nil {
		if tmp.Path() != path {
			tmp.Remove()
			return err
		}
		// The file already has its new name; only the directory sync failed.
		zap.L().Warn("sync log directory after compaction", zap.String("path", path), zap.Error(err))
	}

	old := e.log
	e.log = tmp
	e.keydir = keydir
	if err := old.Close(); err != nil {
		zap.L().Warn("close replaced log", zap.String("path", path), zap.Error(err))
	}

	metrics.Inc(metrics.LogCompactions)
	metrics.Add(metrics.LogReclaimBytes, before-tmp.Size())
	zap.L().Info("compacted log",
		zap.String("path", path),
		zap.Int64("before", before),
		zap.Int64("after", tmp.Size()),
		zap.Int("keys", keydir.Len()))
	e.updateGauges()
	return nil
}

// Status reports key counts and how much of the log is garbage.
func (e *LogEngine) Status() (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Status{}, ErrEngineClosed
	}
	return e.status(), nil
}

func (e *LogEngine) status() Status {
	st := Status{
		Name:          "log",
		Keys:          uint64(e.keydir.Len()),
		TotalDiskSize: uint64(e.log.Size()),
	}
	e.keydir.Ascend(func(i btree.Item) bool {
		d := i.(*dirEntry)
		st.Size += uint64(len(d.key)) + uint64(d.size)
		st.LiveDiskSize += uint64(wal.HeaderSize+len(d.key)) + uint64(d.size)
		return true
	})
	st.GarbageDiskSize = st.TotalDiskSize - st.LiveDiskSize
	return st
}

func (e *LogEngine) updateGauges() {
	st := e.status()
	metrics.SetLiveKeys(int(st.Keys))
	metrics.SetGarbageBytes(st.GarbageDiskSize)
}

// Close releases the file lock and handle. Further operations fail with
// ErrEngineClosed.
func (e *LogEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.log.Close()
}
