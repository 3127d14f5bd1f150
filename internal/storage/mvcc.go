package storage

import (
	"math"
	"sync"

	"github.com/myuser/sqldb/internal/metrics"
	"github.com/myuser/sqldb/internal/storage/keycode"
	"github.com/pkg/errors"
	"github.com/tidwall/btree"
	"go.uber.org/zap"
)

// Mvcc provides snapshot-isolated transactions on top of an Engine. All
// transactions share the engine and a single lock, so storage access is
// serialized while versions let transactions proceed logically in
// parallel.
type Mvcc struct {
	mu     sync.Mutex
	engine Engine
}

func NewMvcc(engine Engine) *Mvcc {
	return &Mvcc{engine: engine}
}

// Begin starts a transaction. It allocates the next version, snapshots the
// set of in-flight versions and registers the new version as in-flight.
func (m *Mvcc) Begin() (*MvccTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	version := uint64(1)
	raw, err := m.engine.Get(NextVersionKey().Encode())
	if err != nil {
		return nil, err
	}
	if raw != nil {
		if version, err = decodeVersion(raw); err != nil {
			return nil, err
		}
	}
	if err := m.engine.Set(NextVersionKey().Encode(), encodeVersion(version+1)); err != nil {
		return nil, err
	}

	active, err := m.scanActive()
	if err != nil {
		return nil, err
	}
	if err := m.engine.Set(TxnActiveKey(version).Encode(), []byte{}); err != nil {
		return nil, err
	}

	metrics.Inc(metrics.TxnBegin)
	return &MvccTransaction{
		mvcc:  m,
		state: TransactionState{Version: version, ActiveVersions: active},
	}, nil
}

func (m *Mvcc) scanActive() (*btree.Set[uint64], error) {
	it, err := m.engine.ScanPrefix(TxnActivePrefix().Encode())
	if err != nil {
		return nil, err
	}
	active := &btree.Set[uint64]{}
	for kv, ok := it.Next(); ok; kv, ok = it.Next() {
		k, err := decodeKind(kv.Key, KeyTxnActive)
		if err != nil {
			return nil, err
		}
		active.Insert(k.Version)
	}
	return active, nil
}

// RecoverAbandoned rolls back every transaction still registered as
// in-flight and returns how many there were. It must only be called when no
// transaction is open, typically right after opening the engine, since
// every in-flight transaction found is presumed to belong to a crashed
// process.
func (m *Mvcc) RecoverAbandoned() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, err := m.scanActive()
	if err != nil {
		return 0, err
	}
	var recovered int
	for _, version := range active.Keys() {
		if err := m.rollback(version); err != nil {
			return recovered, errors.WithMessagef(err, "roll back abandoned version %d", version)
		}
		recovered++
	}
	if recovered > 0 {
		metrics.Add(metrics.TxnRecovered, int64(recovered))
		zap.L().Info("rolled back abandoned transactions", zap.Int("count", recovered))
	}
	return recovered, nil
}

// Compact compacts the engine if it supports compaction. Transactions are
// blocked for the duration.
func (m *Mvcc) Compact() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.engine.(Compactor); ok {
		return c.Compact()
	}
	return nil
}

// Status reports engine statistics, or just the engine name if the engine
// does not track any.
func (m *Mvcc) Status() (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.engine.(Statuser); ok {
		return s.Status()
	}
	return Status{Name: "unknown"}, nil
}

func (m *Mvcc) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine.Close()
}

// rollback removes every version written by version, the write markers and
// finally the in-flight marker. The caller holds m.mu.
func (m *Mvcc) rollback(version uint64) error {
	it, err := m.engine.ScanPrefix(TxnWritePrefix(version).Encode())
	if err != nil {
		return err
	}
	for kv, ok := it.Next(); ok; kv, ok = it.Next() {
		k, err := decodeKind(kv.Key, KeyTxnWrite)
		if err != nil {
			return err
		}
		if err := m.engine.Delete(VersionKey(k.Key, version).Encode()); err != nil {
			return err
		}
		if err := m.engine.Delete(kv.Key); err != nil {
			return err
		}
	}
	return m.engine.Delete(TxnActiveKey(version).Encode())
}

// TransactionState is the snapshot a transaction reads at: its own version
// and the versions that were in flight when it began.
type TransactionState struct {
	Version        uint64
	ActiveVersions *btree.Set[uint64]
}

// IsVisible reports whether data written at version v is visible. A nil
// ActiveVersions means no other transaction was in flight.
func (s TransactionState) IsVisible(v uint64) bool {
	if v > s.Version {
		return false
	}
	return s.ActiveVersions == nil || !s.ActiveVersions.Contains(v)
}

type txnStatus int

const (
	txnActive txnStatus = iota
	txnCommitted
	txnRolledBack
)

// MvccTransaction is a snapshot-isolated transaction. It is not safe for
// concurrent use by multiple goroutines. Once committed or rolled back,
// every method returns ErrTransactionDone.
type MvccTransaction struct {
	mvcc   *Mvcc
	state  TransactionState
	status txnStatus
}

// ScanResult is one row of a transactional prefix scan.
type ScanResult struct {
	Key   []byte
	Value []byte
}

func (t *MvccTransaction) Version() uint64 {
	return t.state.Version
}

// State returns a copy of the transaction's snapshot.
func (t *MvccTransaction) State() TransactionState {
	s := TransactionState{Version: t.state.Version}
	if t.state.ActiveVersions != nil {
		s.ActiveVersions = t.state.ActiveVersions.Copy()
	}
	return s
}

func (t *MvccTransaction) checkActive() error {
	if t.status != txnActive {
		return errors.WithStack(ErrTransactionDone)
	}
	return nil
}

// Get returns the latest value of key visible to the transaction, or nil if
// there is none or it was deleted.
func (t *MvccTransaction) Get(key []byte) ([]byte, error) {
	m := t.mvcc
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return nil, err
	}

	it, err := m.engine.Scan(RangeInclusive(
		VersionKey(key, 0).Encode(),
		VersionKey(key, t.state.Version).Encode(),
	))
	if err != nil {
		return nil, err
	}
	for kv, ok := it.NextBack(); ok; kv, ok = it.NextBack() {
		k, err := decodeKind(kv.Key, KeyVersion)
		if err != nil {
			return nil, err
		}
		if !t.state.IsVisible(k.Version) {
			continue
		}
		value, _, err := decodeValue(kv.Value)
		return value, err
	}
	return nil, nil
}

func (t *MvccTransaction) Set(key, value []byte) error {
	return t.write(key, value, false)
}

func (t *MvccTransaction) Delete(key []byte) error {
	return t.write(key, nil, true)
}

// write checks for a conflicting write and then records the new version.
// The latest version at or above the oldest in-flight version is the only
// candidate: if it is not visible, someone else wrote key concurrently.
func (t *MvccTransaction) write(key, value []byte, tombstone bool) error {
	m := t.mvcc
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return err
	}

	lower := t.state.Version + 1
	if oldest, ok := t.state.ActiveVersions.Min(); ok {
		lower = oldest
	}
	it, err := m.engine.Scan(RangeInclusive(
		VersionKey(key, lower).Encode(),
		VersionKey(key, math.MaxUint64).Encode(),
	))
	if err != nil {
		return err
	}
	if kv, ok := it.NextBack(); ok {
		k, err := decodeKind(kv.Key, KeyVersion)
		if err != nil {
			return err
		}
		if !t.state.IsVisible(k.Version) {
			metrics.Inc(metrics.TxnConflict)
			zap.L().Debug("write conflict",
				zap.Uint64("version", t.state.Version),
				zap.Uint64("conflict", k.Version),
				zap.ByteString("key", key))
			return errors.WithStack(ErrWriteConflict)
		}
	}

	if err := m.engine.Set(TxnWriteKey(t.state.Version, key).Encode(), []byte{}); err != nil {
		return err
	}
	return m.engine.Set(VersionKey(key, t.state.Version).Encode(), encodeValue(value, tombstone))
}

// ScanPrefix returns the latest visible value of every raw key that starts
// with prefix, in ascending key order. Deleted keys are omitted.
func (t *MvccTransaction) ScanPrefix(prefix []byte) ([]ScanResult, error) {
	m := t.mvcc
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return nil, err
	}

	it, err := m.engine.ScanPrefix(versionKeyPrefix(prefix))
	if err != nil {
		return nil, err
	}

	type cell struct {
		ScanResult
		tombstone bool
	}
	var cells []cell
	for kv, ok := it.Next(); ok; kv, ok = it.Next() {
		k, err := decodeKind(kv.Key, KeyVersion)
		if err != nil {
			return nil, err
		}
		if !t.state.IsVisible(k.Version) {
			continue
		}
		value, tombstone, err := decodeValue(kv.Value)
		if err != nil {
			return nil, err
		}
		c := cell{ScanResult: ScanResult{Key: k.Key, Value: value}, tombstone: tombstone}
		// Versions of a key are ascending, so a later one replaces the last.
		if n := len(cells); n > 0 && string(cells[n-1].Key) == string(k.Key) {
			cells[n-1] = c
		} else {
			cells = append(cells, c)
		}
	}

	results := make([]ScanResult, 0, len(cells))
	for _, c := range cells {
		if !c.tombstone {
			results = append(results, c.ScanResult)
		}
	}
	return results, nil
}

// Commit makes the transaction's writes permanent by discarding its write
// markers and in-flight registration.
func (t *MvccTransaction) Commit() error {
	m := t.mvcc
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return err
	}

	it, err := m.engine.ScanPrefix(TxnWritePrefix(t.state.Version).Encode())
	if err != nil {
		return err
	}
	for kv, ok := it.Next(); ok; kv, ok = it.Next() {
		if err := m.engine.Delete(kv.Key); err != nil {
			return err
		}
	}
	if err := m.engine.Delete(TxnActiveKey(t.state.Version).Encode()); err != nil {
		return err
	}
	t.status = txnCommitted
	metrics.Inc(metrics.TxnCommit)
	return nil
}

// Rollback undoes every write made by the transaction.
func (t *MvccTransaction) Rollback() error {
	m := t.mvcc
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return err
	}
	if err := m.rollback(t.state.Version); err != nil {
		return err
	}
	t.status = txnRolledBack
	metrics.Inc(metrics.TxnRollback)
	return nil
}

// decodeKind decodes b and checks that it is a key of the given kind.
func decodeKind(b []byte, kind MvccKeyKind) (MvccKey, error) {
	k, err := DecodeMvccKey(b)
	if err != nil {
		return MvccKey{}, err
	}
	if k.Kind != kind {
		return MvccKey{}, errors.Wrapf(keycode.ErrDecode, "expected %v key, got %v", kind, k)
	}
	return k, nil
}
