package txn

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/myuser/sqldb/internal/sql"
	"github.com/myuser/sqldb/internal/storage"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrUnknownTransaction is returned for ids that were never issued or whose
// transaction has already finished.
var ErrUnknownTransaction = errors.New("txn: unknown or finished transaction")

// Transaction is an explicit transaction spanning several statements.
type Transaction struct {
	ID        string
	StartTime time.Time

	mu  sync.Mutex
	txn *storage.MvccTransaction
}

// Coordinator tracks explicit transactions by id so that clients can run
// BEGIN, several statements and COMMIT or ROLLBACK as separate requests.
type Coordinator struct {
	mu           sync.RWMutex
	transactions map[string]*Transaction
	mvcc         *storage.Mvcc
}

func NewCoordinator(mvcc *storage.Mvcc) *Coordinator {
	return &Coordinator{
		transactions: make(map[string]*Transaction),
		mvcc:         mvcc,
	}
}

// Begin starts a transaction and returns its id.
func (c *Coordinator) Begin() (string, error) {
	mt, err := c.mvcc.Begin()
	if err != nil {
		return "", err
	}
	id := fmt.Sprintf("txn-%d", mt.Version())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.transactions[id] = &Transaction{
		ID:        id,
		StartTime: time.Now(),
		txn:       mt,
	}
	return id, nil
}

func (c *Coordinator) lookup(id string) (*Transaction, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.transactions[id]
	if !ok {
		return nil, errors.Wrap(ErrUnknownTransaction, id)
	}
	return t, nil
}

// take removes the transaction from the registry so that exactly one caller
// finishes it.
func (c *Coordinator) take(id string) (*Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.transactions[id]
	if !ok {
		return nil, errors.Wrap(ErrUnknownTransaction, id)
	}
	delete(c.transactions, id)
	return t, nil
}

// Execute runs one statement inside transaction id. A failed statement
// leaves the transaction open; after a write conflict the caller should
// roll back and start over.
func (c *Coordinator) Execute(id, query string) ([]sql.Row, error) {
	t, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	plan, err := sql.ParseToPlan(query)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return sql.Execute(plan, t.txn)
}

func (c *Coordinator) Commit(id string) error {
	t, err := c.take(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.txn.Commit()
}

func (c *Coordinator) Rollback(id string) error {
	t, err := c.take(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.txn.Rollback()
}

// Active returns the ids of open transactions in ascending order.
func (c *Coordinator) Active() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.transactions))
	for id := range c.transactions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ExpireIdle rolls back transactions started more than maxAge ago and
// returns how many it rolled back. Open transactions pin old versions and
// make concurrent writers conflict, so abandoned clients must not keep them
// forever.
func (c *Coordinator) ExpireIdle(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	c.mu.Lock()
	var expired []*Transaction
	for id, t := range c.transactions {
		if t.StartTime.Before(cutoff) {
			expired = append(expired, t)
			delete(c.transactions, id)
		}
	}
	c.mu.Unlock()

	for _, t := range expired {
		t.mu.Lock()
		if err := t.txn.Rollback(); err != nil {
			zap.L().Error("roll back expired transaction", zap.String("txn", t.ID), zap.Error(err))
		}
		t.mu.Unlock()
	}
	if len(expired) > 0 {
		zap.L().Info("expired idle transactions", zap.Int("count", len(expired)))
	}
	return len(expired)
}
