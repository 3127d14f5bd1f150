package sql

import (
	"github.com/myuser/sqldb/internal/metrics"
	"github.com/myuser/sqldb/internal/storage"
	"go.uber.org/zap"
)

// Session runs each statement in its own transaction, committing on
// success and rolling back on any error.
type Session struct {
	mvcc *storage.Mvcc
}

func NewSession(mvcc *storage.Mvcc) *Session {
	return &Session{mvcc: mvcc}
}

func (s *Session) Execute(sql string) ([]Row, error) {
	metrics.Inc(metrics.SQLStatements)
	rows, err := s.execute(sql)
	if err != nil {
		metrics.Inc(metrics.SQLErrors)
	}
	return rows, err
}

func (s *Session) execute(sql string) ([]Row, error) {
	plan, err := ParseToPlan(sql)
	if err != nil {
		return nil, err
	}
	txn, err := s.mvcc.Begin()
	if err != nil {
		return nil, err
	}
	rows, err := Execute(plan, txn)
	if err != nil {
		if rbErr := txn.Rollback(); rbErr != nil {
			zap.L().Error("rollback after failed statement",
				zap.Uint64("version", txn.Version()),
				zap.Error(rbErr))
		}
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		return nil, err
	}
	return rows, nil
}
