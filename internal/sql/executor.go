package sql

import (
	"encoding/json"
	"fmt"

	"github.com/myuser/sqldb/internal/storage"
	"github.com/pkg/errors"
)

// Row representing a result row.
type Row []string

// Transaction is the storage a plan runs against. *storage.MvccTransaction
// implements it.
type Transaction interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	ScanPrefix(prefix []byte) ([]storage.ScanResult, error)
}

// table is the stored definition of a table. It is created implicitly by
// the first INSERT, whose first column becomes the primary key.
type table struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

func (t *table) index(column string) (int, error) {
	for i, c := range t.Columns {
		if c == column {
			return i, nil
		}
	}
	return 0, errors.Wrapf(ErrColumnNotFound, "%s.%s", t.Name, column)
}

func loadTable(txn Transaction, name string) (*table, error) {
	raw, err := txn.Get(tableKey(name))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.Wrap(ErrTableNotFound, name)
	}
	var t table
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, errors.Wrapf(err, "decode table %s", name)
	}
	return &t, nil
}

func saveTable(txn Transaction, t *table) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return txn.Set(tableKey(t.Name), raw)
}

func putRow(txn Transaction, t *table, row Row) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return txn.Set(rowKey(t.Name, []byte(row[0])), raw)
}

func decodeRow(t *table, raw []byte) (Row, error) {
	var row Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, errors.Wrapf(err, "decode row of %s", t.Name)
	}
	if len(row) != len(t.Columns) {
		return nil, errors.Errorf("sql: row of %s has %d values, want %d", t.Name, len(row), len(t.Columns))
	}
	return row, nil
}

// Execute executes a logical plan inside txn.
func Execute(plan PlanNode, txn Transaction) ([]Row, error) {
	switch n := plan.(type) {
	case *InsertNode:
		return executeInsert(n, txn)
	case *UpdateNode:
		return executeUpdate(n, txn)
	case *DeleteNode:
		return executeDelete(n, txn)
	default:
		_, rows, err := executeAny(plan, txn)
		return rows, err
	}
}

func executeInsert(n *InsertNode, txn Transaction) ([]Row, error) {
	t, err := loadTable(txn, n.Table)
	if errors.Cause(err) == ErrTableNotFound && len(n.Columns) > 0 {
		t = &table{Name: n.Table, Columns: n.Columns}
		err = saveTable(txn, t)
	}
	if err != nil {
		return nil, err
	}

	for _, values := range n.Rows {
		row, err := arrange(t, n.Columns, values)
		if err != nil {
			return nil, err
		}
		existing, err := txn.Get(rowKey(t.Name, []byte(row[0])))
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, errors.Wrapf(ErrDuplicateKey, "%s.%s = %s", t.Name, t.Columns[0], row[0])
		}
		if err := putRow(txn, t, row); err != nil {
			return nil, err
		}
	}
	return []Row{{fmt.Sprintf("Inserted %d row(s)", len(n.Rows))}}, nil
}

// arrange orders values by the table's columns.
func arrange(t *table, columns []string, values []string) (Row, error) {
	if len(values) != len(t.Columns) {
		return nil, errors.Wrapf(ErrColumnCount, "table %s has %d columns, got %d values", t.Name, len(t.Columns), len(values))
	}
	if len(columns) == 0 {
		return Row(values), nil
	}
	row := make(Row, len(t.Columns))
	seen := make([]bool, len(t.Columns))
	for i, c := range columns {
		idx, err := t.index(c)
		if err != nil {
			return nil, err
		}
		if seen[idx] {
			return nil, errors.Wrapf(ErrColumnCount, "column %s given twice", c)
		}
		seen[idx] = true
		row[idx] = values[i]
	}
	return row, nil
}

func executeUpdate(n *UpdateNode, txn Transaction) ([]Row, error) {
	t, rows, err := executeAny(n.Input, txn)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		oldKey := row[0]
		for _, a := range n.Set {
			idx, err := t.index(a.Column)
			if err != nil {
				return nil, err
			}
			row[idx] = a.Value
		}
		if row[0] != oldKey {
			existing, err := txn.Get(rowKey(t.Name, []byte(row[0])))
			if err != nil {
				return nil, err
			}
			if existing != nil {
				return nil, errors.Wrapf(ErrDuplicateKey, "%s.%s = %s", t.Name, t.Columns[0], row[0])
			}
			if err := txn.Delete(rowKey(t.Name, []byte(oldKey))); err != nil {
				return nil, err
			}
		}
		if err := putRow(txn, t, row); err != nil {
			return nil, err
		}
	}
	return []Row{{fmt.Sprintf("Updated %d row(s)", len(rows))}}, nil
}

func executeDelete(n *DeleteNode, txn Transaction) ([]Row, error) {
	t, rows, err := executeAny(n.Input, txn)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if err := txn.Delete(rowKey(t.Name, []byte(row[0]))); err != nil {
			return nil, err
		}
	}
	return []Row{{fmt.Sprintf("Deleted %d row(s)", len(rows))}}, nil
}

func executeScan(n *ScanNode, txn Transaction) (*table, []Row, error) {
	t, err := loadTable(txn, n.Table)
	if err != nil {
		return nil, nil, err
	}
	results, err := txn.ScanPrefix(rowPrefix(t.Name))
	if err != nil {
		return nil, nil, err
	}
	rows := make([]Row, 0, len(results))
	for _, r := range results {
		row, err := decodeRow(t, r.Value)
		if err != nil {
			return nil, nil, err
		}
		rows = append(rows, row)
	}
	return t, rows, nil
}

func executePointGet(n *PointGetNode, txn Transaction) (*table, []Row, error) {
	t, err := loadTable(txn, n.Table)
	if err != nil {
		return nil, nil, err
	}
	if n.Column != t.Columns[0] {
		return executeAny(n.Fallback, txn)
	}

	raw, err := txn.Get(rowKey(t.Name, n.Key))
	if err != nil {
		return nil, nil, err
	}
	if raw == nil {
		return t, []Row{}, nil
	}
	row, err := decodeRow(t, raw)
	if err != nil {
		return nil, nil, err
	}
	return t, []Row{row}, nil
}

func executeFilter(n *FilterNode, txn Transaction) (*table, []Row, error) {
	t, input, err := executeAny(n.Input, txn)
	if err != nil {
		return nil, nil, err
	}
	rows := input[:0]
	for _, row := range input {
		ok, err := eval(n.Expr, t, row)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			rows = append(rows, row)
		}
	}
	return t, rows, nil
}

func executeProject(n *ProjectNode, txn Transaction) (*table, []Row, error) {
	t, input, err := executeAny(n.Input, txn)
	if err != nil {
		return nil, nil, err
	}

	var idx []int
	projected := &table{Name: t.Name}
	for _, c := range n.Columns {
		if c == "*" {
			for i, name := range t.Columns {
				idx = append(idx, i)
				projected.Columns = append(projected.Columns, name)
			}
			continue
		}
		i, err := t.index(c)
		if err != nil {
			return nil, nil, err
		}
		idx = append(idx, i)
		projected.Columns = append(projected.Columns, c)
	}

	rows := make([]Row, 0, len(input))
	for _, in := range input {
		out := make(Row, len(idx))
		for j, i := range idx {
			out[j] = in[i]
		}
		rows = append(rows, out)
	}
	return projected, rows, nil
}

func executeAny(plan PlanNode, txn Transaction) (*table, []Row, error) {
	switch n := plan.(type) {
	case *ScanNode:
		return executeScan(n, txn)
	case *PointGetNode:
		return executePointGet(n, txn)
	case *FilterNode:
		return executeFilter(n, txn)
	case *ProjectNode:
		return executeProject(n, txn)
	default:
		return nil, nil, errors.Errorf("sql: unknown node type: %T", n)
	}
}
