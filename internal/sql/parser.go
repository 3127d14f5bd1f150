package sql

import (
	"strings"

	"github.com/blastrain/vitess-sqlparser/sqlparser"
	"github.com/pkg/errors"
)

var (
	ErrParse          = errors.New("sql: syntax error")
	ErrUnsupported    = errors.New("sql: unsupported statement")
	ErrTableNotFound  = errors.New("sql: table not found")
	ErrColumnNotFound = errors.New("sql: column not found")
	ErrDuplicateKey   = errors.New("sql: duplicate primary key")
	ErrColumnCount    = errors.New("sql: column count does not match value count")
)

// ParseToPlan parses a SQL string and returns a logical plan.
func ParseToPlan(sql string) (PlanNode, error) {
	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, errors.Wrapf(ErrParse, "%q: %v", sql, err)
	}

	switch s := stmt.(type) {
	case *sqlparser.Select:
		return buildSelectPlan(s)
	case *sqlparser.Insert:
		return buildInsertPlan(s)
	case *sqlparser.Update:
		return buildUpdatePlan(s)
	case *sqlparser.Delete:
		return buildDeletePlan(s)
	default:
		return nil, errors.Wrapf(ErrUnsupported, "%T", stmt)
	}
}

func tableName(exprs sqlparser.TableExprs) (string, error) {
	if len(exprs) == 0 {
		return "", errors.Wrap(ErrUnsupported, "statement without table")
	}
	if len(exprs) > 1 {
		return "", errors.Wrap(ErrUnsupported, "multiple tables")
	}
	aliased, ok := exprs[0].(*sqlparser.AliasedTableExpr)
	if !ok {
		return "", errors.Wrap(ErrUnsupported, "complex FROM clause")
	}
	return normalize(sqlparser.String(aliased.Expr)), nil
}

func normalize(name string) string {
	return strings.ToLower(strings.Trim(name, "`"))
}

// buildSource returns the rows a statement reads: the whole table, or the
// rows matching where. An equality on a column against a non-numeric string
// literal is planned as a point lookup, with the filtered scan as its
// fallback. Numbers compare by value ('01' = 1), which an exact key lookup
// cannot match, so they always scan.
func buildSource(table string, where *sqlparser.Where) PlanNode {
	node := PlanNode(&ScanNode{Table: table})
	if where == nil {
		return node
	}
	node = &FilterNode{Input: node, Expr: where.Expr}

	if cmp, ok := where.Expr.(*sqlparser.ComparisonExpr); ok && cmp.Operator == sqlparser.EqualStr {
		col, val := cmp.Left, cmp.Right
		if _, ok := col.(*sqlparser.ColName); !ok {
			col, val = val, col
		}
		if c, ok := col.(*sqlparser.ColName); ok {
			if v, ok := val.(*sqlparser.SQLVal); ok && v.Type == sqlparser.StrVal && !isNumber(string(v.Val)) {
				return &PointGetNode{
					Table:    table,
					Column:   normalize(c.Name.String()),
					Key:      v.Val,
					Fallback: node,
				}
			}
		}
	}
	return node
}

func buildSelectPlan(stmt *sqlparser.Select) (PlanNode, error) {
	table, err := tableName(stmt.From)
	if err != nil {
		return nil, err
	}
	node := buildSource(table, stmt.Where)

	var cols []string
	for _, expr := range stmt.SelectExprs {
		switch e := expr.(type) {
		case *sqlparser.AliasedExpr:
			col, ok := e.Expr.(*sqlparser.ColName)
			if !ok {
				return nil, errors.Wrapf(ErrUnsupported, "select expression %s", sqlparser.String(e.Expr))
			}
			cols = append(cols, normalize(col.Name.String()))
		case *sqlparser.StarExpr:
			cols = append(cols, "*")
		default:
			return nil, errors.Wrapf(ErrUnsupported, "select expression %s", sqlparser.String(expr))
		}
	}

	return &ProjectNode{Input: node, Columns: cols}, nil
}

func buildInsertPlan(stmt *sqlparser.Insert) (PlanNode, error) {
	var cols []string
	for _, col := range stmt.Columns {
		cols = append(cols, normalize(col.String()))
	}

	rowsVals, ok := stmt.Rows.(sqlparser.Values)
	if !ok {
		return nil, errors.Wrap(ErrUnsupported, "INSERT from SELECT")
	}

	rows := make([][]string, 0, len(rowsVals))
	for _, tuple := range rowsVals {
		row := make([]string, 0, len(tuple))
		for _, val := range tuple {
			row = append(row, literal(val))
		}
		if len(cols) > 0 && len(row) != len(cols) {
			return nil, errors.Wrapf(ErrColumnCount, "%d columns, %d values", len(cols), len(row))
		}
		rows = append(rows, row)
	}

	return &InsertNode{
		Table:   normalize(sqlparser.String(stmt.Table)),
		Columns: cols,
		Rows:    rows,
	}, nil
}

func buildUpdatePlan(stmt *sqlparser.Update) (PlanNode, error) {
	table, err := tableName(stmt.TableExprs)
	if err != nil {
		return nil, err
	}
	set := make([]Assignment, 0, len(stmt.Exprs))
	for _, e := range stmt.Exprs {
		set = append(set, Assignment{
			Column: normalize(e.Name.Name.String()),
			Value:  literal(e.Expr),
		})
	}
	return &UpdateNode{Table: table, Input: buildSource(table, stmt.Where), Set: set}, nil
}

func buildDeletePlan(stmt *sqlparser.Delete) (PlanNode, error) {
	table, err := tableName(stmt.TableExprs)
	if err != nil {
		return nil, err
	}
	return &DeleteNode{Table: table, Input: buildSource(table, stmt.Where)}, nil
}

// literal returns the text of a value expression. Quoted strings lose their
// quotes; anything else is rendered as SQL.
func literal(expr sqlparser.Expr) string {
	if v, ok := expr.(*sqlparser.SQLVal); ok {
		return string(v.Val)
	}
	return sqlparser.String(expr)
}
