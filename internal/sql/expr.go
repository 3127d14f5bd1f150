package sql

import (
	"strconv"
	"strings"

	"github.com/blastrain/vitess-sqlparser/sqlparser"
	"github.com/pkg/errors"
)

// eval evaluates a WHERE expression against one row of tbl.
func eval(expr sqlparser.Expr, tbl *table, row Row) (bool, error) {
	switch e := expr.(type) {
	case *sqlparser.AndExpr:
		l, err := eval(e.Left, tbl, row)
		if err != nil || !l {
			return false, err
		}
		return eval(e.Right, tbl, row)
	case *sqlparser.OrExpr:
		l, err := eval(e.Left, tbl, row)
		if err != nil || l {
			return l, err
		}
		return eval(e.Right, tbl, row)
	case *sqlparser.NotExpr:
		v, err := eval(e.Expr, tbl, row)
		return !v, err
	case *sqlparser.ParenExpr:
		return eval(e.Expr, tbl, row)
	case *sqlparser.ComparisonExpr:
		l, err := operand(e.Left, tbl, row)
		if err != nil {
			return false, err
		}
		r, err := operand(e.Right, tbl, row)
		if err != nil {
			return false, err
		}
		c := compareValues(l, r)
		switch e.Operator {
		case sqlparser.EqualStr:
			return c == 0, nil
		case sqlparser.NotEqualStr:
			return c != 0, nil
		case sqlparser.LessThanStr:
			return c < 0, nil
		case sqlparser.LessEqualStr:
			return c <= 0, nil
		case sqlparser.GreaterThanStr:
			return c > 0, nil
		case sqlparser.GreaterEqualStr:
			return c >= 0, nil
		}
		return false, errors.Wrapf(ErrUnsupported, "operator %s", e.Operator)
	}
	return false, errors.Wrapf(ErrUnsupported, "expression %s", sqlparser.String(expr))
}

func operand(expr sqlparser.Expr, tbl *table, row Row) (string, error) {
	switch e := expr.(type) {
	case *sqlparser.ColName:
		i, err := tbl.index(normalize(e.Name.String()))
		if err != nil {
			return "", err
		}
		return row[i], nil
	case *sqlparser.SQLVal:
		return string(e.Val), nil
	}
	return "", errors.Wrapf(ErrUnsupported, "operand %s", sqlparser.String(expr))
}

func isNumber(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

// compareValues compares numerically when both sides are numbers and as
// strings otherwise.
func compareValues(a, b string) int {
	x, errA := strconv.ParseFloat(a, 64)
	y, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}
