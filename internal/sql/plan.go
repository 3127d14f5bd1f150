package sql

import (
	"fmt"
	"strings"

	"github.com/blastrain/vitess-sqlparser/sqlparser"
)

type NodeType int

const (
	NodeScan NodeType = iota
	NodePointGet
	NodeFilter
	NodeProject
	NodeInsert
	NodeUpdate
	NodeDelete
)

type PlanNode interface {
	Type() NodeType
	String() string
	Children() []PlanNode
}

// Explain renders plan and its children as an indented tree.
func Explain(plan PlanNode) string {
	var b strings.Builder
	var walk func(n PlanNode, depth int)
	walk = func(n PlanNode, depth int) {
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(n.String())
		b.WriteString("\n")
		for _, c := range n.Children() {
			walk(c, depth+1)
		}
	}
	walk(plan, 0)
	return b.String()
}

type ScanNode struct {
	Table string
}

func (n *ScanNode) Type() NodeType       { return NodeScan }
func (n *ScanNode) String() string       { return fmt.Sprintf("Scan(%s)", n.Table) }
func (n *ScanNode) Children() []PlanNode { return nil }

// PointGetNode looks a row up by an equality predicate. If Column turns out
// not to be the table's primary key the executor falls back to Fallback.
type PointGetNode struct {
	Table    string
	Column   string
	Key      []byte
	Fallback PlanNode
}

func (n *PointGetNode) Type() NodeType { return NodePointGet }
func (n *PointGetNode) String() string {
	return fmt.Sprintf("PointGet(%s, %s = %s)", n.Table, n.Column, n.Key)
}
func (n *PointGetNode) Children() []PlanNode { return nil }

type FilterNode struct {
	Input PlanNode
	Expr  sqlparser.Expr
}

func (n *FilterNode) Type() NodeType       { return NodeFilter }
func (n *FilterNode) String() string       { return fmt.Sprintf("Filter(%s)", sqlparser.String(n.Expr)) }
func (n *FilterNode) Children() []PlanNode { return []PlanNode{n.Input} }

type ProjectNode struct {
	Input   PlanNode
	Columns []string
}

func (n *ProjectNode) Type() NodeType       { return NodeProject }
func (n *ProjectNode) String() string       { return fmt.Sprintf("Project(%v)", n.Columns) }
func (n *ProjectNode) Children() []PlanNode { return []PlanNode{n.Input} }

type InsertNode struct {
	Table   string
	Columns []string
	Rows    [][]string
}

func (n *InsertNode) Type() NodeType { return NodeInsert }
func (n *InsertNode) String() string {
	return fmt.Sprintf("Insert(%s, %d rows)", n.Table, len(n.Rows))
}
func (n *InsertNode) Children() []PlanNode { return nil }

// Assignment is one column = value pair of an UPDATE.
type Assignment struct {
	Column string
	Value  string
}

type UpdateNode struct {
	Table string
	Input PlanNode
	Set   []Assignment
}

func (n *UpdateNode) Type() NodeType       { return NodeUpdate }
func (n *UpdateNode) String() string       { return fmt.Sprintf("Update(%s, %v)", n.Table, n.Set) }
func (n *UpdateNode) Children() []PlanNode { return []PlanNode{n.Input} }

type DeleteNode struct {
	Table string
	Input PlanNode
}

func (n *DeleteNode) Type() NodeType       { return NodeDelete }
func (n *DeleteNode) String() string       { return fmt.Sprintf("Delete(%s)", n.Table) }
func (n *DeleteNode) Children() []PlanNode { return []PlanNode{n.Input} }
