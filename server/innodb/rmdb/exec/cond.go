// Package exec implements the L3 volcano-model execution operators of
// spec.md §4.8: SeqScan, IndexScan, Sort, a block nested-loop Join, the
// Insert/Delete/Update DML operators, and Aggregate. Every operator
// implements the Iterator interface (begin_tuple/next_tuple/is_end/
// current_tuple/cols), driven by the record/index/wal/lockmgr/txn/catalog
// layers underneath.
//
// Grounded on executor/executor_*.cpp's operator split, translated into
// Go's pull-based iterator idiom (construct-then-IsEnd/Next/Current loop)
// already established by record.RmScan and index.IxScan.
package exec

import (
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmerrors"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmtype"
)

// Iterator is the volcano interface every operator implements.
type Iterator interface {
	Init() error
	Next() error
	IsEnd() bool
	Current() ([]byte, error)
	Cols() []rmtype.ColMeta
}

// ScanIterator additionally exposes the current tuple's rid, per spec.md
// §4.8's "(for scans) rid".
type ScanIterator interface {
	Iterator
	Rid() rmtype.Rid
}

// CompOp enumerates the six binary comparisons eval_conds supports.
type CompOp int

const (
	Eq CompOp = iota
	Ne
	Lt
	Gt
	Le
	Ge
)

func isRangeOp(op CompOp) bool {
	return op == Lt || op == Gt || op == Le || op == Ge
}

func matchOp(cmp int, op CompOp) bool {
	switch op {
	case Eq:
		return cmp == 0
	case Ne:
		return cmp != 0
	case Lt:
		return cmp < 0
	case Gt:
		return cmp > 0
	case Le:
		return cmp <= 0
	case Ge:
		return cmp >= 0
	default:
		return false
	}
}

// Cond is one binary comparison: Col against either a literal (RhsVal) or
// another column (IsColRef, RhsCol) — lhs always refers to the scanned
// table, per spec.md §4.8's normalization note.
type Cond struct {
	Col      string
	Op       CompOp
	IsColRef bool
	RhsCol   string
	RhsVal   rmtype.Value
}

func lookupCol(cols []rmtype.ColMeta, name string) (rmtype.ColMeta, bool) {
	for _, c := range cols {
		if c.Name == name {
			return c, true
		}
	}
	return rmtype.ColMeta{}, false
}

// EvalConds is eval_conds(cols, conds, rec): the AND of every binary
// comparison in conds against a single materialized record.
func EvalConds(cols []rmtype.ColMeta, conds []Cond, rec []byte) (bool, error) {
	for _, c := range conds {
		ok, err := evalCond(cols, c, rec)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalCond(cols []rmtype.ColMeta, c Cond, rec []byte) (bool, error) {
	lhsCol, ok := lookupCol(cols, c.Col)
	if !ok {
		return false, rmerrors.Wrap("exec.evalCond", rmerrors.ErrColumnNotFound)
	}
	lhs := rec[lhsCol.Offset : lhsCol.Offset+lhsCol.Len]

	var rhs []byte
	if c.IsColRef {
		rhsCol, ok := lookupCol(cols, c.RhsCol)
		if !ok {
			return false, rmerrors.Wrap("exec.evalCond", rmerrors.ErrColumnNotFound)
		}
		rhs = rec[rhsCol.Offset : rhsCol.Offset+rhsCol.Len]
	} else {
		buf := make([]byte, lhsCol.Len)
		if err := c.RhsVal.Encode(lhsCol, buf); err != nil {
			return false, rmerrors.Wrap("exec.evalCond", err)
		}
		rhs = buf
	}
	return matchOp(rmtype.Compare(lhsCol, lhs, rhs), c.Op), nil
}
