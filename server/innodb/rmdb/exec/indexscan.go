package exec

import (
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/catalog"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/index"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/lockmgr"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmtype"
)

// planBounds normalizes conds against meta's leading columns (equality
// predicates first, then at most one range predicate on the next column)
// and computes the [low, high) leaf range via spec.md §4.8's rule table.
// It returns the residual conditions the index range does not fully
// enforce, which must be re-checked on every materialized record.
func planBounds(tree *index.BPlusTree, meta index.IndexMeta, conds []Cond) (low, high rmtype.Iid, residual []Cond, err error) {
	keyBuf := make([]byte, meta.TotLen)
	consumed := make([]bool, len(conds))
	usedEq := int32(0)
	var rangeCond *Cond
	var usedForRange int32 = -1

	for _, col := range meta.Cols {
		found := false
		for i, c := range conds {
			if consumed[i] || c.IsColRef || c.Col != col.Name || c.Op != Eq {
				continue
			}
			if encErr := c.RhsVal.Encode(col, keyBuf[col.Offset:col.Offset+col.Len]); encErr != nil {
				return rmtype.Iid{}, rmtype.Iid{}, nil, encErr
			}
			consumed[i] = true
			usedEq++
			found = true
			break
		}
		if found {
			continue
		}
		for i, c := range conds {
			if consumed[i] || c.IsColRef || c.Col != col.Name || !isRangeOp(c.Op) {
				continue
			}
			if encErr := c.RhsVal.Encode(col, keyBuf[col.Offset:col.Offset+col.Len]); encErr != nil {
				return rmtype.Iid{}, rmtype.Iid{}, nil, encErr
			}
			rc := c
			rangeCond = &rc
			usedForRange = usedEq + 1
			consumed[i] = true
			break
		}
		break
	}

	for i, c := range conds {
		if !consumed[i] {
			residual = append(residual, c)
		}
	}

	switch {
	case rangeCond == nil && usedEq == 0:
		low, err = tree.First()
		if err != nil {
			return
		}
		high = index.OpenEnd()
	case rangeCond == nil:
		low, err = tree.LowerBound(keyBuf, usedEq)
		if err != nil {
			return
		}
		high, err = tree.UpperBound(keyBuf, usedEq, true)
	case rangeCond.Op == Ge:
		low, err = tree.LowerBound(keyBuf, usedForRange)
		if err != nil {
			return
		}
		high = index.OpenEnd()
	case rangeCond.Op == Gt:
		low, err = tree.UpperBound(keyBuf, usedForRange, true)
		if err != nil {
			return
		}
		high = index.OpenEnd()
	case rangeCond.Op == Le:
		low, err = tree.First()
		if err != nil {
			return
		}
		high, err = tree.UpperBound(keyBuf, usedForRange, true)
	case rangeCond.Op == Lt:
		low, err = tree.First()
		if err != nil {
			return
		}
		high, err = tree.LowerBound(keyBuf, usedForRange)
	}
	return
}

// IndexScan iterates a table's secondary index within the bounds conds
// imply, re-checking any residual conditions against each materialized
// record, per spec.md §4.8.
type IndexScan struct {
	tbl      *catalog.OpenTable
	idx      *catalog.OpenIndex
	residual []Cond
	lm       *lockmgr.LockManager
	tx       lockmgr.TxnRef

	scan *index.IxScan
	cur  []byte
}

// NewIndexScan opens an index scan, positioned at the first matching
// record (or already IsEnd if none match).
func NewIndexScan(tbl *catalog.OpenTable, idx *catalog.OpenIndex, conds []Cond, lm *lockmgr.LockManager, tx lockmgr.TxnRef) (*IndexScan, error) {
	if lm != nil && tx != nil {
		if err := lm.LockISOnTable(tx, tbl.Fd); err != nil {
			return nil, err
		}
	}
	low, high, residual, err := planBounds(idx.Tree, idx.Meta, conds)
	if err != nil {
		return nil, err
	}
	s := &IndexScan{tbl: tbl, idx: idx, residual: residual, lm: lm, tx: tx, scan: idx.Tree.NewIxScan(low, high)}
	if err := s.seekMatch(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *IndexScan) seekMatch() error {
	for !s.scan.IsEnd() {
		rid, err := s.scan.Rid()
		if err != nil {
			return err
		}
		row, err := s.tbl.Heap.GetRecord(rid, s.lm, s.tx)
		if err != nil {
			return err
		}
		ok, err := EvalConds(s.tbl.Cols, s.residual, row)
		if err != nil {
			return err
		}
		if ok {
			s.cur = row
			return nil
		}
		if err := s.scan.Next(); err != nil {
			return err
		}
	}
	s.cur = nil
	return nil
}

func (s *IndexScan) Init() error { return nil }

func (s *IndexScan) Next() error {
	if s.scan.IsEnd() {
		return nil
	}
	if err := s.scan.Next(); err != nil {
		return err
	}
	return s.seekMatch()
}

func (s *IndexScan) IsEnd() bool              { return s.scan.IsEnd() }
func (s *IndexScan) Current() ([]byte, error) { return s.cur, nil }
func (s *IndexScan) Cols() []rmtype.ColMeta   { return s.tbl.Cols }

func (s *IndexScan) Rid() rmtype.Rid {
	rid, _ := s.scan.Rid()
	return rid
}
