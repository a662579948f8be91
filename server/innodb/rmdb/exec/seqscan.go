package exec

import (
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/catalog"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/lockmgr"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/record"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmtype"
)

// SeqScan iterates every live heap record of a table, filtering by conds,
// per spec.md §4.8.
type SeqScan struct {
	tbl   *catalog.OpenTable
	conds []Cond
	lm    *lockmgr.LockManager
	tx    lockmgr.TxnRef

	scan *record.RmScan
	cur  []byte
}

// NewSeqScan opens a sequential scan, positioned at the first matching
// record (or already IsEnd if none match). lm/tx may be nil to skip
// record-level locking (e.g. during recovery or tests).
func NewSeqScan(tbl *catalog.OpenTable, conds []Cond, lm *lockmgr.LockManager, tx lockmgr.TxnRef) (*SeqScan, error) {
	if lm != nil && tx != nil {
		if err := lm.LockISOnTable(tx, tbl.Fd); err != nil {
			return nil, err
		}
	}
	scan, err := record.NewScan(tbl.Heap)
	if err != nil {
		return nil, err
	}
	s := &SeqScan{tbl: tbl, conds: conds, lm: lm, tx: tx, scan: scan}
	if err := s.seekMatch(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SeqScan) seekMatch() error {
	for !s.scan.IsEnd() {
		row, err := s.tbl.Heap.GetRecord(s.scan.Rid(), s.lm, s.tx)
		if err != nil {
			return err
		}
		ok, err := EvalConds(s.tbl.Cols, s.conds, row)
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

func (s *SeqScan) Init() error { return nil }

func (s *SeqScan) Next() error {
	if s.scan.IsEnd() {
		return nil
	}
	if err := s.scan.Next(); err != nil {
		return err
	}
	return s.seekMatch()
}

func (s *SeqScan) IsEnd() bool                    { return s.scan.IsEnd() }
func (s *SeqScan) Current() ([]byte, error)       { return s.cur, nil }
func (s *SeqScan) Cols() []rmtype.ColMeta         { return s.tbl.Cols }
func (s *SeqScan) Rid() rmtype.Rid                { return s.scan.Rid() }
