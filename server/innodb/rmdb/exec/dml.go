package exec

import (
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/catalog"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/dtype"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/lockmgr"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmerrors"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmtype"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/txn"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/wal"
)

// coerce adapts v to col's declared type where spec.md §4.8 allows it: a
// BIGINT literal may downcast into an INT column and vice versa, and a CHAR
// literal may parse into a DATETIME column via dtype.ParseDatetime. Every
// other type mismatch is rejected.
func coerce(col rmtype.ColMeta, v rmtype.Value) (rmtype.Value, error) {
	switch col.Type {
	case rmtype.TypeInt:
		switch v.Type {
		case rmtype.TypeInt:
			return v, nil
		case rmtype.TypeBigInt:
			return rmtype.NewIntValue(int32(v.Big)), nil
		}
	case rmtype.TypeBigInt:
		switch v.Type {
		case rmtype.TypeBigInt:
			return v, nil
		case rmtype.TypeInt:
			return rmtype.NewBigIntValue(int64(v.Int)), nil
		}
	case rmtype.TypeFloat:
		if v.Type == rmtype.TypeFloat {
			return v, nil
		}
	case rmtype.TypeChar:
		if v.Type == rmtype.TypeChar {
			return v, nil
		}
	case rmtype.TypeDatetime:
		switch v.Type {
		case rmtype.TypeDatetime:
			return v, nil
		case rmtype.TypeChar:
			packed, err := dtype.ParseDatetime(v.Str)
			if err != nil {
				return rmtype.Value{}, err
			}
			return rmtype.NewDatetimeValue(packed), nil
		}
	}
	return rmtype.Value{}, rmerrors.Wrap("exec.coerce", rmerrors.ErrIncompatibleType)
}

// buildRow coerces values against cols, in column order, and encodes them
// into a fixed-size row buffer of recordSize bytes.
func buildRow(cols []rmtype.ColMeta, values []rmtype.Value, recordSize int32) ([]byte, error) {
	if len(values) != len(cols) {
		return nil, rmerrors.Wrap("exec.buildRow", rmerrors.ErrInvalidValueCount)
	}
	buf := make([]byte, recordSize)
	for i, col := range cols {
		v, err := coerce(col, values[i])
		if err != nil {
			return nil, err
		}
		if err := v.Encode(col, buf[col.Offset:col.Offset+col.Len]); err != nil {
			return nil, rmerrors.Wrap("exec.buildRow", err)
		}
	}
	return buf, nil
}

// Insert builds one row from a values list, appends it to the heap, emits
// an INSERT log record, and maintains every index, per spec.md §4.8.
type Insert struct {
	tbl *catalog.OpenTable
	lm  *lockmgr.LockManager
	log *wal.LogManager
	tx  *txn.Transaction
}

// NewInsert builds an Insert operator over tbl, logging through log and
// locking/undoing through tx.
func NewInsert(tbl *catalog.OpenTable, lm *lockmgr.LockManager, log *wal.LogManager, tx *txn.Transaction) *Insert {
	return &Insert{tbl: tbl, lm: lm, log: log, tx: tx}
}

// Execute inserts one row built from values and returns its rid.
//
// The heap write happens before the rid is known, so the WAL rule
// (page_lsn must reflect the log record that produced the page's current
// contents) is satisfied by writing the page first with a provisional LSN,
// then stamping the page with the real LSN once the INSERT log record
// (which needs the now-known rid) has been appended. If any index rejects
// the row as a duplicate, abandonInsert emits a compensating DELETE log
// record and removes the row, so that a crash during this window still
// replays to "row absent" whether or not this transaction later commits.
func (op *Insert) Execute(values []rmtype.Value) (rmtype.Rid, error) {
	if err := op.lm.LockIXOnTable(op.tx, op.tbl.Fd); err != nil {
		return rmtype.Rid{}, err
	}
	row, err := buildRow(op.tbl.Cols, values, op.tbl.RecordSize)
	if err != nil {
		return rmtype.Rid{}, err
	}

	rid, err := op.tbl.Heap.InsertRecord(row, 0, op.lm, op.tx)
	if err != nil {
		return rmtype.Rid{}, err
	}

	lsn, err := op.log.Append(&wal.LogRecord{
		Type: wal.Insert, TxnID: int32(op.tx.TxnID()), PrevLsn: op.tx.PrevLsn(),
		Insert: &wal.InsertBody{Record: row, Rid: rid, Table: op.tbl.Name},
	})
	if err != nil {
		return rmtype.Rid{}, err
	}
	op.tx.SetPrevLsn(lsn)
	if err := op.tbl.Heap.StampPageLSN(rid.PageNo, lsn); err != nil {
		return rmtype.Rid{}, err
	}

	for _, idx := range op.tbl.Indexes {
		key := op.tbl.BuildRowKey(idx, row)
		ok, err := idx.Tree.InsertEntry(key, rid)
		if err != nil {
			op.abandonInsert(rid, row)
			return rmtype.Rid{}, err
		}
		if !ok {
			op.abandonInsert(rid, row)
			return rmtype.Rid{}, rmerrors.Wrap("exec.Insert.Execute", rmerrors.ErrIndexEntryRepeat)
		}
	}

	op.tx.AppendWrite(txn.WriteSetEntry{Type: txn.WriteInsert, Table: op.tbl.Name, Rid: rid})
	return rid, nil
}

// abandonInsert undoes a heap insert that failed index maintenance,
// logging a compensating DELETE so recovery never resurrects the row.
func (op *Insert) abandonInsert(rid rmtype.Rid, row []byte) {
	lsn, err := op.log.Append(&wal.LogRecord{
		Type: wal.Delete, TxnID: int32(op.tx.TxnID()), PrevLsn: op.tx.PrevLsn(),
		Delete: &wal.DeleteBody{Record: row, Rid: rid, Table: op.tbl.Name},
	})
	if err != nil {
		return
	}
	op.tx.SetPrevLsn(lsn)
	op.tbl.Heap.DeleteRecord(rid, lsn, nil, nil)
}

// Delete removes every row a child scan yields, per spec.md §4.8.
type Delete struct {
	tbl *catalog.OpenTable
	lm  *lockmgr.LockManager
	log *wal.LogManager
	tx  *txn.Transaction
}

// NewDelete builds a Delete operator over tbl.
func NewDelete(tbl *catalog.OpenTable, lm *lockmgr.LockManager, log *wal.LogManager, tx *txn.Transaction) *Delete {
	return &Delete{tbl: tbl, lm: lm, log: log, tx: tx}
}

// Execute deletes every row child yields and returns the count removed.
//
// child's matching rids are fully materialized before any mutation begins:
// deleting while a B+tree-backed IndexScan is still walking the same tree
// risks the scan's cursor being shifted out from under it by a node
// merge/redistribute triggered by one of the very deletes it is iterating
// past.
func (op *Delete) Execute(child ScanIterator) (int, error) {
	if err := op.lm.LockIXOnTable(op.tx, op.tbl.Fd); err != nil {
		return 0, err
	}
	var rids []rmtype.Rid
	for !child.IsEnd() {
		rids = append(rids, child.Rid())
		if err := child.Next(); err != nil {
			return 0, err
		}
	}

	for _, rid := range rids {
		row, err := op.tbl.Heap.GetRecord(rid, op.lm, op.tx)
		if err != nil {
			return 0, err
		}
		for _, idx := range op.tbl.Indexes {
			key := op.tbl.BuildRowKey(idx, row)
			if _, err := idx.Tree.DeleteEntry(key); err != nil {
				return 0, err
			}
		}
		lsn, err := op.log.Append(&wal.LogRecord{
			Type: wal.Delete, TxnID: int32(op.tx.TxnID()), PrevLsn: op.tx.PrevLsn(),
			Delete: &wal.DeleteBody{Record: row, Rid: rid, Table: op.tbl.Name},
		})
		if err != nil {
			return 0, err
		}
		op.tx.SetPrevLsn(lsn)
		if err := op.tbl.Heap.DeleteRecord(rid, lsn, op.lm, op.tx); err != nil {
			return 0, err
		}
		op.tx.AppendWrite(txn.WriteSetEntry{Type: txn.WriteDelete, Table: op.tbl.Name, Rid: rid, Before: row})
	}
	return len(rids), nil
}

// SetClause is one column=value assignment of an UPDATE statement.
type SetClause struct {
	Col string
	Val rmtype.Value
}

// Update rewrites every row a child scan yields, per spec.md §4.8.
type Update struct {
	tbl *catalog.OpenTable
	lm  *lockmgr.LockManager
	log *wal.LogManager
	tx  *txn.Transaction
}

// NewUpdate builds an Update operator over tbl.
func NewUpdate(tbl *catalog.OpenTable, lm *lockmgr.LockManager, log *wal.LogManager, tx *txn.Transaction) *Update {
	return &Update{tbl: tbl, lm: lm, log: log, tx: tx}
}

// Execute applies sets to every row child yields and returns the count
// updated.
//
// Like Delete, child's rids are materialized upfront before any row is
// touched. Unlike Insert, index uniqueness is checked before the UPDATE
// log record is appended rather than after: an update only ever replaces
// one index entry with another (never leaves an orphan insert with no
// matching log record the way a failed Insert would), so a plain
// pre-check avoids needing a compensating log entry at all.
func (op *Update) Execute(child ScanIterator, sets []SetClause) (int, error) {
	if err := op.lm.LockIXOnTable(op.tx, op.tbl.Fd); err != nil {
		return 0, err
	}
	var rids []rmtype.Rid
	for !child.IsEnd() {
		rids = append(rids, child.Rid())
		if err := child.Next(); err != nil {
			return 0, err
		}
	}

	for _, rid := range rids {
		before, err := op.tbl.Heap.GetRecord(rid, op.lm, op.tx)
		if err != nil {
			return 0, err
		}
		after := append([]byte(nil), before...)
		for _, s := range sets {
			col, ok := op.tbl.ColByName(s.Col)
			if !ok {
				return 0, rmerrors.Wrap("exec.Update.Execute", rmerrors.ErrColumnNotFound)
			}
			v, err := coerce(col, s.Val)
			if err != nil {
				return 0, err
			}
			if err := v.Encode(col, after[col.Offset:col.Offset+col.Len]); err != nil {
				return 0, rmerrors.Wrap("exec.Update.Execute", err)
			}
		}

		changed := make(map[string]bool, len(op.tbl.Indexes))
		for name, idx := range op.tbl.Indexes {
			oldKey := op.tbl.BuildRowKey(idx, before)
			newKey := op.tbl.BuildRowKey(idx, after)
			if string(oldKey) == string(newKey) {
				continue
			}
			changed[name] = true
			if existingRid, found, err := idx.Tree.GetValue(newKey); err != nil {
				return 0, err
			} else if found && existingRid != rid {
				return 0, rmerrors.Wrap("exec.Update.Execute", rmerrors.ErrIndexEntryRepeat)
			}
		}

		lsn, err := op.log.Append(&wal.LogRecord{
			Type: wal.Update, TxnID: int32(op.tx.TxnID()), PrevLsn: op.tx.PrevLsn(),
			Update: &wal.UpdateBody{Before: before, After: after, Rid: rid, Table: op.tbl.Name},
		})
		if err != nil {
			return 0, err
		}
		op.tx.SetPrevLsn(lsn)

		if err := op.tbl.Heap.UpdateRecord(rid, after, lsn, op.lm, op.tx); err != nil {
			return 0, err
		}
		for name, idx := range op.tbl.Indexes {
			if !changed[name] {
				continue
			}
			oldKey := op.tbl.BuildRowKey(idx, before)
			if _, err := idx.Tree.DeleteEntry(oldKey); err != nil {
				return 0, err
			}
			newKey := op.tbl.BuildRowKey(idx, after)
			if _, err := idx.Tree.InsertEntry(newKey, rid); err != nil {
				return 0, err
			}
		}
		op.tx.AppendWrite(txn.WriteSetEntry{Type: txn.WriteUpdate, Table: op.tbl.Name, Rid: rid, Before: before})
	}
	return len(rids), nil
}
