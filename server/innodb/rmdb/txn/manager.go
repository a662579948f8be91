package txn

import (
	"sync"
	"sync/atomic"

	"github.com/zhukovaskychina/xmysql-server/logger"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/catalog"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/lockmgr"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/wal"
)

// Manager owns the process-wide txn_map and next_txn_id counter and
// drives begin/commit/abort, per spec.md §4.7.
type Manager struct {
	mu        sync.Mutex
	txnMap    map[int64]*Transaction
	nextTxnID int64 // atomic

	lm  *lockmgr.LockManager
	log *wal.LogManager
	cat *catalog.Catalog
}

// NewManager builds a transaction manager over the given lock manager, log
// manager and catalog.
func NewManager(lm *lockmgr.LockManager, log *wal.LogManager, cat *catalog.Catalog) *Manager {
	return &Manager{
		txnMap: make(map[int64]*Transaction),
		lm:     lm,
		log:    log,
		cat:    cat,
	}
}

// SeedNextTxnID reseeds the id counter after recovery's analyze phase.
func (m *Manager) SeedNextTxnID(next int32) {
	atomic.StoreInt64(&m.nextTxnID, int64(next))
}

// Begin starts a new transaction, installs it into txn_map, and logs
// BEGIN, per spec.md §4.7.
func (m *Manager) Begin() (*Transaction, error) {
	id := atomic.AddInt64(&m.nextTxnID, 1) - 1
	t := newTransaction(id)

	lsn, err := m.log.Append(&wal.LogRecord{Type: wal.Begin, TxnID: int32(id), PrevLsn: wal.NoPrevLsn})
	if err != nil {
		return nil, err
	}
	t.prevLsn = lsn

	m.mu.Lock()
	m.txnMap[id] = t
	m.mu.Unlock()

	logger.Debugf("txn: began %d (tag %s)\n", id, t.debugTag)
	return t, nil
}

// Get looks up a live transaction by id.
func (m *Manager) Get(id int64) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txnMap[id]
	return t, ok
}

// Commit appends COMMIT, flushes the log, and releases every lock, per
// spec.md §4.7.
func (m *Manager) Commit(t *Transaction) error {
	lsn, err := m.log.Append(&wal.LogRecord{Type: wal.Commit, TxnID: int32(t.id), PrevLsn: t.prevLsn})
	if err != nil {
		return err
	}
	t.prevLsn = lsn
	if err := m.log.FlushLogToDisk(); err != nil {
		return err
	}
	m.lm.UnlockAll(t, t.lockIDs())
	t.writeSet = nil
	t.state = Committed

	m.mu.Lock()
	delete(m.txnMap, t.id)
	m.mu.Unlock()

	logger.Debugf("txn: committed %d\n", t.id)
	return nil
}

// Abort replays t's write-set newest-to-oldest through the catalog's
// compensating operations, then appends ABORT, flushes, and releases every
// lock, per spec.md §4.7.
func (m *Manager) Abort(t *Transaction) error {
	for i := len(t.writeSet) - 1; i >= 0; i-- {
		e := t.writeSet[i]
		var err error
		switch e.Type {
		case WriteInsert:
			err = m.rollbackInsert(t, e)
		case WriteDelete:
			err = m.rollbackDelete(t, e)
		case WriteUpdate:
			err = m.rollbackUpdate(t, e)
		}
		if err != nil {
			return err
		}
	}

	lsn, err := m.log.Append(&wal.LogRecord{Type: wal.Abort, TxnID: int32(t.id), PrevLsn: t.prevLsn})
	if err != nil {
		return err
	}
	t.prevLsn = lsn
	if err := m.log.FlushLogToDisk(); err != nil {
		return err
	}
	m.lm.UnlockAll(t, t.lockIDs())
	t.writeSet = nil
	t.state = Aborted

	m.mu.Lock()
	delete(m.txnMap, t.id)
	m.mu.Unlock()

	logger.Debugf("txn: aborted %d\n", t.id)
	return nil
}

// rollbackInsert undoes an INSERT_TUPLE write-set entry: delete the row
// (and its index entries), emitting a compensating DELETE log record, per
// spec.md §4.7's by-rid rollback resolution.
func (m *Manager) rollbackInsert(t *Transaction, e WriteSetEntry) error {
	tbl, err := m.cat.GetTable(e.Table)
	if err != nil {
		return err
	}
	row, err := tbl.Heap.GetRecord(e.Rid, nil, nil)
	if err != nil {
		return err
	}
	lsn, err := m.log.Append(&wal.LogRecord{
		Type: wal.Delete, TxnID: int32(t.id), PrevLsn: t.prevLsn,
		Delete: &wal.DeleteBody{Record: row, Rid: e.Rid, Table: e.Table},
	})
	if err != nil {
		return err
	}
	t.prevLsn = lsn
	for _, idx := range tbl.Indexes {
		key := tbl.BuildRowKey(idx, row)
		if _, err := idx.Tree.DeleteEntry(key); err != nil {
			return err
		}
	}
	return tbl.Heap.DeleteRecord(e.Rid, lsn, nil, nil)
}

// rollbackDelete undoes a DELETE_TUPLE write-set entry: reinsert the
// before-image at its original rid, emitting a compensating
// is_rollback=true INSERT log record.
func (m *Manager) rollbackDelete(t *Transaction, e WriteSetEntry) error {
	tbl, err := m.cat.GetTable(e.Table)
	if err != nil {
		return err
	}
	lsn, err := m.log.Append(&wal.LogRecord{
		Type: wal.Insert, TxnID: int32(t.id), PrevLsn: t.prevLsn,
		Insert: &wal.InsertBody{Record: e.Before, Rid: e.Rid, Table: e.Table, IsRollback: true},
	})
	if err != nil {
		return err
	}
	t.prevLsn = lsn
	if err := tbl.Heap.InsertRecordAt(e.Rid, e.Before, lsn); err != nil {
		return err
	}
	for _, idx := range tbl.Indexes {
		key := tbl.BuildRowKey(idx, e.Before)
		if _, err := idx.Tree.InsertEntry(key, e.Rid); err != nil {
			return err
		}
	}
	return nil
}

// rollbackUpdate undoes an UPDATE_TUPLE write-set entry: write the
// before-image back, swapping index entries for any index whose key
// changed, emitting a compensating UPDATE log record with before/after
// swapped.
func (m *Manager) rollbackUpdate(t *Transaction, e WriteSetEntry) error {
	tbl, err := m.cat.GetTable(e.Table)
	if err != nil {
		return err
	}
	current, err := tbl.Heap.GetRecord(e.Rid, nil, nil)
	if err != nil {
		return err
	}
	lsn, err := m.log.Append(&wal.LogRecord{
		Type: wal.Update, TxnID: int32(t.id), PrevLsn: t.prevLsn,
		Update: &wal.UpdateBody{Before: current, After: e.Before, Rid: e.Rid, Table: e.Table},
	})
	if err != nil {
		return err
	}
	t.prevLsn = lsn
	for _, idx := range tbl.Indexes {
		oldKey := tbl.BuildRowKey(idx, current)
		newKey := tbl.BuildRowKey(idx, e.Before)
		if string(oldKey) == string(newKey) {
			continue
		}
		if _, err := idx.Tree.DeleteEntry(oldKey); err != nil {
			return err
		}
		if _, err := idx.Tree.InsertEntry(newKey, e.Rid); err != nil {
			return err
		}
	}
	return tbl.Heap.UpdateRecord(e.Rid, e.Before, lsn, nil, nil)
}
