// Package lockmgr implements the L2 multi-granularity lock manager of
// spec.md §4.4: table/record locks under a wound-wait-free strict policy —
// any conflicting foreign holder aborts the requester immediately, no
// waiting or queuing — grounded on manager.LockManager's lockTable/mutex
// shape but replacing its wait-graph deadlock detector with abort-on-sight.
package lockmgr

import (
	"sync"

	"github.com/zhukovaskychina/xmysql-server/logger"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmerrors"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmtype"
)

// DataType distinguishes table-granularity from record-granularity locks.
type DataType int

const (
	TableData DataType = iota
	RecordData
)

// LockDataId identifies the thing being locked: either a whole table (fd)
// or one record (fd, rid).
type LockDataId struct {
	Fd   int
	Rid  rmtype.Rid
	Type DataType
}

func TableLockId(fd int) LockDataId {
	return LockDataId{Fd: fd, Type: TableData}
}

func RecordLockId(fd int, rid rmtype.Rid) LockDataId {
	return LockDataId{Fd: fd, Rid: rid, Type: RecordData}
}

// LockMode enumerates the five multi-granularity modes spec.md §4.4 lists.
type LockMode int

const (
	IS LockMode = iota
	IX
	S
	SIX
	X
)

func (m LockMode) String() string {
	switch m {
	case IS:
		return "IS"
	case IX:
		return "IX"
	case S:
		return "S"
	case SIX:
		return "SIX"
	case X:
		return "X"
	default:
		return "?"
	}
}

// compat[a][b] is true iff a lock held in mode a is compatible with a
// concurrent request for mode b, the standard multi-granularity matrix.
var compat = [5][5]bool{
	//           IS     IX     S      SIX    X
	/* IS  */ {true, true, true, true, false},
	/* IX  */ {true, true, false, false, false},
	/* S   */ {true, false, true, false, false},
	/* SIX */ {true, false, false, false, false},
	/* X   */ {false, false, false, false, false},
}

// TxnRef is the minimal view of a transaction the lock manager needs. The
// txn package's Transaction implements it; lockmgr does not import txn to
// avoid a dependency cycle (txn imports lockmgr for LockDataId/LockMode).
type TxnRef interface {
	TxnID() int64
	GrantLock(id LockDataId, mode LockMode)
	HeldLock(id LockDataId) (LockMode, bool)
}

type lockEntry struct {
	mu      sync.Mutex
	holders map[int64]LockMode
}

// LockManager grants or aborts lock requests; it never blocks a caller.
type LockManager struct {
	mu    sync.Mutex
	table map[LockDataId]*lockEntry
}

func NewLockManager() *LockManager {
	return &LockManager{table: make(map[LockDataId]*lockEntry)}
}

func (lm *LockManager) entry(id LockDataId) *lockEntry {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	e, ok := lm.table[id]
	if !ok {
		e = &lockEntry{holders: make(map[int64]LockMode)}
		lm.table[id] = e
	}
	return e
}

// request is the common acquire path for every exported Lock* method: check
// existing holders for conflicts, honor same-txn idempotence and the S->X /
// S->SIX upgrade rules, else abort the requester (wound-wait-free strict).
func (lm *LockManager) request(txn TxnRef, id LockDataId, mode LockMode) error {
	e := lm.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	txID := txn.TxnID()
	if existing, ok := e.holders[txID]; ok {
		if existing == mode || subsumes(existing, mode) {
			txn.GrantLock(id, existing)
			return nil
		}
		if mode == X && existing == S {
			if soleHolder(e.holders, txID) {
				e.holders[txID] = X
				txn.GrantLock(id, X)
				return nil
			}
			logger.Debugf("lockmgr: txn %d abort on S->X upgrade conflict for %+v\n", txID, id)
			return rmerrors.NewTransactionAbort(rmerrors.UpgradeConflict)
		}
		if mode == SIX && existing == S {
			if noOtherSHolder(e.holders, txID) {
				e.holders[txID] = SIX
				txn.GrantLock(id, SIX)
				return nil
			}
			logger.Debugf("lockmgr: txn %d abort on S->SIX upgrade conflict for %+v\n", txID, id)
			return rmerrors.NewTransactionAbort(rmerrors.UpgradeConflict)
		}
		// Requesting a mode not subsumed and not a recognized upgrade path
		// (e.g. IS -> X directly): treat as a fresh conflict check below,
		// excluding this txn's own current grant from the conflict scan.
	}

	for otherTx, otherMode := range e.holders {
		if otherTx == txID {
			continue
		}
		if !compat[otherMode][mode] {
			logger.Debugf("lockmgr: txn %d abort: %+v held %s by txn %d conflicts with requested %s\n", txID, id, otherMode, otherTx, mode)
			return rmerrors.NewTransactionAbort(rmerrors.DeadlockPrevention)
		}
	}
	e.holders[txID] = mode
	txn.GrantLock(id, mode)
	return nil
}

// subsumes reports whether held already covers requested for the same txn
// (idempotent re-grant), per spec.md §4.4 "higher modes subsume lower".
func subsumes(held, requested LockMode) bool {
	rank := map[LockMode]int{IS: 0, S: 1, IX: 1, SIX: 2, X: 3}
	// S/IX are incomparable despite both being rank 1; only exact or strictly
	// higher-rank same-lineage modes subsume.
	if held == requested {
		return true
	}
	if held == X {
		return true // X subsumes everything
	}
	if held == SIX && (requested == S || requested == IX || requested == IS) {
		return true
	}
	if held == IX && requested == IS {
		return true
	}
	if held == S && requested == IS {
		return true
	}
	_ = rank
	return false
}

func soleHolder(holders map[int64]LockMode, txID int64) bool {
	for id := range holders {
		if id != txID {
			return false
		}
	}
	return true
}

func noOtherSHolder(holders map[int64]LockMode, txID int64) bool {
	for id, mode := range holders {
		if id != txID && mode == S {
			return false
		}
	}
	return true
}

// LockSharedOnRecord acquires S on a record. spec.md §4.4 notes the source
// has a stubbed always-true variant in one file; this is the enforcing one.
func (lm *LockManager) LockSharedOnRecord(txn TxnRef, rid rmtype.Rid, fd int) error {
	return lm.request(txn, RecordLockId(fd, rid), S)
}

// LockExclusiveOnRecord acquires X on a record, upgrading the txn's own S
// if it is the sole holder.
func (lm *LockManager) LockExclusiveOnRecord(txn TxnRef, rid rmtype.Rid, fd int) error {
	return lm.request(txn, RecordLockId(fd, rid), X)
}

func (lm *LockManager) LockSharedOnTable(txn TxnRef, fd int) error {
	return lm.request(txn, TableLockId(fd), S)
}

func (lm *LockManager) LockExclusiveOnTable(txn TxnRef, fd int) error {
	return lm.request(txn, TableLockId(fd), X)
}

func (lm *LockManager) LockIXOnTable(txn TxnRef, fd int) error {
	return lm.request(txn, TableLockId(fd), IX)
}

func (lm *LockManager) LockISOnTable(txn TxnRef, fd int) error {
	return lm.request(txn, TableLockId(fd), IS)
}

func (lm *LockManager) LockSIXOnTable(txn TxnRef, fd int) error {
	return lm.request(txn, TableLockId(fd), SIX)
}

// Unlock removes txn's grant on id, dropping the entry entirely once its
// holder queue empties (spec.md §3 lock-entry lifecycle).
func (lm *LockManager) Unlock(txn TxnRef, id LockDataId) error {
	lm.mu.Lock()
	e, ok := lm.table[id]
	if !ok {
		lm.mu.Unlock()
		return nil
	}
	lm.mu.Unlock()

	e.mu.Lock()
	delete(e.holders, txn.TxnID())
	empty := len(e.holders) == 0
	e.mu.Unlock()

	if empty {
		lm.mu.Lock()
		if cur, ok := lm.table[id]; ok && cur == e {
			cur.mu.Lock()
			stillEmpty := len(cur.holders) == 0
			cur.mu.Unlock()
			if stillEmpty {
				delete(lm.table, id)
			}
		}
		lm.mu.Unlock()
	}
	return nil
}

// UnlockAll releases every lock in ids, used by commit/abort to drop the
// transaction's entire lock_set before finalizing state.
func (lm *LockManager) UnlockAll(txn TxnRef, ids []LockDataId) {
	for _, id := range ids {
		_ = lm.Unlock(txn, id)
	}
}
