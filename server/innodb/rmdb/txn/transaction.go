// Package txn implements the L3 Transaction Manager of spec.md §4.7: a
// SERIALIZABLE-only transaction lifecycle (begin/commit/abort), a logical
// undo write-set, and rollback dispatch over the catalog layer.
//
// Grounded on manager/transaction_manager.go's Transaction/
// TransactionManager split, with its MVCC read-view machinery dropped (out
// of scope per spec.md §1's Non-goals) and the write-set remodeled as the
// tagged union spec.md §9's design notes prefer.
package txn

import (
	"github.com/google/uuid"

	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/lockmgr"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmtype"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/wal"
)

// State is a transaction's lifecycle stage, per spec.md §3.
type State int

const (
	Default State = iota
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Default:
		return "DEFAULT"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	default:
		return "?"
	}
}

// WriteType tags one write-set entry's logical undo operation.
type WriteType int

const (
	WriteInsert WriteType = iota
	WriteDelete
	WriteUpdate
)

// WriteSetEntry is a tagged union of the three logical undo shapes spec.md
// §3 lists, chosen over three separate slices so rollback can replay them
// in a single newest-to-oldest pass.
type WriteSetEntry struct {
	Type   WriteType
	Table  string
	Rid    rmtype.Rid
	Before []byte // DELETE/UPDATE: the pre-image to restore on rollback
}

// Transaction is one in-flight (or finished) transaction: isolation is
// fixed at SERIALIZABLE (spec.md §1's Non-goals exclude MVCC/lower
// isolation levels), so there is no isolation-level field to vary.
type Transaction struct {
	id        int64
	debugTag  string
	state     State
	prevLsn   int32
	lockSet   map[lockmgr.LockDataId]lockmgr.LockMode
	writeSet  []WriteSetEntry
}

func newTransaction(id int64) *Transaction {
	return &Transaction{
		id:       id,
		debugTag: uuid.New().String()[:8],
		state:    Default,
		prevLsn:  wal.NoPrevLsn,
		lockSet:  make(map[lockmgr.LockDataId]lockmgr.LockMode),
	}
}

// TxnID, GrantLock and HeldLock implement lockmgr.TxnRef.
func (t *Transaction) TxnID() int64 { return t.id }

func (t *Transaction) GrantLock(id lockmgr.LockDataId, mode lockmgr.LockMode) {
	t.lockSet[id] = mode
}

func (t *Transaction) HeldLock(id lockmgr.LockDataId) (lockmgr.LockMode, bool) {
	m, ok := t.lockSet[id]
	return m, ok
}

// State, PrevLsn and DebugTag expose read-only transaction state to the
// caller (executors, the transaction manager, diagnostics).
func (t *Transaction) State() State     { return t.state }
func (t *Transaction) PrevLsn() int32   { return t.prevLsn }
func (t *Transaction) DebugTag() string { return t.debugTag }

// SetPrevLsn updates the chain head, called by rmdb/exec operators after
// appending a log record under this transaction, per spec.md §5's ordering
// guarantee (monotonic LSNs, chained prev_lsn within a transaction).
func (t *Transaction) SetPrevLsn(lsn int32) { t.prevLsn = lsn }

// AppendWrite records one logical undo entry in program order; abort
// replays writeSet from the end backward (newest first), per spec.md §4.7.
func (t *Transaction) AppendWrite(e WriteSetEntry) {
	t.writeSet = append(t.writeSet, e)
}

// lockIDs returns every LockDataId this transaction currently holds, for
// UnlockAll at commit/abort.
func (t *Transaction) lockIDs() []lockmgr.LockDataId {
	ids := make([]lockmgr.LockDataId, 0, len(t.lockSet))
	for id := range t.lockSet {
		ids = append(ids, id)
	}
	return ids
}
