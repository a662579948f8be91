package lockmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmerrors"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmtype"
)

// fakeTxn is a minimal TxnRef for exercising the lock manager in isolation,
// without pulling in the txn package (which itself imports lockmgr).
type fakeTxn struct {
	id    int64
	locks map[LockDataId]LockMode
}

func newFakeTxn(id int64) *fakeTxn {
	return &fakeTxn{id: id, locks: make(map[LockDataId]LockMode)}
}

func (t *fakeTxn) TxnID() int64 { return t.id }

func (t *fakeTxn) GrantLock(id LockDataId, mode LockMode) {
	t.locks[id] = mode
}

func (t *fakeTxn) HeldLock(id LockDataId) (LockMode, bool) {
	m, ok := t.locks[id]
	return m, ok
}

func TestRecordXConflictAbortsSecondTxn(t *testing.T) {
	lm := NewLockManager()
	t1 := newFakeTxn(1)
	t2 := newFakeTxn(2)

	rid := rmtype.Rid{PageNo: 1, SlotNo: 2}

	assert.NoError(t, lm.LockExclusiveOnRecord(t1, rid, 7))

	err := lm.LockExclusiveOnRecord(t2, rid, 7)
	assert.Error(t, err)
	var abortErr *rmerrors.TransactionAbortError
	assert.ErrorAs(t, err, &abortErr)
	assert.Equal(t, rmerrors.DeadlockPrevention, abortErr.Reason)

	// t1 is unaffected and still holds its grant.
	mode, ok := t1.HeldLock(RecordLockId(7, rid))
	assert.True(t, ok)
	assert.Equal(t, X, mode)
}

func TestSharedLocksAreCompatibleAcrossTxns(t *testing.T) {
	lm := NewLockManager()
	t1 := newFakeTxn(1)
	t2 := newFakeTxn(2)
	rid := rmtype.Rid{PageNo: 3, SlotNo: 0}

	assert.NoError(t, lm.LockSharedOnRecord(t1, rid, 9))
	assert.NoError(t, lm.LockSharedOnRecord(t2, rid, 9))
}

func TestUpgradeConflictWhenAnotherTxnHoldsShared(t *testing.T) {
	lm := NewLockManager()
	t1 := newFakeTxn(1)
	t2 := newFakeTxn(2)
	rid := rmtype.Rid{PageNo: 5, SlotNo: 1}

	assert.NoError(t, lm.LockSharedOnRecord(t1, rid, 4))
	assert.NoError(t, lm.LockSharedOnRecord(t2, rid, 4))

	err := lm.LockExclusiveOnRecord(t1, rid, 4)
	assert.Error(t, err)
	var abortErr *rmerrors.TransactionAbortError
	assert.ErrorAs(t, err, &abortErr)
	assert.Equal(t, rmerrors.UpgradeConflict, abortErr.Reason)
}

func TestUnlockAllReleasesEveryGrant(t *testing.T) {
	lm := NewLockManager()
	t1 := newFakeTxn(1)
	t2 := newFakeTxn(2)
	id := TableLockId(11)

	assert.NoError(t, lm.LockExclusiveOnTable(t1, 11))
	lm.UnlockAll(t1, []LockDataId{id})

	assert.NoError(t, lm.LockExclusiveOnTable(t2, 11))
}
