package wal

import (
	"github.com/zhukovaskychina/xmysql-server/logger"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/diskmgr"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmerrors"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmtype"
)

// RecoveryTarget is the logical-layer surface recovery replays/undoes
// against — the catalog's per-table record+index maintenance — without
// wal importing catalog (mirrors lockmgr.TxnRef's cycle-avoidance).
type RecoveryTarget interface {
	ApplyInsert(table string, rid rmtype.Rid, record []byte, isRollback bool) error
	ApplyDelete(table string, rid rmtype.Rid) error
	ApplyUpdate(table string, rid rmtype.Rid, after []byte) error
}

// Result carries the reseed values recovery computes, per spec.md §4.6.
type Result struct {
	MaxLsn    int32
	NextTxnID int32
}

// readAllRecords sequentially decodes every record in the log file, in
// file order, per spec.md §4.6's analyze phase.
func readAllRecords(disk *diskmgr.DiskManager) ([]*LogRecord, error) {
	size := disk.LogSize()
	var records []*LogRecord
	var off int64
	hdrBuf := make([]byte, headerSize)
	for off < size {
		if _, err := disk.ReadLogAt(off, hdrBuf); err != nil {
			return nil, rmerrors.Wrap("wal.recovery", err)
		}
		totalLen, err := peekTotalLen(hdrBuf)
		if err != nil {
			return nil, err
		}
		full := make([]byte, totalLen)
		if _, err := disk.ReadLogAt(off, full); err != nil {
			return nil, rmerrors.Wrap("wal.recovery", err)
		}
		rec, err := Decode(full)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
		off += int64(totalLen)
	}
	return records, nil
}

// Recover runs the three-phase ARIES-lite sequence of spec.md §4.6:
// analyze builds the ATT and a candidate redo list; losers are pruned
// from redo by walking their prev_lsn chains; redo replays the survivors
// in original order; undo reverses every ATT (uncommitted) transaction's
// effects, newest-first.
func Recover(disk *diskmgr.DiskManager, target RecoveryTarget) (Result, error) {
	records, err := readAllRecords(disk)
	if err != nil {
		return Result{}, err
	}

	att := make(map[int32]int32)   // txn_id -> last_lsn of an uncommitted txn
	byLsn := make(map[int32]*LogRecord)
	var maxLsn, maxTxnID int32 = -1, -1

	for _, rec := range records {
		byLsn[rec.Lsn] = rec
		if rec.Lsn > maxLsn {
			maxLsn = rec.Lsn
		}
		if rec.TxnID > maxTxnID {
			maxTxnID = rec.TxnID
		}
		switch rec.Type {
		case Begin, Insert, Delete, Update:
			att[rec.TxnID] = rec.Lsn
		case Commit, Abort:
			delete(att, rec.TxnID)
		}
	}

	skip := make(map[int32]bool)
	for _, lastLsn := range att {
		cur := lastLsn
		for cur != NoPrevLsn {
			skip[cur] = true
			rec, ok := byLsn[cur]
			if !ok {
				break
			}
			cur = rec.PrevLsn
		}
	}

	logger.Debugf("wal.recovery: analyze found %d records, %d uncommitted txns, %d records pruned from redo\n", len(records), len(att), len(skip))

	for _, rec := range records {
		if skip[rec.Lsn] {
			continue
		}
		if err := applyForward(target, rec); err != nil {
			return Result{}, err
		}
	}

	for _, lastLsn := range att {
		cur := lastLsn
		for cur != NoPrevLsn {
			rec, ok := byLsn[cur]
			if !ok {
				break
			}
			if err := applyInverse(target, rec); err != nil {
				return Result{}, err
			}
			cur = rec.PrevLsn
		}
	}

	return Result{MaxLsn: maxLsn, NextTxnID: maxTxnID + 1}, nil
}

func applyForward(target RecoveryTarget, rec *LogRecord) error {
	switch rec.Type {
	case Insert:
		return target.ApplyInsert(rec.Insert.Table, rec.Insert.Rid, rec.Insert.Record, rec.Insert.IsRollback)
	case Delete:
		return target.ApplyDelete(rec.Delete.Table, rec.Delete.Rid)
	case Update:
		return target.ApplyUpdate(rec.Update.Table, rec.Update.Rid, rec.Update.After)
	default:
		return nil
	}
}

// applyInverse applies the logical inverse of rec, per spec.md §4.6's undo
// rules: INSERT undone by delete; DELETE undone by reinsert-at-rid;
// UPDATE undone by writing back the before-image.
func applyInverse(target RecoveryTarget, rec *LogRecord) error {
	switch rec.Type {
	case Insert:
		return target.ApplyDelete(rec.Insert.Table, rec.Insert.Rid)
	case Delete:
		return target.ApplyInsert(rec.Delete.Table, rec.Delete.Rid, rec.Delete.Record, true)
	case Update:
		return target.ApplyUpdate(rec.Update.Table, rec.Update.Rid, rec.Update.Before)
	default:
		return nil
	}
}
