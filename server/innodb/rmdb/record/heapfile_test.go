package record

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/bufferpool"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/diskmgr"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmtype"
)

func newTestHeap(t *testing.T, recordSize int) (*RmFileHandle, func()) {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/t.heap"

	dm := diskmgr.NewDiskManager()
	assert.NoError(t, dm.CreateFile(path))
	fd, err := dm.OpenFile(path)
	assert.NoError(t, err)

	bp := bufferpool.NewBufferPool(dm, 32, 4)
	h, err := Create(bp, fd, recordSize)
	assert.NoError(t, err)

	return h, func() { os.RemoveAll(dir) }
}

func TestHeapRoundTrip(t *testing.T) {
	h, cleanup := newTestHeap(t, 16)
	defer cleanup()

	rid, err := h.InsertRecord([]byte("0123456789abcdef"), 0, nil, nil)
	assert.NoError(t, err)

	got, err := h.GetRecord(rid, nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, []byte("0123456789abcdef"), got)

	assert.NoError(t, h.DeleteRecord(rid, 0, nil, nil))
	_, err = h.GetRecord(rid, nil, nil)
	assert.Error(t, err)
}

func TestHeapUpdate(t *testing.T) {
	h, cleanup := newTestHeap(t, 8)
	defer cleanup()

	rid, err := h.InsertRecord([]byte("aaaaaaaa"), 0, nil, nil)
	assert.NoError(t, err)

	assert.NoError(t, h.UpdateRecord(rid, []byte("bbbbbbbb"), 0, nil, nil))
	got, err := h.GetRecord(rid, nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, []byte("bbbbbbbb"), got)
}

func TestHeapFreeListReuse(t *testing.T) {
	h, cleanup := newTestHeap(t, 8)
	defer cleanup()

	rpp := h.header.RecordsPerPage

	var rids []rmtype.Rid
	for i := int32(0); i < rpp; i++ {
		rid, err := h.InsertRecord([]byte("xxxxxxxx"), 0, nil, nil)
		assert.NoError(t, err)
		rids = append(rids, rid)
	}
	assert.Equal(t, rpp, int32(len(rids)))

	// The page that just filled up must have been detached from the free list.
	assert.NotEqual(t, rids[0].PageNo, h.header.FirstFreePageNo)

	// Deleting one record from the full page must push it back onto the
	// free-list head, per spec.md's free-list discipline.
	assert.NoError(t, h.DeleteRecord(rids[0], 0, nil, nil))
	assert.Equal(t, rids[0].PageNo, h.header.FirstFreePageNo)

	// A fresh insert should land back on that now-reopened page.
	newRid, err := h.InsertRecord([]byte("yyyyyyyy"), 0, nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, rids[0].PageNo, newRid.PageNo)
}

func TestScanOrder(t *testing.T) {
	h, cleanup := newTestHeap(t, 8)
	defer cleanup()

	var inserted []rmtype.Rid
	for i := 0; i < 5; i++ {
		rid, err := h.InsertRecord([]byte("rowrowro"), 0, nil, nil)
		assert.NoError(t, err)
		inserted = append(inserted, rid)
	}

	scan, err := NewScan(h)
	assert.NoError(t, err)
	count := 0
	var scanned []rmtype.Rid
	for !scan.IsEnd() {
		count++
		scanned = append(scanned, scan.Rid())
		assert.NoError(t, scan.Next())
	}
	assert.Equal(t, 5, count)
	assert.Equal(t, inserted, scanned)
}
