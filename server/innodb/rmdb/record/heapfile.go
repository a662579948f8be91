// Package record implements the L1 record manager of spec.md §4.2: a
// slotted heap file with a per-page occupancy bitmap and a singly-linked
// free-list of pages with spare capacity. Grounded on
// buffer_pool.BufferPool's pin/unpin contract (rmdb/bufferpool) and the
// teacher's Op+Err error wrapping (rmdb/rmerrors).
package record

import (
	"encoding/binary"
	"fmt"

	"github.com/zhukovaskychina/xmysql-server/logger"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/bufferpool"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/engineconf"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/lockmgr"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmerrors"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmtype"
)

// NoPage terminates the free-list chain and marks an unset root/page link.
const NoPage int32 = -1

const fileHeaderSize = 20
const pageHeaderSize = 8

// FileHeader lives on page 0 of every heap file, per spec.md §3.
type FileHeader struct {
	RecordSize      int32
	RecordsPerPage  int32
	NumPages        int32
	FirstFreePageNo int32
	FirstRecordPage int32
}

func (h *FileHeader) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.RecordSize))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.RecordsPerPage))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.NumPages))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.FirstFreePageNo))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.FirstRecordPage))
}

func decodeFileHeader(buf []byte) FileHeader {
	return FileHeader{
		RecordSize:      int32(binary.LittleEndian.Uint32(buf[0:4])),
		RecordsPerPage:  int32(binary.LittleEndian.Uint32(buf[4:8])),
		NumPages:        int32(binary.LittleEndian.Uint32(buf[8:12])),
		FirstFreePageNo: int32(binary.LittleEndian.Uint32(buf[12:16])),
		FirstRecordPage: int32(binary.LittleEndian.Uint32(buf[16:20])),
	}
}

// pageHeader is {num_records, next_free_page_no} at the start of every
// slotted data page.
type pageHeader struct {
	NumRecords     int32
	NextFreePageNo int32
}

func readPageHeader(data []byte) pageHeader {
	return pageHeader{
		NumRecords:     int32(binary.LittleEndian.Uint32(data[0:4])),
		NextFreePageNo: int32(binary.LittleEndian.Uint32(data[4:8])),
	}
}

func writePageHeader(data []byte, h pageHeader) {
	binary.LittleEndian.PutUint32(data[0:4], uint32(h.NumRecords))
	binary.LittleEndian.PutUint32(data[4:8], uint32(h.NextFreePageNo))
}

// computeRecordsPerPage solves spec.md §3's
// records_per_page = floor((PAGE_SIZE - page_hdr_size) / (record_size + 1/8))
// by searching for the largest n whose bitmap + slot array still fit.
func computeRecordsPerPage(recordSize int) int32 {
	avail := engineconf.PageSize - pageHeaderSize
	n := 0
	for {
		bitmapBytes := (n + 1 + 7) / 8
		if bitmapBytes+(n+1)*recordSize > avail {
			break
		}
		n++
	}
	return int32(n)
}

func bitmapBytes(recordsPerPage int32) int32 {
	return (recordsPerPage + 7) / 8
}

func bitSet(bitmap []byte, i int32) bool {
	return bitmap[i/8]&(1<<(uint(i)%8)) != 0
}

func setBit(bitmap []byte, i int32) {
	bitmap[i/8] |= 1 << (uint(i) % 8)
}

func clearBit(bitmap []byte, i int32) {
	bitmap[i/8] &^= 1 << (uint(i) % 8)
}

// firstUnsetAfter returns the first unset bit index in [from, n), or -1.
func firstUnsetAfter(bitmap []byte, from, n int32) int32 {
	for i := from; i < n; i++ {
		if !bitSet(bitmap, i) {
			return i
		}
	}
	return -1
}

// firstSetAfter returns the first set bit index in [from, n), or -1.
func firstSetAfter(bitmap []byte, from, n int32) int32 {
	for i := from; i < n; i++ {
		if bitSet(bitmap, i) {
			return i
		}
	}
	return -1
}

// RmFileHandle is one open heap file.
type RmFileHandle struct {
	Fd     int
	bp     *bufferpool.BufferPool
	header FileHeader
}

// Create initializes a brand-new heap file for fixed-length records of
// recordSize bytes and returns it opened.
func Create(bp *bufferpool.BufferPool, fd int, recordSize int) (*RmFileHandle, error) {
	rpp := computeRecordsPerPage(recordSize)
	if rpp <= 0 {
		return nil, rmerrors.Wrap("record.Create", fmt.Errorf("record size %d too large for page size %d", recordSize, engineconf.PageSize))
	}
	h := &RmFileHandle{Fd: fd, bp: bp, header: FileHeader{
		RecordSize:      int32(recordSize),
		RecordsPerPage:  rpp,
		NumPages:        1,
		FirstFreePageNo: NoPage,
		FirstRecordPage: 1,
	}}
	fr, err := bp.NewPage(fd) // page 0: file header
	if err != nil {
		return nil, err
	}
	h.header.encode(fr.Data)
	if err := bp.UnpinPage(fr.PageId, true); err != nil {
		return nil, err
	}
	if err := bp.FlushPage(fr.PageId); err != nil {
		return nil, err
	}
	return h, nil
}

// Open loads an existing heap file's header and returns it opened.
func Open(bp *bufferpool.BufferPool, fd int) (*RmFileHandle, error) {
	fr, err := bp.FetchPage(bufferpool.PageId{Fd: fd, PageNo: 0})
	if err != nil {
		return nil, err
	}
	h := decodeFileHeader(fr.Data)
	if err := bp.UnpinPage(fr.PageId, false); err != nil {
		return nil, err
	}
	return &RmFileHandle{Fd: fd, bp: bp, header: h}, nil
}

func (h *RmFileHandle) persistHeader() error {
	fr, err := h.bp.FetchPage(bufferpool.PageId{Fd: h.Fd, PageNo: 0})
	if err != nil {
		return err
	}
	h.header.encode(fr.Data)
	if err := h.bp.UnpinPage(fr.PageId, true); err != nil {
		return err
	}
	return nil
}

func (h *RmFileHandle) dataPageId(pageNo int32) bufferpool.PageId {
	return bufferpool.PageId{Fd: h.Fd, PageNo: pageNo}
}

func (h *RmFileHandle) layout() (bmBytes int32, slotOff int32) {
	bmBytes = bitmapBytes(h.header.RecordsPerPage)
	slotOff = pageHeaderSize + bmBytes
	return
}

// createNewPage appends a brand-new, empty slotted page, links it onto the
// free list head, and returns its page number.
func (h *RmFileHandle) createNewPage() (int32, error) {
	fr, err := h.bp.NewPage(h.Fd)
	if err != nil {
		return NoPage, err
	}
	ph := pageHeader{NumRecords: 0, NextFreePageNo: h.header.FirstFreePageNo}
	writePageHeader(fr.Data, ph)
	if err := h.bp.UnpinPage(fr.PageId, true); err != nil {
		return NoPage, err
	}
	h.header.NumPages++
	h.header.FirstFreePageNo = fr.PageId.PageNo
	if err := h.persistHeader(); err != nil {
		return NoPage, err
	}
	return fr.PageId.PageNo, nil
}

// TxnRef is the lock-acquisition hook; record-manager callers may pass nil
// to skip locking entirely (used by recovery redo/undo, which runs with
// the database otherwise quiesced).
type TxnRef = lockmgr.TxnRef

// GetRecord returns a copy of the bytes at rid, taking an S lock on rid if
// lm/txn are non-nil.
func (h *RmFileHandle) GetRecord(rid rmtype.Rid, lm *lockmgr.LockManager, txn TxnRef) ([]byte, error) {
	if lm != nil && txn != nil {
		if err := lm.LockSharedOnRecord(txn, rid, h.Fd); err != nil {
			return nil, err
		}
	}
	fr, err := h.bp.FetchPage(h.dataPageId(rid.PageNo))
	if err != nil {
		return nil, err
	}
	defer h.bp.UnpinPage(fr.PageId, false)

	_, slotOff := h.layout()
	bitmap := fr.Data[pageHeaderSize:slotOff]
	if !bitSet(bitmap, rid.SlotNo) {
		return nil, rmerrors.Wrap("record.GetRecord", rmerrors.ErrRecordNotFound)
	}
	rs := int(h.header.RecordSize)
	start := int(slotOff) + int(rid.SlotNo)*rs
	out := make([]byte, rs)
	copy(out, fr.Data[start:start+rs])
	return out, nil
}

// InsertRecord picks the head-of-free-list page (creating one if the list
// is empty), sets the first unset bit, copies buf in, and maintains the
// free list. lsn is stamped onto the page as its page_lsn (WAL rule;
// callers not participating in WAL pass 0).
func (h *RmFileHandle) InsertRecord(buf []byte, lsn int32, lm *lockmgr.LockManager, txn TxnRef) (rmtype.Rid, error) {
	if int32(len(buf)) != h.header.RecordSize {
		return rmtype.Rid{}, rmerrors.Wrap("record.InsertRecord", fmt.Errorf("record size %d != table record size %d", len(buf), h.header.RecordSize))
	}
	pageNo := h.header.FirstFreePageNo
	if pageNo == NoPage {
		var err error
		pageNo, err = h.createNewPage()
		if err != nil {
			return rmtype.Rid{}, err
		}
	}
	fr, err := h.bp.FetchPage(h.dataPageId(pageNo))
	if err != nil {
		return rmtype.Rid{}, err
	}

	_, slotOff := h.layout()
	bitmap := fr.Data[pageHeaderSize:slotOff]
	slot := firstUnsetAfter(bitmap, 0, h.header.RecordsPerPage)
	if slot < 0 {
		h.bp.UnpinPage(fr.PageId, false)
		return rmtype.Rid{}, rmerrors.Wrap("record.InsertRecord", fmt.Errorf("free-list page %d has no free slot", pageNo))
	}
	rid := rmtype.Rid{PageNo: pageNo, SlotNo: slot}

	if lm != nil && txn != nil {
		if err := lm.LockExclusiveOnRecord(txn, rid, h.Fd); err != nil {
			h.bp.UnpinPage(fr.PageId, false)
			return rmtype.Rid{}, err
		}
	}

	setBit(bitmap, slot)
	ph := readPageHeader(fr.Data)
	ph.NumRecords++
	pageNowFull := ph.NumRecords == h.header.RecordsPerPage
	writePageHeader(fr.Data, ph)
	rs := int(h.header.RecordSize)
	start := int(slotOff) + int(slot)*rs
	copy(fr.Data[start:start+rs], buf)
	h.bp.SetPageLSN(fr, lsn)

	if err := h.bp.UnpinPage(fr.PageId, true); err != nil {
		return rmtype.Rid{}, err
	}

	if pageNowFull {
		h.header.FirstFreePageNo = ph.NextFreePageNo
		if err := h.persistHeader(); err != nil {
			return rmtype.Rid{}, err
		}
		logger.Debugf("record: page %d full, detached from free list\n", pageNo)
	}
	return rid, nil
}

// InsertRecordAt overwrites the slot at an explicit rid (redo replay and
// rollback-of-delete only); it does not consult the lock manager and does
// not perform free-list maintenance beyond marking the slot used.
func (h *RmFileHandle) InsertRecordAt(rid rmtype.Rid, buf []byte, lsn int32) error {
	if int32(len(buf)) != h.header.RecordSize {
		return rmerrors.Wrap("record.InsertRecordAt", fmt.Errorf("record size %d != table record size %d", len(buf), h.header.RecordSize))
	}
	for rid.PageNo >= h.header.NumPages {
		if _, err := h.createNewPage(); err != nil {
			return err
		}
	}
	fr, err := h.bp.FetchPage(h.dataPageId(rid.PageNo))
	if err != nil {
		return err
	}
	_, slotOff := h.layout()
	bitmap := fr.Data[pageHeaderSize:slotOff]
	wasSet := bitSet(bitmap, rid.SlotNo)
	setBit(bitmap, rid.SlotNo)
	if !wasSet {
		ph := readPageHeader(fr.Data)
		ph.NumRecords++
		writePageHeader(fr.Data, ph)
	}
	rs := int(h.header.RecordSize)
	start := int(slotOff) + int(rid.SlotNo)*rs
	copy(fr.Data[start:start+rs], buf)
	h.bp.SetPageLSN(fr, lsn)
	return h.bp.UnpinPage(fr.PageId, true)
}

// DeleteRecord unsets rid's bit; if the page had been full, it is relinked
// onto the free-list head.
func (h *RmFileHandle) DeleteRecord(rid rmtype.Rid, lsn int32, lm *lockmgr.LockManager, txn TxnRef) error {
	if lm != nil && txn != nil {
		if err := lm.LockExclusiveOnRecord(txn, rid, h.Fd); err != nil {
			return err
		}
	}
	fr, err := h.bp.FetchPage(h.dataPageId(rid.PageNo))
	if err != nil {
		return err
	}
	_, slotOff := h.layout()
	bitmap := fr.Data[pageHeaderSize:slotOff]
	if !bitSet(bitmap, rid.SlotNo) {
		h.bp.UnpinPage(fr.PageId, false)
		return rmerrors.Wrap("record.DeleteRecord", rmerrors.ErrRecordNotFound)
	}
	wasFull := func() bool {
		ph := readPageHeader(fr.Data)
		return ph.NumRecords == h.header.RecordsPerPage
	}()
	clearBit(bitmap, rid.SlotNo)
	ph := readPageHeader(fr.Data)
	ph.NumRecords--
	writePageHeader(fr.Data, ph)
	h.bp.SetPageLSN(fr, lsn)
	if err := h.bp.UnpinPage(fr.PageId, true); err != nil {
		return err
	}
	if wasFull {
		// Re-fetch to update next_free_page_no now that we know the new head.
		fr2, err := h.bp.FetchPage(h.dataPageId(rid.PageNo))
		if err != nil {
			return err
		}
		ph2 := readPageHeader(fr2.Data)
		ph2.NextFreePageNo = h.header.FirstFreePageNo
		writePageHeader(fr2.Data, ph2)
		if err := h.bp.UnpinPage(fr2.PageId, true); err != nil {
			return err
		}
		h.header.FirstFreePageNo = rid.PageNo
		if err := h.persistHeader(); err != nil {
			return err
		}
		logger.Debugf("record: page %d no longer full, pushed onto free list head\n", rid.PageNo)
	}
	return nil
}

// UpdateRecord overwrites rid's bytes in place; buf must match the table's
// record size. Fails with ErrRecordNotFound if the slot is unoccupied.
func (h *RmFileHandle) UpdateRecord(rid rmtype.Rid, buf []byte, lsn int32, lm *lockmgr.LockManager, txn TxnRef) error {
	if int32(len(buf)) != h.header.RecordSize {
		return rmerrors.Wrap("record.UpdateRecord", fmt.Errorf("record size %d != table record size %d", len(buf), h.header.RecordSize))
	}
	if lm != nil && txn != nil {
		if err := lm.LockExclusiveOnRecord(txn, rid, h.Fd); err != nil {
			return err
		}
	}
	fr, err := h.bp.FetchPage(h.dataPageId(rid.PageNo))
	if err != nil {
		return err
	}
	defer func() {
		h.bp.UnpinPage(fr.PageId, true)
	}()
	_, slotOff := h.layout()
	bitmap := fr.Data[pageHeaderSize:slotOff]
	if !bitSet(bitmap, rid.SlotNo) {
		return rmerrors.Wrap("record.UpdateRecord", rmerrors.ErrRecordNotFound)
	}
	rs := int(h.header.RecordSize)
	start := int(slotOff) + int(rid.SlotNo)*rs
	copy(fr.Data[start:start+rs], buf)
	h.bp.SetPageLSN(fr, lsn)
	return nil
}

// RowsInPage returns every live rid on pageNo's slotted data page in slot
// order, used by the block nested-loop join's block buffer manager to copy
// whole pages at a time instead of walking one record at a time.
func (h *RmFileHandle) RowsInPage(pageNo int32) ([]rmtype.Rid, error) {
	fr, err := h.bp.FetchPage(h.dataPageId(pageNo))
	if err != nil {
		return nil, err
	}
	defer h.bp.UnpinPage(fr.PageId, false)
	_, slotOff := h.layout()
	bitmap := fr.Data[pageHeaderSize:slotOff]
	var out []rmtype.Rid
	for i := int32(0); i < h.header.RecordsPerPage; i++ {
		if bitSet(bitmap, i) {
			out = append(out, rmtype.Rid{PageNo: pageNo, SlotNo: i})
		}
	}
	return out, nil
}

// StampPageLSN re-stamps pageNo's page_lsn, used when a record's final rid
// (and thus its log record's LSN) is only known after the physical write
// already happened, e.g. Insert choosing its own free slot.
func (h *RmFileHandle) StampPageLSN(pageNo int32, lsn int32) error {
	fr, err := h.bp.FetchPage(h.dataPageId(pageNo))
	if err != nil {
		return err
	}
	h.bp.SetPageLSN(fr, lsn)
	return h.bp.UnpinPage(fr.PageId, true)
}

// RecordSize exposes the table's fixed record width.
func (h *RmFileHandle) RecordSize() int32 { return h.header.RecordSize }

// NumPages exposes the current page count, used by scans and the block
// nested-loop join's block buffer manager.
func (h *RmFileHandle) NumPages() int32 { return h.header.NumPages }

// FirstRecordPage is the first page holding data (page 0 is the header).
func (h *RmFileHandle) FirstRecordPage() int32 { return h.header.FirstRecordPage }

// RmScan is a forward cursor over every live record in the heap file, per
// spec.md §4.2.
type RmScan struct {
	h      *RmFileHandle
	pageNo int32
	slotNo int32
	isEnd  bool
}

// NewScan starts a cursor positioned on the first live record (already
// IsEnd if the heap holds none).
func NewScan(h *RmFileHandle) (*RmScan, error) {
	s := &RmScan{h: h, pageNo: h.header.FirstRecordPage, slotNo: -1}
	if err := s.advance(); err != nil {
		return nil, err
	}
	return s, nil
}

// advance moves the cursor to the next live slot, setting isEnd when the
// heap is exhausted.
func (s *RmScan) advance() error {
	h := s.h
	_, slotOff := h.layout()
	for s.pageNo < h.header.NumPages {
		fr, err := h.bp.FetchPage(h.dataPageId(s.pageNo))
		if err != nil {
			return err
		}
		bitmap := fr.Data[pageHeaderSize:slotOff]
		next := firstSetAfter(bitmap, s.slotNo+1, h.header.RecordsPerPage)
		if err := h.bp.UnpinPage(fr.PageId, false); err != nil {
			return err
		}
		if next >= 0 {
			s.slotNo = next
			return nil
		}
		s.pageNo++
		s.slotNo = -1
	}
	s.isEnd = true
	return nil
}

// Next advances the cursor past the current position.
func (s *RmScan) Next() error {
	if s.isEnd {
		return nil
	}
	return s.advance()
}

// IsEnd reports whether the cursor has exhausted the heap file.
func (s *RmScan) IsEnd() bool { return s.isEnd }

// Rid returns the cursor's current position.
func (s *RmScan) Rid() rmtype.Rid {
	return rmtype.Rid{PageNo: s.pageNo, SlotNo: s.slotNo}
}
