// Package index implements the L1 B+tree index of spec.md §4.3: an ordered
// multi-column index over page-number-addressed nodes (never in-memory
// pointers — a NodeHandle is a short-lived lease over a pinned buffer pool
// frame, per spec.md §9), with split/merge/redistribute maintaining the
// [min_size, max_size) invariant on every non-root node.
//
// Grounded on innodb_store/store/btree.go's BTree-over-BufferPool shape,
// stripped of InnoDB's tablespace/segment indirection since spec.md scopes
// the index to a single per-table page file.
package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/zhukovaskychina/xmysql-server/logger"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/bufferpool"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/engineconf"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmerrors"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmtype"
)

// InvalidPageID means "the tree is empty" when stored as the root pointer,
// per spec.md §3.
const InvalidPageID int32 = -1

const nodeHeaderSize = 24
const valSize = 8 // big enough for a Rid{PageNo,SlotNo} or a child page_no

// IndexMeta describes a composite index's columns in index-definition
// order, with Offset/Len relative to the concatenated key buffer (not the
// table's own record layout).
type IndexMeta struct {
	Cols   []rmtype.ColMeta
	TotLen int32
}

// BuildIndexMeta lays the given table columns out back-to-back to form the
// composite-key schema, per spec.md §3 "Composite key = concatenation of
// column bytes in index-definition order".
func BuildIndexMeta(cols []rmtype.ColMeta) IndexMeta {
	out := make([]rmtype.ColMeta, len(cols))
	var off int32
	for i, c := range cols {
		cc := c
		cc.Offset = int(off)
		out[i] = cc
		off += int32(c.Len)
	}
	return IndexMeta{Cols: out, TotLen: off}
}

func encodeRidVal(rid rmtype.Rid) []byte {
	b := make([]byte, valSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(rid.PageNo))
	binary.LittleEndian.PutUint32(b[4:8], uint32(rid.SlotNo))
	return b
}

func decodeRidVal(b []byte) rmtype.Rid {
	return rmtype.Rid{
		PageNo: int32(binary.LittleEndian.Uint32(b[0:4])),
		SlotNo: int32(binary.LittleEndian.Uint32(b[4:8])),
	}
}

func encodeChildVal(child int32) []byte {
	b := make([]byte, valSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(child))
	return b
}

func decodeChildVal(b []byte) int32 {
	return int32(binary.LittleEndian.Uint32(b[0:4]))
}

// nodeHandle is a short-lived lease over a pinned frame holding one B+tree
// node's header, key array and value array, per spec.md §9.
type nodeHandle struct {
	fr      *bufferpool.Frame
	maxSize int32
	keyLen  int32
	dirty   bool
}

func (n *nodeHandle) PageNo() int32 { return n.fr.PageId.PageNo }

func (n *nodeHandle) NumKey() int32 { return int32(binary.LittleEndian.Uint32(n.fr.Data[0:4])) }
func (n *nodeHandle) SetNumKey(v int32) {
	binary.LittleEndian.PutUint32(n.fr.Data[0:4], uint32(v))
	n.dirty = true
}
func (n *nodeHandle) IsLeaf() bool { return n.fr.Data[4] != 0 }
func (n *nodeHandle) SetIsLeaf(v bool) {
	if v {
		n.fr.Data[4] = 1
	} else {
		n.fr.Data[4] = 0
	}
	n.dirty = true
}
func (n *nodeHandle) Parent() int32 { return int32(binary.LittleEndian.Uint32(n.fr.Data[8:12])) }
func (n *nodeHandle) SetParent(v int32) {
	binary.LittleEndian.PutUint32(n.fr.Data[8:12], uint32(v))
	n.dirty = true
}
func (n *nodeHandle) NextFreePageNo() int32 {
	return int32(binary.LittleEndian.Uint32(n.fr.Data[12:16]))
}
func (n *nodeHandle) SetNextFreePageNo(v int32) {
	binary.LittleEndian.PutUint32(n.fr.Data[12:16], uint32(v))
	n.dirty = true
}
func (n *nodeHandle) PrevLeaf() int32 { return int32(binary.LittleEndian.Uint32(n.fr.Data[16:20])) }
func (n *nodeHandle) SetPrevLeaf(v int32) {
	binary.LittleEndian.PutUint32(n.fr.Data[16:20], uint32(v))
	n.dirty = true
}
func (n *nodeHandle) NextLeaf() int32 { return int32(binary.LittleEndian.Uint32(n.fr.Data[20:24])) }
func (n *nodeHandle) SetNextLeaf(v int32) {
	binary.LittleEndian.PutUint32(n.fr.Data[20:24], uint32(v))
	n.dirty = true
}

func (n *nodeHandle) keyOff(i int32) int32 { return nodeHeaderSize + i*n.keyLen }
func (n *nodeHandle) valOff(i int32) int32 {
	return nodeHeaderSize + n.maxSize*n.keyLen + i*valSize
}

func (n *nodeHandle) KeyAt(i int32) []byte {
	o := n.keyOff(i)
	return n.fr.Data[o : o+n.keyLen]
}
func (n *nodeHandle) SetKeyAt(i int32, key []byte) {
	o := n.keyOff(i)
	copy(n.fr.Data[o:o+n.keyLen], key)
	n.dirty = true
}
func (n *nodeHandle) ValAt(i int32) []byte {
	o := n.valOff(i)
	return n.fr.Data[o : o+valSize]
}
func (n *nodeHandle) SetValAt(i int32, val []byte) {
	o := n.valOff(i)
	copy(n.fr.Data[o:o+valSize], val)
	n.dirty = true
}
func (n *nodeHandle) RidAt(i int32) rmtype.Rid    { return decodeRidVal(n.ValAt(i)) }
func (n *nodeHandle) ChildAt(i int32) int32       { return decodeChildVal(n.ValAt(i)) }
func (n *nodeHandle) SetRidAt(i int32, r rmtype.Rid) { n.SetValAt(i, encodeRidVal(r)) }
func (n *nodeHandle) SetChildAt(i int32, c int32)    { n.SetValAt(i, encodeChildVal(c)) }

// insertAt shifts keys/values [i:NumKey) right by one slot and writes the
// new entry at i.
func (n *nodeHandle) insertAt(i int32, key, val []byte) {
	for j := n.NumKey(); j > i; j-- {
		n.SetKeyAt(j, n.KeyAt(j-1))
		n.SetValAt(j, n.ValAt(j-1))
	}
	n.SetKeyAt(i, key)
	n.SetValAt(i, val)
	n.SetNumKey(n.NumKey() + 1)
}

// removeAt shifts keys/values (i, NumKey) left by one slot, dropping index i.
func (n *nodeHandle) removeAt(i int32) {
	for j := i; j < n.NumKey()-1; j++ {
		n.SetKeyAt(j, n.KeyAt(j+1))
		n.SetValAt(j, n.ValAt(j+1))
	}
	n.SetNumKey(n.NumKey() - 1)
}

// fileHeader lives on page 0 of the index file.
type fileHeader struct {
	RootPageNo       int32
	FreeNodeListHead int32
}

func (h fileHeader) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.RootPageNo))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.FreeNodeListHead))
}
func decodeFileHeader(buf []byte) fileHeader {
	return fileHeader{
		RootPageNo:       int32(binary.LittleEndian.Uint32(buf[0:4])),
		FreeNodeListHead: int32(binary.LittleEndian.Uint32(buf[4:8])),
	}
}

// BPlusTree is one open composite-column index file. Every public
// operation holds rootLatch end-to-end, the coarse-but-correct concurrency
// model spec.md §4.3 calls out as sufficient.
type BPlusTree struct {
	bp   *bufferpool.BufferPool
	fd   int
	meta IndexMeta

	maxSize int32
	minSize int32

	rootLatch sync.Mutex
	hdr       fileHeader
}

func computeMaxSize(keyLen int32) int32 {
	avail := int32(engineconf.PageSize) - nodeHeaderSize
	return avail / (keyLen + valSize)
}

// Create initializes a brand-new, empty index file.
func Create(bp *bufferpool.BufferPool, fd int, meta IndexMeta) (*BPlusTree, error) {
	maxSize := computeMaxSize(meta.TotLen)
	if maxSize < 3 {
		return nil, rmerrors.Wrap("index.Create", fmt.Errorf("composite key of %d bytes leaves no room for a usable node", meta.TotLen))
	}
	t := &BPlusTree{
		bp: bp, fd: fd, meta: meta,
		maxSize: maxSize,
		minSize: (maxSize + 1) / 2,
		hdr:     fileHeader{RootPageNo: InvalidPageID, FreeNodeListHead: InvalidPageID},
	}
	fr, err := bp.NewPage(fd)
	if err != nil {
		return nil, err
	}
	t.hdr.encode(fr.Data)
	if err := bp.UnpinPage(fr.PageId, true); err != nil {
		return nil, err
	}
	return t, nil
}

// Open loads an existing index file's header.
func Open(bp *bufferpool.BufferPool, fd int, meta IndexMeta) (*BPlusTree, error) {
	maxSize := computeMaxSize(meta.TotLen)
	fr, err := bp.FetchPage(bufferpool.PageId{Fd: fd, PageNo: 0})
	if err != nil {
		return nil, err
	}
	hdr := decodeFileHeader(fr.Data)
	if err := bp.UnpinPage(fr.PageId, false); err != nil {
		return nil, err
	}
	return &BPlusTree{
		bp: bp, fd: fd, meta: meta,
		maxSize: maxSize,
		minSize: (maxSize + 1) / 2,
		hdr:     hdr,
	}, nil
}

func (t *BPlusTree) persistHeader() error {
	fr, err := t.bp.FetchPage(bufferpool.PageId{Fd: t.fd, PageNo: 0})
	if err != nil {
		return err
	}
	t.hdr.encode(fr.Data)
	return t.bp.UnpinPage(fr.PageId, true)
}

func (t *BPlusTree) fetchNode(pageNo int32) (*nodeHandle, error) {
	fr, err := t.bp.FetchPage(bufferpool.PageId{Fd: t.fd, PageNo: pageNo})
	if err != nil {
		return nil, err
	}
	return &nodeHandle{fr: fr, maxSize: t.maxSize, keyLen: t.meta.TotLen}, nil
}

func (t *BPlusTree) unpin(n *nodeHandle) error {
	if n == nil {
		return nil
	}
	return t.bp.UnpinPage(n.fr.PageId, n.dirty)
}

// allocateNode pops a page off the free-node list if one is available
// (spec.md §9's recycling fix for the source's node-handle leak), else
// allocates a fresh page from the buffer pool.
func (t *BPlusTree) allocateNode(isLeaf bool) (*nodeHandle, error) {
	var fr *bufferpool.Frame
	if t.hdr.FreeNodeListHead != InvalidPageID {
		pageNo := t.hdr.FreeNodeListHead
		var err error
		fr, err = t.bp.FetchPage(bufferpool.PageId{Fd: t.fd, PageNo: pageNo})
		if err != nil {
			return nil, err
		}
		n := &nodeHandle{fr: fr, maxSize: t.maxSize, keyLen: t.meta.TotLen}
		t.hdr.FreeNodeListHead = n.NextFreePageNo()
		if err := t.persistHeader(); err != nil {
			return nil, err
		}
		logger.Debugf("index: recycled free node page %d\n", pageNo)
	} else {
		var err error
		fr, err = t.bp.NewPage(t.fd)
		if err != nil {
			return nil, err
		}
	}
	n := &nodeHandle{fr: fr, maxSize: t.maxSize, keyLen: t.meta.TotLen}
	n.SetNumKey(0)
	n.SetIsLeaf(isLeaf)
	n.SetParent(InvalidPageID)
	n.SetNextFreePageNo(InvalidPageID)
	n.SetPrevLeaf(InvalidPageID)
	n.SetNextLeaf(InvalidPageID)
	return n, nil
}

// releaseNode pushes pageNo onto the free-node list head instead of
// leaking it, per spec.md §9's open question resolution.
func (t *BPlusTree) releaseNode(n *nodeHandle) error {
	n.SetNextFreePageNo(t.hdr.FreeNodeListHead)
	if err := t.unpin(n); err != nil {
		return err
	}
	t.hdr.FreeNodeListHead = n.PageNo()
	return t.persistHeader()
}

// compareKeyPrefix compares two composite-key buffers over the leading
// usedCols columns, left to right, first non-equal column decides, per
// spec.md §4.3's ix_compare.
func (t *BPlusTree) compareKeyPrefix(usedCols int32, a, b []byte) int {
	for i := int32(0); i < usedCols; i++ {
		col := t.meta.Cols[i]
		c := rmtype.Compare(col, a[col.Offset:col.Offset+col.Len], b[col.Offset:col.Offset+col.Len])
		if c != 0 {
			return c
		}
	}
	return 0
}

func (t *BPlusTree) fullCols() int32 { return int32(len(t.meta.Cols)) }

// boundInNode returns, among n's NumKey() keys, the first index whose
// prefix comparison against target satisfies strictGreater (>0) or, when
// false, >=0 — i.e. lower_bound when strictGreater is false, and the
// inclusive=true flavor of upper_bound when strictGreater is true, per
// spec.md §9's resolution of the inclusive-flag ambiguity.
func (t *BPlusTree) boundInNode(n *nodeHandle, usedCols int32, target []byte, strictGreater bool) int32 {
	nk := n.NumKey()
	for i := int32(0); i < nk; i++ {
		c := t.compareKeyPrefix(usedCols, n.KeyAt(i), target)
		if strictGreater {
			if c > 0 {
				return i
			}
		} else if c >= 0 {
			return i
		}
	}
	return nk
}

// findLeaf descends from the root to the leaf that may contain key, using
// usedCols leading columns for comparison, per spec.md §4.3's
// internal_lookup (upper_bound then take value at idx-1).
func (t *BPlusTree) findLeaf(key []byte, usedCols int32) (int32, error) {
	pageNo := t.hdr.RootPageNo
	for {
		n, err := t.fetchNode(pageNo)
		if err != nil {
			return InvalidPageID, err
		}
		if n.IsLeaf() {
			if err := t.unpin(n); err != nil {
				return InvalidPageID, err
			}
			return pageNo, nil
		}
		idx := t.boundInNode(n, usedCols, key, true) - 1
		if idx < 0 {
			idx = 0
		}
		child := n.ChildAt(idx)
		if err := t.unpin(n); err != nil {
			return InvalidPageID, err
		}
		pageNo = child
	}
}

func (t *BPlusTree) findChildIndex(parent *nodeHandle, childPageNo int32) int32 {
	for i := int32(0); i < parent.NumKey(); i++ {
		if parent.ChildAt(i) == childPageNo {
			return i
		}
	}
	return -1
}

// LowerBound returns the leaf position of the first key >= target using a
// prefix of usedCols leading columns.
func (t *BPlusTree) LowerBound(key []byte, usedCols int32) (rmtype.Iid, error) {
	t.rootLatch.Lock()
	defer t.rootLatch.Unlock()
	return t.lowerBoundLocked(key, usedCols)
}

func (t *BPlusTree) lowerBoundLocked(key []byte, usedCols int32) (rmtype.Iid, error) {
	if t.hdr.RootPageNo == InvalidPageID {
		return rmtype.Iid{PageNo: InvalidPageID, SlotNo: 0}, nil
	}
	leafPageNo, err := t.findLeaf(key, usedCols)
	if err != nil {
		return rmtype.Iid{}, err
	}
	n, err := t.fetchNode(leafPageNo)
	if err != nil {
		return rmtype.Iid{}, err
	}
	defer t.unpin(n)
	idx := t.boundInNode(n, usedCols, key, false)
	return leafIid(n, idx), nil
}

// leafIid turns slot idx of leaf n into an Iid. A slot one past n's last
// key becomes slot 0 of the next leaf, or OpenEnd() on the last leaf, so a
// bound is always a real key position or the open end.
func leafIid(n *nodeHandle, idx int32) rmtype.Iid {
	if idx < n.NumKey() {
		return rmtype.Iid{PageNo: n.PageNo(), SlotNo: idx}
	}
	if n.NextLeaf() == InvalidPageID {
		return OpenEnd()
	}
	return rmtype.Iid{PageNo: n.NextLeaf(), SlotNo: 0}
}

// UpperBound returns the leaf position per spec.md §4.3/§9: inclusive=true
// means first key strictly greater than target; inclusive=false means the
// same position as LowerBound.
func (t *BPlusTree) UpperBound(key []byte, usedCols int32, inclusive bool) (rmtype.Iid, error) {
	t.rootLatch.Lock()
	defer t.rootLatch.Unlock()
	if t.hdr.RootPageNo == InvalidPageID {
		return rmtype.Iid{PageNo: InvalidPageID, SlotNo: 0}, nil
	}
	if !inclusive {
		return t.lowerBoundLocked(key, usedCols)
	}
	leafPageNo, err := t.findLeaf(key, usedCols)
	if err != nil {
		return rmtype.Iid{}, err
	}
	n, err := t.fetchNode(leafPageNo)
	if err != nil {
		return rmtype.Iid{}, err
	}
	defer t.unpin(n)
	idx := t.boundInNode(n, usedCols, key, true)
	return leafIid(n, idx), nil
}

// GetValue performs a point lookup on the full composite key, returning
// true iff present.
func (t *BPlusTree) GetValue(key []byte) (rmtype.Rid, bool, error) {
	t.rootLatch.Lock()
	defer t.rootLatch.Unlock()
	if t.hdr.RootPageNo == InvalidPageID {
		return rmtype.Rid{}, false, nil
	}
	full := t.fullCols()
	leafPageNo, err := t.findLeaf(key, full)
	if err != nil {
		return rmtype.Rid{}, false, err
	}
	n, err := t.fetchNode(leafPageNo)
	if err != nil {
		return rmtype.Rid{}, false, err
	}
	defer t.unpin(n)
	idx := t.boundInNode(n, full, key, false)
	if idx < n.NumKey() && t.compareKeyPrefix(full, n.KeyAt(idx), key) == 0 {
		return n.RidAt(idx), true, nil
	}
	return rmtype.Rid{}, false, nil
}

// InsertEntry inserts (key, rid); returns false without modifying the tree
// if an entry with the same full key already exists (ErrIndexEntryRepeat
// is the caller's — e.g. rmdb/exec's — responsibility to raise).
func (t *BPlusTree) InsertEntry(key []byte, rid rmtype.Rid) (bool, error) {
	t.rootLatch.Lock()
	defer t.rootLatch.Unlock()

	if t.hdr.RootPageNo == InvalidPageID {
		n, err := t.allocateNode(true)
		if err != nil {
			return false, err
		}
		n.insertAt(0, key, encodeRidVal(rid))
		t.hdr.RootPageNo = n.PageNo()
		if err := t.unpin(n); err != nil {
			return false, err
		}
		return true, t.persistHeader()
	}

	full := t.fullCols()
	leafPageNo, err := t.findLeaf(key, full)
	if err != nil {
		return false, err
	}
	n, err := t.fetchNode(leafPageNo)
	if err != nil {
		return false, err
	}
	idx := t.boundInNode(n, full, key, false)
	if idx < n.NumKey() && t.compareKeyPrefix(full, n.KeyAt(idx), key) == 0 {
		if err := t.unpin(n); err != nil {
			return false, err
		}
		return false, nil
	}
	n.insertAt(idx, key, encodeRidVal(rid))
	if n.NumKey() == t.maxSize {
		return true, t.splitNode(n)
	}
	return true, t.unpin(n)
}

// splitNode splits an overflowing node (leaf or internal) in half and
// propagates the new right sibling's (first_key, page) into the parent,
// per spec.md §4.3.
func (t *BPlusTree) splitNode(n *nodeHandle) error {
	mid := t.minSize
	right, err := t.allocateNode(n.IsLeaf())
	if err != nil {
		return err
	}
	count := n.NumKey() - mid
	for i := int32(0); i < count; i++ {
		right.insertAt(i, n.KeyAt(mid+i), n.ValAt(mid+i))
	}
	n.SetNumKey(mid)
	right.SetParent(n.Parent())

	if n.IsLeaf() {
		right.SetPrevLeaf(n.PageNo())
		right.SetNextLeaf(n.NextLeaf())
		if n.NextLeaf() != InvalidPageID {
			nn, err := t.fetchNode(n.NextLeaf())
			if err != nil {
				return err
			}
			nn.SetPrevLeaf(right.PageNo())
			if err := t.unpin(nn); err != nil {
				return err
			}
		}
		n.SetNextLeaf(right.PageNo())
	} else {
		for i := int32(0); i < right.NumKey(); i++ {
			child, err := t.fetchNode(right.ChildAt(i))
			if err != nil {
				return err
			}
			child.SetParent(right.PageNo())
			if err := t.unpin(child); err != nil {
				return err
			}
		}
	}

	sepKey := append([]byte(nil), right.KeyAt(0)...)
	leftPageNo := n.PageNo()
	rightPageNo := right.PageNo()
	parentPageNo := n.Parent()

	if err := t.unpin(n); err != nil {
		return err
	}
	if err := t.unpin(right); err != nil {
		return err
	}
	return t.insertIntoParent(leftPageNo, sepKey, rightPageNo, parentPageNo)
}

// insertIntoParent places (sepKey, rightPageNo) just after leftPageNo in
// parentPageNo, creating a new root if leftPageNo had none.
func (t *BPlusTree) insertIntoParent(leftPageNo int32, sepKey []byte, rightPageNo int32, parentPageNo int32) error {
	if parentPageNo == InvalidPageID {
		left, err := t.fetchNode(leftPageNo)
		if err != nil {
			return err
		}
		leftFirstKey := append([]byte(nil), left.KeyAt(0)...)
		if err := t.unpin(left); err != nil {
			return err
		}

		root, err := t.allocateNode(false)
		if err != nil {
			return err
		}
		root.insertAt(0, leftFirstKey, encodeChildVal(leftPageNo))
		root.insertAt(1, sepKey, encodeChildVal(rightPageNo))
		rootPageNo := root.PageNo()
		if err := t.unpin(root); err != nil {
			return err
		}

		left, err = t.fetchNode(leftPageNo)
		if err != nil {
			return err
		}
		left.SetParent(rootPageNo)
		if err := t.unpin(left); err != nil {
			return err
		}
		right, err := t.fetchNode(rightPageNo)
		if err != nil {
			return err
		}
		right.SetParent(rootPageNo)
		if err := t.unpin(right); err != nil {
			return err
		}
		t.hdr.RootPageNo = rootPageNo
		return t.persistHeader()
	}

	parent, err := t.fetchNode(parentPageNo)
	if err != nil {
		return err
	}
	idx := t.findChildIndex(parent, leftPageNo)
	if idx < 0 {
		return rmerrors.Wrap("index.insertIntoParent", fmt.Errorf("left child %d not found under parent %d", leftPageNo, parentPageNo))
	}
	parent.insertAt(idx+1, sepKey, encodeChildVal(rightPageNo))
	if parent.NumKey() == t.maxSize {
		return t.splitNode(parent)
	}
	return t.unpin(parent)
}

// DeleteEntry removes the entry for the full composite key, returning
// false if it was not present.
func (t *BPlusTree) DeleteEntry(key []byte) (bool, error) {
	t.rootLatch.Lock()
	defer t.rootLatch.Unlock()

	if t.hdr.RootPageNo == InvalidPageID {
		return false, nil
	}
	full := t.fullCols()
	leafPageNo, err := t.findLeaf(key, full)
	if err != nil {
		return false, err
	}
	n, err := t.fetchNode(leafPageNo)
	if err != nil {
		return false, err
	}
	idx := t.boundInNode(n, full, key, false)
	if idx >= n.NumKey() || t.compareKeyPrefix(full, n.KeyAt(idx), key) != 0 {
		return false, t.unpin(n)
	}
	n.removeAt(idx)
	return true, t.postDeleteFixup(n, idx == 0)
}

// postDeleteFixup applies spec.md §4.3's delete_entry steps 2-4 after an
// entry has been removed from n: root special-casing, the
// [min_size,max_size) maintenance for non-root nodes, and first-key
// propagation when the removed entry was n's minimum.
func (t *BPlusTree) postDeleteFixup(n *nodeHandle, removedFirst bool) error {
	if n.Parent() == InvalidPageID {
		// n is the root.
		if n.IsLeaf() && n.NumKey() == 0 {
			if err := t.releaseNode(n); err != nil {
				return err
			}
			t.hdr.RootPageNo = InvalidPageID
			return t.persistHeader()
		}
		if !n.IsLeaf() && n.NumKey() == 1 {
			sole := n.ChildAt(0)
			child, err := t.fetchNode(sole)
			if err != nil {
				return err
			}
			child.SetParent(InvalidPageID)
			if err := t.unpin(child); err != nil {
				return err
			}
			if err := t.releaseNode(n); err != nil {
				return err
			}
			t.hdr.RootPageNo = sole
			return t.persistHeader()
		}
		return t.unpin(n)
	}

	if n.NumKey() >= t.minSize {
		if removedFirst {
			return t.maintainParent(n)
		}
		return t.unpin(n)
	}
	return t.coalesceOrRedistribute(n)
}

// maintainParent propagates n's new first key into its parent's separator,
// continuing upward only while the updated node is itself its parent's
// first child (per spec.md §4.3: "propagate ... until unchanged").
func (t *BPlusTree) maintainParent(n *nodeHandle) error {
	cur := n
	for {
		parentPageNo := cur.Parent()
		if parentPageNo == InvalidPageID {
			return t.unpin(cur)
		}
		parent, err := t.fetchNode(parentPageNo)
		if err != nil {
			return err
		}
		idx := t.findChildIndex(parent, cur.PageNo())
		newFirst := cur.KeyAt(0)
		if err := t.unpin(cur); err != nil {
			return err
		}
		if idx < 0 {
			return t.unpin(parent)
		}
		if bytes.Equal(parent.KeyAt(idx), newFirst) {
			return t.unpin(parent)
		}
		parent.SetKeyAt(idx, newFirst)
		if idx != 0 {
			return t.unpin(parent)
		}
		cur = parent
	}
}

// coalesceOrRedistribute handles an underflowed non-root node n by
// borrowing from or merging with a sibling, preferring the predecessor
// (left) sibling unless n is its parent's leftmost child.
func (t *BPlusTree) coalesceOrRedistribute(n *nodeHandle) error {
	parent, err := t.fetchNode(n.Parent())
	if err != nil {
		return err
	}
	idx := t.findChildIndex(parent, n.PageNo())
	if idx < 0 {
		return rmerrors.Wrap("index.coalesceOrRedistribute", fmt.Errorf("node %d not found under its parent", n.PageNo()))
	}
	preferLeft := idx > 0
	var sibIdx int32
	if preferLeft {
		sibIdx = idx - 1
	} else {
		sibIdx = idx + 1
	}
	sibling, err := t.fetchNode(parent.ChildAt(sibIdx))
	if err != nil {
		return err
	}

	if n.NumKey()+sibling.NumKey() >= 2*t.minSize {
		return t.redistribute(parent, idx, sibIdx, n, sibling, preferLeft)
	}
	return t.merge(parent, idx, sibIdx, n, sibling, preferLeft)
}

// redistribute moves one entry across the n/sibling boundary and patches
// the parent separator(s) it invalidates.
func (t *BPlusTree) redistribute(parent *nodeHandle, idx, sibIdx int32, n, sibling *nodeHandle, preferLeft bool) error {
	if preferLeft {
		last := sibling.NumKey() - 1
		key := append([]byte(nil), sibling.KeyAt(last)...)
		val := append([]byte(nil), sibling.ValAt(last)...)
		sibling.removeAt(last)
		n.insertAt(0, key, val)
		if !n.IsLeaf() {
			if err := t.reparent(decodeChildVal(val), n.PageNo()); err != nil {
				return err
			}
		}
		parent.SetKeyAt(idx, key)
	} else {
		key := append([]byte(nil), sibling.KeyAt(0)...)
		val := append([]byte(nil), sibling.ValAt(0)...)
		sibling.removeAt(0)
		n.insertAt(n.NumKey(), key, val)
		if !n.IsLeaf() {
			if err := t.reparent(decodeChildVal(val), n.PageNo()); err != nil {
				return err
			}
		}
		parent.SetKeyAt(sibIdx, append([]byte(nil), sibling.KeyAt(0)...))
	}
	if err := t.unpin(n); err != nil {
		return err
	}
	if err := t.unpin(sibling); err != nil {
		return err
	}
	return t.unpin(parent)
}

func (t *BPlusTree) reparent(childPageNo, newParent int32) error {
	child, err := t.fetchNode(childPageNo)
	if err != nil {
		return err
	}
	child.SetParent(newParent)
	return t.unpin(child)
}

// merge absorbs the right node of the {n, sibling} pair into the left one
// (n into its left sibling, or its right sibling into n), removes the
// now-redundant separator from parent, and recurses upward if that leaves
// parent underflowed.
func (t *BPlusTree) merge(parent *nodeHandle, idx, sibIdx int32, n, sibling *nodeHandle, preferLeft bool) error {
	var dst, src *nodeHandle
	var removeParentIdx int32
	if preferLeft {
		dst, src = sibling, n
		removeParentIdx = idx
	} else {
		dst, src = n, sibling
		removeParentIdx = sibIdx
	}

	base := dst.NumKey()
	for i := int32(0); i < src.NumKey(); i++ {
		dst.insertAt(base+i, src.KeyAt(i), src.ValAt(i))
		if !dst.IsLeaf() {
			if err := t.reparent(src.ChildAt(i), dst.PageNo()); err != nil {
				return err
			}
		}
	}
	if dst.IsLeaf() {
		dst.SetNextLeaf(src.NextLeaf())
		if src.NextLeaf() != InvalidPageID {
			if err := func() error {
				nn, err := t.fetchNode(src.NextLeaf())
				if err != nil {
					return err
				}
				nn.SetPrevLeaf(dst.PageNo())
				return t.unpin(nn)
			}(); err != nil {
				return err
			}
		}
	}

	if err := t.unpin(dst); err != nil {
		return err
	}
	if err := t.releaseNode(src); err != nil {
		return err
	}

	parent.removeAt(removeParentIdx)
	if parent.Parent() == InvalidPageID || parent.NumKey() >= t.minSize {
		return t.postDeleteFixup(parent, false)
	}
	return t.coalesceOrRedistribute(parent)
}

// IxScan iterates the composite keys in [lowIid, highIid) via the leaf
// sibling chain, per spec.md §4.3.
type IxScan struct {
	t       *BPlusTree
	lowIid  rmtype.Iid
	highIid rmtype.Iid
	cur     rmtype.Iid
	isEnd   bool
}

// NewIxScan builds a scan over [low, high).
func (t *BPlusTree) NewIxScan(low, high rmtype.Iid) *IxScan {
	s := &IxScan{t: t, lowIid: low, highIid: high, cur: low}
	if low.PageNo == InvalidPageID || low == high {
		s.isEnd = true
	}
	return s
}

func (s *IxScan) IsEnd() bool { return s.isEnd }

func (s *IxScan) Rid() (rmtype.Rid, error) {
	t := s.t
	t.rootLatch.Lock()
	defer t.rootLatch.Unlock()
	n, err := t.fetchNode(s.cur.PageNo)
	if err != nil {
		return rmtype.Rid{}, err
	}
	defer t.unpin(n)
	return n.RidAt(s.cur.SlotNo), nil
}

// Next advances the scan to the next leaf slot, following next_leaf links,
// and stops once cur reaches highIid.
func (s *IxScan) Next() error {
	if s.isEnd {
		return nil
	}
	t := s.t
	t.rootLatch.Lock()
	defer t.rootLatch.Unlock()

	n, err := t.fetchNode(s.cur.PageNo)
	if err != nil {
		return err
	}
	nextSlot := s.cur.SlotNo + 1
	if nextSlot < n.NumKey() {
		if err := t.unpin(n); err != nil {
			return err
		}
		s.cur = rmtype.Iid{PageNo: s.cur.PageNo, SlotNo: nextSlot}
	} else {
		nextLeaf := n.NextLeaf()
		if err := t.unpin(n); err != nil {
			return err
		}
		if nextLeaf == InvalidPageID {
			s.isEnd = true
			return nil
		}
		s.cur = rmtype.Iid{PageNo: nextLeaf, SlotNo: 0}
	}
	if s.cur == s.highIid {
		s.isEnd = true
	}
	return nil
}

// First returns the leftmost leaf position, the open-start bound for a
// range scan with no lower predicate (e.g. a bare "< k" condition).
func (t *BPlusTree) First() (rmtype.Iid, error) {
	t.rootLatch.Lock()
	defer t.rootLatch.Unlock()
	if t.hdr.RootPageNo == InvalidPageID {
		return rmtype.Iid{PageNo: InvalidPageID, SlotNo: 0}, nil
	}
	pageNo := t.hdr.RootPageNo
	for {
		n, err := t.fetchNode(pageNo)
		if err != nil {
			return rmtype.Iid{}, err
		}
		if n.IsLeaf() {
			if err := t.unpin(n); err != nil {
				return rmtype.Iid{}, err
			}
			return rmtype.Iid{PageNo: pageNo, SlotNo: 0}, nil
		}
		child := n.ChildAt(0)
		if err := t.unpin(n); err != nil {
			return rmtype.Iid{}, err
		}
		pageNo = child
	}
}

// OpenEnd is the sentinel high bound meaning "scan to the end of the leaf
// chain", used when a range predicate has no upper side (e.g. ">= k").
func OpenEnd() rmtype.Iid { return rmtype.Iid{PageNo: InvalidPageID, SlotNo: 0} }

// MaxSize exposes the node fanout, primarily for tests asserting balance.
func (t *BPlusTree) MaxSize() int32 { return t.maxSize }

// MinSize exposes the minimum non-root occupancy.
func (t *BPlusTree) MinSize() int32 { return t.minSize }

// RootPageNo exposes the current root page, InvalidPageID if empty.
func (t *BPlusTree) RootPageNo() int32 { return t.hdr.RootPageNo }

// IsLeafPage reports whether pageNo currently holds a leaf node, used by
// tests that walk the tree structurally.
func (t *BPlusTree) IsLeafPage(pageNo int32) (bool, error) {
	n, err := t.fetchNode(pageNo)
	if err != nil {
		return false, err
	}
	defer t.unpin(n)
	return n.IsLeaf(), nil
}

// NumKeyOf exposes a node's key count, used by balance-invariant tests.
func (t *BPlusTree) NumKeyOf(pageNo int32) (int32, error) {
	n, err := t.fetchNode(pageNo)
	if err != nil {
		return 0, err
	}
	defer t.unpin(n)
	return n.NumKey(), nil
}

// ChildrenOf exposes an internal node's child page numbers.
func (t *BPlusTree) ChildrenOf(pageNo int32) ([]int32, error) {
	n, err := t.fetchNode(pageNo)
	if err != nil {
		return nil, err
	}
	defer t.unpin(n)
	if n.IsLeaf() {
		return nil, nil
	}
	out := make([]int32, n.NumKey())
	for i := range out {
		out[i] = n.ChildAt(int32(i))
	}
	return out, nil
}
