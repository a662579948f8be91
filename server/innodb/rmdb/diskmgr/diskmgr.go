// Package diskmgr implements L0's raw page I/O: a per-file monotonic page
// allocator and an append-only log file, grounded on
// innodb_store/store/storebytes/blocks.BlockFile's mutex-guarded *os.File
// wrapper, generalized to track many open files by a small integer fd.
package diskmgr

import (
	"fmt"
	"os"
	"sync"

	"github.com/zhukovaskychina/xmysql-server/logger"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/engineconf"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmerrors"
)

const NoPage int32 = -1

type fileEntry struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	numPages int32 // highest-allocated-page-number + 1
}

// DiskManager owns every open table/index/log file of one database and
// assigns small monotonic fds, mirroring BlockFile but keyed by fd instead
// of one file per struct.
type DiskManager struct {
	mu      sync.Mutex
	files   map[int]*fileEntry
	pathFd  map[string]int
	nextFd  int
	logFile *fileEntry
	logSize int64
	logMu   sync.Mutex
}

func NewDiskManager() *DiskManager {
	return &DiskManager{
		files:  make(map[int]*fileEntry),
		pathFd: make(map[string]int),
	}
}

// CreateFile creates a new, empty page file at path. It is an error for the
// file to already exist.
func (dm *DiskManager) CreateFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return rmerrors.Wrap("diskmgr.CreateFile", fmt.Errorf("file already exists: %s", path))
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return rmerrors.Wrap("diskmgr.CreateFile", err)
	}
	return f.Close()
}

// DestroyFile removes a page file from disk. The file must not be open.
func (dm *DiskManager) DestroyFile(path string) error {
	dm.mu.Lock()
	if fd, ok := dm.pathFd[path]; ok {
		dm.mu.Unlock()
		return rmerrors.Wrap("diskmgr.DestroyFile", fmt.Errorf("file still open as fd %d", fd))
	}
	dm.mu.Unlock()
	if err := os.Remove(path); err != nil {
		return rmerrors.Wrap("diskmgr.DestroyFile", err)
	}
	return nil
}

// OpenFile opens an existing page file, assigning it a monotonic fd.
func (dm *DiskManager) OpenFile(path string) (int, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if fd, ok := dm.pathFd[path]; ok {
		return fd, nil
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return -1, rmerrors.Wrap("diskmgr.OpenFile", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return -1, rmerrors.Wrap("diskmgr.OpenFile", err)
	}
	fd := dm.nextFd
	dm.nextFd++
	dm.files[fd] = &fileEntry{
		file:     f,
		path:     path,
		numPages: int32(stat.Size() / engineconf.PageSize),
	}
	dm.pathFd[path] = fd
	logger.Debugf("diskmgr: opened %s as fd=%d numPages=%d\n", path, fd, dm.files[fd].numPages)
	return fd, nil
}

// CloseFile closes fd and forgets its path, so a later Open of the same path
// gets a new fd; fd numbers are never reused.
func (dm *DiskManager) CloseFile(fd int) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	fe, ok := dm.files[fd]
	if !ok {
		return rmerrors.Wrap("diskmgr.CloseFile", fmt.Errorf("unknown fd %d", fd))
	}
	delete(dm.files, fd)
	delete(dm.pathFd, fe.path)
	return fe.file.Close()
}

func (dm *DiskManager) entry(fd int) (*fileEntry, error) {
	dm.mu.Lock()
	fe, ok := dm.files[fd]
	dm.mu.Unlock()
	if !ok {
		return nil, rmerrors.Wrap("diskmgr", fmt.Errorf("unknown fd %d", fd))
	}
	return fe, nil
}

// ReadPage reads exactly engineconf.PageSize bytes at page_no into buf.
func (dm *DiskManager) ReadPage(fd int, pageNo int32, buf []byte) error {
	fe, err := dm.entry(fd)
	if err != nil {
		return err
	}
	fe.mu.Lock()
	defer fe.mu.Unlock()
	off := int64(pageNo) * engineconf.PageSize
	n, err := fe.file.ReadAt(buf[:engineconf.PageSize], off)
	if err != nil {
		return rmerrors.Wrap("diskmgr.ReadPage", err)
	}
	if n != engineconf.PageSize {
		return rmerrors.Wrap("diskmgr.ReadPage", fmt.Errorf("short read: %d bytes", n))
	}
	return nil
}

// WritePage writes exactly engineconf.PageSize bytes of data at page_no.
func (dm *DiskManager) WritePage(fd int, pageNo int32, data []byte) error {
	fe, err := dm.entry(fd)
	if err != nil {
		return err
	}
	fe.mu.Lock()
	defer fe.mu.Unlock()
	off := int64(pageNo) * engineconf.PageSize
	n, err := fe.file.WriteAt(data[:engineconf.PageSize], off)
	if err != nil {
		return rmerrors.Wrap("diskmgr.WritePage", err)
	}
	if n != engineconf.PageSize {
		return rmerrors.Wrap("diskmgr.WritePage", fmt.Errorf("short write: %d bytes", n))
	}
	if pageNo >= fe.numPages {
		fe.numPages = pageNo + 1
	}
	return nil
}

// AllocatePage returns the next never-before-used page number for fd. It
// does not write anything; the caller is expected to WritePage a zeroed
// page immediately, matching the buffer pool's new_page contract.
func (dm *DiskManager) AllocatePage(fd int) (int32, error) {
	fe, err := dm.entry(fd)
	if err != nil {
		return NoPage, err
	}
	fe.mu.Lock()
	defer fe.mu.Unlock()
	pn := fe.numPages
	fe.numPages++
	return pn, nil
}

// NumPages returns the number of pages currently allocated in fd's file.
func (dm *DiskManager) NumPages(fd int) (int32, error) {
	fe, err := dm.entry(fd)
	if err != nil {
		return 0, err
	}
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.numPages, nil
}

// --- append-only log file ---

// OpenLogFile opens (creating if absent) the single append-only WAL file.
func (dm *DiskManager) OpenLogFile(path string) error {
	dm.logMu.Lock()
	defer dm.logMu.Unlock()
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return rmerrors.Wrap("diskmgr.OpenLogFile", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return rmerrors.Wrap("diskmgr.OpenLogFile", err)
	}
	dm.logFile = &fileEntry{file: f, path: path}
	dm.logSize = stat.Size()
	return nil
}

// AppendLog writes data at the current end of the log file and returns the
// file offset it was written at.
func (dm *DiskManager) AppendLog(data []byte) (int64, error) {
	dm.logMu.Lock()
	defer dm.logMu.Unlock()
	if dm.logFile == nil {
		return 0, rmerrors.Wrap("diskmgr.AppendLog", fmt.Errorf("log file not open"))
	}
	off := dm.logSize
	n, err := dm.logFile.file.WriteAt(data, off)
	if err != nil {
		return 0, rmerrors.Wrap("diskmgr.AppendLog", err)
	}
	dm.logSize += int64(n)
	return off, nil
}

// ReadLogAt reads len(buf) bytes from the log file at offset off.
func (dm *DiskManager) ReadLogAt(off int64, buf []byte) (int, error) {
	dm.logMu.Lock()
	defer dm.logMu.Unlock()
	if dm.logFile == nil {
		return 0, rmerrors.Wrap("diskmgr.ReadLogAt", fmt.Errorf("log file not open"))
	}
	n, err := dm.logFile.file.ReadAt(buf, off)
	if err != nil && err.Error() != "EOF" {
		return n, rmerrors.Wrap("diskmgr.ReadLogAt", err)
	}
	return n, nil
}

// LogSize returns the current length of the log file.
func (dm *DiskManager) LogSize() int64 {
	dm.logMu.Lock()
	defer dm.logMu.Unlock()
	return dm.logSize
}

// CloseLogFile closes the WAL file handle.
func (dm *DiskManager) CloseLogFile() error {
	dm.logMu.Lock()
	defer dm.logMu.Unlock()
	if dm.logFile == nil {
		return nil
	}
	err := dm.logFile.file.Close()
	dm.logFile = nil
	return err
}
