package fileadapter

import (
	"bufio"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cuemby/vstorage/internal/verrors"
	"github.com/cuemby/vstorage/pkg/types"
)

// fallocateChunk bounds a single fallocate(2) syscall so a large
// preallocation can be interrupted between chunks via an AbortHandle
// instead of running uninterruptibly to completion.
const fallocateChunk = 256 << 20 // 256 MiB

// Stat is the subset of file metadata the engine reads back after a
// backend operation.
type Stat struct {
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
}

// AbortHandle lets a caller cancel an in-flight Fallocate from another
// goroutine, typically registered as a Task abort callback so a task
// abort interrupts a long preallocation between chunks.
type AbortHandle struct {
	aborted atomic.Bool
}

// NewAbortHandle returns a fresh, unset handle.
func NewAbortHandle() *AbortHandle { return &AbortHandle{} }

// Abort signals the in-flight Fallocate to stop at its next chunk
// boundary. Safe to call more than once, and safe to call after the
// operation has already finished.
func (h *AbortHandle) Abort() { h.aborted.Store(true) }

func (h *AbortHandle) isAborted() bool {
	return h != nil && h.aborted.Load()
}

// Adapter is the file-backend implementation of the Backend Adapter
// interface (spec §4.1): path-level primitives executed on a
// per-storage-domain worker pool so one slow mount cannot stall
// operations against other domains.
type Adapter struct {
	poolSize int

	mu    sync.Mutex
	pools map[types.UUID]*Pool
}

// NewAdapter returns an Adapter whose per-domain pools run poolSize
// workers each.
func NewAdapter(poolSize int) *Adapter {
	if poolSize < 1 {
		poolSize = 1
	}
	return &Adapter{poolSize: poolSize, pools: make(map[types.UUID]*Pool)}
}

func (a *Adapter) poolFor(sdUUID types.UUID) *Pool {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pools[sdUUID]
	if !ok {
		p = NewPool(sdUUID, a.poolSize)
		a.pools[sdUUID] = p
	}
	return p
}

// Close drains and stops every per-domain pool. Intended for process
// shutdown only.
func (a *Adapter) Close() {
	a.mu.Lock()
	pools := make([]*Pool, 0, len(a.pools))
	for _, p := range a.pools {
		pools = append(pools, p)
	}
	a.pools = make(map[types.UUID]*Pool)
	a.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}

// PathExists reports whether path exists. A missing path yields
// (false, nil); any other stat failure, a permission error included,
// is surfaced as a BackendIO error.
func (a *Adapter) PathExists(sdUUID types.UUID, path string) (exists bool, err error) {
	err = a.poolFor(sdUUID).Run(func() error {
		_, statErr := os.Stat(path)
		if statErr == nil {
			exists = true
			return nil
		}
		if errors.Is(statErr, os.ErrNotExist) {
			return nil
		}
		return verrors.New(verrors.KindBackendIO, "fileadapter.PathExists", statErr)
	})
	return exists, err
}

// Stat reads size, mode and mtime for path.
func (a *Adapter) Stat(sdUUID types.UUID, path string) (st Stat, err error) {
	err = a.poolFor(sdUUID).Run(func() error {
		info, statErr := os.Stat(path)
		if statErr != nil {
			if errors.Is(statErr, os.ErrNotExist) {
				return verrors.New(verrors.KindMissingObject, "fileadapter.Stat", statErr)
			}
			return verrors.New(verrors.KindBackendIO, "fileadapter.Stat", statErr)
		}
		st = Stat{Size: info.Size(), Mode: info.Mode(), ModTime: info.ModTime()}
		return nil
	})
	return st, err
}

// Truncate creates or resizes path to size bytes under mode. When
// excl is set, creation uses O_CREAT|O_EXCL so a volume's payload is
// reserved exactly once (spec §3 lifecycle: "Created").
func (a *Adapter) Truncate(sdUUID types.UUID, path string, size int64, mode os.FileMode, excl bool) error {
	return a.poolFor(sdUUID).Run(func() error {
		flags := os.O_RDWR | os.O_CREATE
		if excl {
			flags |= os.O_EXCL
		}
		f, err := os.OpenFile(path, flags, mode)
		if err != nil {
			if excl && errors.Is(err, os.ErrExist) {
				return verrors.New(verrors.KindInvalidParameter, "fileadapter.Truncate", err)
			}
			return verrors.New(verrors.KindBackendIO, "fileadapter.Truncate", err)
		}
		defer f.Close()
		if err := f.Truncate(size); err != nil {
			return verrors.New(verrors.KindBackendIO, "fileadapter.Truncate", err)
		}
		return nil
	})
}

// Fallocate preallocates [off, off+length) of path in bounded chunks,
// checking abort between each so a registered Task abort callback can
// interrupt a large PREALLOCATED volume creation promptly instead of
// running to completion. abort may be nil, meaning uninterruptible.
func (a *Adapter) Fallocate(sdUUID types.UUID, path string, off, length int64, abort *AbortHandle) error {
	return a.poolFor(sdUUID).Run(func() error {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return verrors.New(verrors.KindBackendIO, "fileadapter.Fallocate", err)
		}
		defer f.Close()

		fd := int(f.Fd())
		for remaining := length; remaining > 0; {
			if abort.isAborted() {
				return verrors.Newf(verrors.KindBackendIO, "fileadapter.Fallocate", "aborted at offset %d of %d", off+length-remaining, off+length)
			}
			chunk := remaining
			if chunk > fallocateChunk {
				chunk = fallocateChunk
			}
			if err := unix.Fallocate(fd, 0, off+length-remaining, chunk); err != nil {
				return verrors.New(verrors.KindBackendIO, "fileadapter.Fallocate", err)
			}
			remaining -= chunk
		}
		return nil
	})
}

// Rename atomically replaces newPath with oldPath, used for both
// volume payload renames and the commit step of write-then-rename.
func (a *Adapter) Rename(sdUUID types.UUID, oldPath, newPath string) error {
	return a.poolFor(sdUUID).Run(func() error {
		if err := os.Rename(oldPath, newPath); err != nil {
			return verrors.New(verrors.KindBackendIO, "fileadapter.Rename", err)
		}
		return nil
	})
}

// Unlink removes path. Missing-file is treated as success so repeated
// delete attempts during recovery stay idempotent.
func (a *Adapter) Unlink(sdUUID types.UUID, path string) error {
	return a.poolFor(sdUUID).Run(func() error {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return verrors.New(verrors.KindBackendIO, "fileadapter.Unlink", err)
		}
		return nil
	})
}

// Chmod sets path's permission bits (e.g. 0o660 after volume
// creation, spec §4.6 createVolume ordering step 4).
func (a *Adapter) Chmod(sdUUID types.UUID, path string, mode os.FileMode) error {
	return a.poolFor(sdUUID).Run(func() error {
		if err := os.Chmod(path, mode); err != nil {
			return verrors.New(verrors.KindBackendIO, "fileadapter.Chmod", err)
		}
		return nil
	})
}

// ReadLines reads path and splits it into lines, used by the metadata
// codec to read a volume's sidecar record.
func (a *Adapter) ReadLines(sdUUID types.UUID, path string) (lines []string, err error) {
	err = a.poolFor(sdUUID).Run(func() error {
		f, openErr := os.Open(path)
		if openErr != nil {
			if errors.Is(openErr, os.ErrNotExist) {
				return verrors.New(verrors.KindMissingObject, "fileadapter.ReadLines", openErr)
			}
			return verrors.New(verrors.KindBackendIO, "fileadapter.ReadLines", openErr)
		}
		defer f.Close()

		sc := bufio.NewScanner(f)
		for sc.Scan() {
			lines = append(lines, sc.Text())
		}
		if scanErr := sc.Err(); scanErr != nil {
			return verrors.New(verrors.KindBackendIO, "fileadapter.ReadLines", scanErr)
		}
		return nil
	})
	return lines, err
}

// ListDir returns the base names of path's directory entries, used by
// the file storage domain backend to enumerate images and volumes
// from directory layout rather than a tag index. A missing directory
// is reported as KindMissingObject rather than an empty list, so a
// caller can distinguish "domain/image has no volumes yet" from
// "directory was never created".
func (a *Adapter) ListDir(sdUUID types.UUID, path string) (names []string, err error) {
	err = a.poolFor(sdUUID).Run(func() error {
		entries, derr := os.ReadDir(path)
		if derr != nil {
			if errors.Is(derr, os.ErrNotExist) {
				return verrors.New(verrors.KindMissingObject, "fileadapter.ListDir", derr)
			}
			return verrors.New(verrors.KindBackendIO, "fileadapter.ListDir", derr)
		}
		for _, e := range entries {
			names = append(names, e.Name())
		}
		return nil
	})
	return names, err
}

// ReadAt reads size bytes at offset off from path, used to read a
// fixed-size metadata slot out of a block domain's metadata device.
func (a *Adapter) ReadAt(sdUUID types.UUID, path string, off int64, size int) (data []byte, err error) {
	err = a.poolFor(sdUUID).Run(func() error {
		f, openErr := os.Open(path)
		if openErr != nil {
			return verrors.New(verrors.KindBackendIO, "fileadapter.ReadAt", openErr)
		}
		defer f.Close()

		buf := make([]byte, size)
		if _, rerr := f.ReadAt(buf, off); rerr != nil {
			return verrors.New(verrors.KindBackendIO, "fileadapter.ReadAt", rerr)
		}
		data = buf
		return nil
	})
	return data, err
}

// WriteAt writes data at offset off in path, padding is the caller's
// responsibility; used to write a fixed-size metadata slot into a
// block domain's metadata device.
func (a *Adapter) WriteAt(sdUUID types.UUID, path string, off int64, data []byte) error {
	return a.poolFor(sdUUID).Run(func() error {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return verrors.New(verrors.KindBackendIO, "fileadapter.WriteAt", err)
		}
		defer f.Close()
		if _, err := f.WriteAt(data, off); err != nil {
			return verrors.New(verrors.KindBackendIO, "fileadapter.WriteAt", err)
		}
		return nil
	})
}

// ZeroRange overwrites [off, off+length) of path with zero bytes in
// bounded chunks, checking abort between each the same way Fallocate
// does. Used by zeroImage to scrub a volume's payload before its
// metadata and lease are removed.
func (a *Adapter) ZeroRange(sdUUID types.UUID, path string, off, length int64, abort *AbortHandle) error {
	return a.poolFor(sdUUID).Run(func() error {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return verrors.New(verrors.KindBackendIO, "fileadapter.ZeroRange", err)
		}
		defer f.Close()

		zeros := make([]byte, fallocateChunk)
		for remaining := length; remaining > 0; {
			if abort.isAborted() {
				return verrors.Newf(verrors.KindBackendIO, "fileadapter.ZeroRange", "aborted at offset %d of %d", off+length-remaining, off+length)
			}
			chunk := remaining
			if chunk > int64(len(zeros)) {
				chunk = int64(len(zeros))
			}
			if _, err := f.WriteAt(zeros[:chunk], off+length-remaining); err != nil {
				return verrors.New(verrors.KindBackendIO, "fileadapter.ZeroRange", err)
			}
			remaining -= chunk
		}
		return nil
	})
}

// WriteThenRename writes data to a temporary sibling of finalPath and
// renames it into place, so a reader of finalPath only ever observes
// either the old content or the complete new content (spec §3
// "Mutated" lifecycle: setMetadata writes a temp file and atomically
// renames).
func (a *Adapter) WriteThenRename(sdUUID types.UUID, finalPath string, data []byte, mode os.FileMode) error {
	return a.poolFor(sdUUID).Run(func() error {
		tmp := finalPath + ".tmp"
		f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, mode)
		if err != nil {
			return verrors.New(verrors.KindBackendIO, "fileadapter.WriteThenRename", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(tmp)
			return verrors.New(verrors.KindBackendIO, "fileadapter.WriteThenRename", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tmp)
			return verrors.New(verrors.KindBackendIO, "fileadapter.WriteThenRename", err)
		}
		if err := f.Close(); err != nil {
			os.Remove(tmp)
			return verrors.New(verrors.KindBackendIO, "fileadapter.WriteThenRename", err)
		}
		if err := os.Rename(tmp, finalPath); err != nil {
			os.Remove(tmp)
			return verrors.New(verrors.KindBackendIO, "fileadapter.WriteThenRename", err)
		}
		return nil
	})
}
