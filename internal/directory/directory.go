// Package directory abstracts file access for an index so that one index can
// be served from local files, from memory, or streamed lazily from a remote
// endpoint. All segment and meta reads in the index layer go through a
// Directory.
package directory

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/summa-search/summa/internal/errkind"
)

var (
	ErrDoesNotExist     = errkind.New(errkind.NotFound, "file does not exist")
	ErrTruncated        = errors.New("truncated read")
	ErrReadOnly         = errkind.New(errkind.PermissionDenied, "directory is read-only")
	ErrInvalidRange     = errors.New("invalid byte range")
	ErrWatchUnsupported = errors.New("watch is not supported")
)

// FileHandle is a random-access view of a single file.
type FileHandle interface {
	// Len returns the total length of the file in bytes.
	Len() int64

	// ReadBytes returns the bytes in [start, end). It returns ErrTruncated
	// (wrapped) if fewer bytes than requested are available.
	ReadBytes(start, end int64) ([]byte, error)

	// ReadBytesCtx is ReadBytes with cancellation. Local implementations may
	// ignore the context; remote implementations must honour it.
	ReadBytesCtx(ctx context.Context, start, end int64) ([]byte, error)

	Close() error
}

// WatchCancel detaches a watch callback registered with Directory.Watch.
type WatchCancel func()

// Directory is the read/write abstraction over index storage.
type Directory interface {
	// OpenRead opens a file for ranged reads.
	OpenRead(path string) (FileHandle, error)

	// OpenWrite opens a file for sequential writing, truncating any existing
	// content. The write becomes durable after Close and Sync.
	OpenWrite(path string) (io.WriteCloser, error)

	// AtomicRead reads the whole file in one consistent snapshot.
	AtomicRead(path string) ([]byte, error)

	// AtomicWrite replaces the file content atomically.
	AtomicWrite(path string, data []byte) error

	Delete(path string) error
	Exists(path string) (bool, error)

	// List returns the relative paths of all files in the directory.
	List() ([]string, error)

	// Sync flushes directory metadata so that prior writes survive a crash.
	Sync() error

	// Watch registers a callback invoked when the atomically-written meta
	// file changes. Implementations without change detection return a no-op
	// cancel and never invoke the callback.
	Watch(callback func()) (WatchCancel, error)
}

// UpstreamError reports a non-success response from a remote backend.
type UpstreamError struct {
	Status  int
	Snippet string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Snippet)
}

// PathError attaches the offending path to a directory error.
type PathError struct {
	Path string
	Err  error
}

func (e *PathError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }
func (e *PathError) Unwrap() error { return e.Err }

func pathErr(path string, err error) error {
	return &PathError{Path: path, Err: err}
}

func checkRange(start, end, length int64) error {
	if start < 0 || end < start {
		return fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, start, end)
	}
	if end > length {
		return fmt.Errorf("%w: [%d, %d) of %d", ErrTruncated, start, end, length)
	}
	return nil
}
