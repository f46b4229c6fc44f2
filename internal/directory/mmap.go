package directory

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	mmap "github.com/edsrzf/mmap-go"
)

const (
	DirPerm  os.FileMode = 0755
	FilePerm os.FileMode = 0644

	// MetaFileName is the file whose changes Watch reports.
	MetaFileName = "meta.json"

	watchPollInterval = time.Second
)

// MmapDirectory serves a local filesystem path with memory-mapped reads.
// Atomic writes go through temporary files; every write is made durable
// with fsync.
type MmapDirectory struct {
	root string

	watchMu   sync.Mutex
	watchers  map[int]func()
	watchNext int
	watchStop chan struct{}
}

// OpenMmapDirectory opens (creating if necessary) a local directory.
func OpenMmapDirectory(root string) (*MmapDirectory, error) {
	if err := os.MkdirAll(root, DirPerm); err != nil {
		return nil, fmt.Errorf("create directory root %s: %w", root, err)
	}
	return &MmapDirectory{root: root, watchers: make(map[int]func())}, nil
}

// Root returns the filesystem path backing the directory.
func (d *MmapDirectory) Root() string { return d.root }

func (d *MmapDirectory) abs(path string) string {
	return filepath.Join(d.root, filepath.FromSlash(path))
}

func (d *MmapDirectory) OpenRead(path string) (FileHandle, error) {
	f, err := os.Open(d.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pathErr(path, ErrDoesNotExist)
		}
		return nil, pathErr(path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, pathErr(path, err)
	}
	if info.Size() == 0 {
		// mmap of an empty file fails on most platforms.
		f.Close()
		return &emptyHandle{}, nil
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &mmapHandle{f: f, m: m}, nil
}

func (d *MmapDirectory) OpenWrite(path string) (io.WriteCloser, error) {
	abs := d.abs(path)
	if err := os.MkdirAll(filepath.Dir(abs), DirPerm); err != nil {
		return nil, pathErr(path, err)
	}
	f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, FilePerm)
	if err != nil {
		return nil, pathErr(path, err)
	}
	return &syncedFile{f: f}, nil
}

func (d *MmapDirectory) AtomicRead(path string) ([]byte, error) {
	data, err := os.ReadFile(d.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pathErr(path, ErrDoesNotExist)
		}
		return nil, pathErr(path, err)
	}
	return data, nil
}

// AtomicWrite writes data to a temporary file, fsyncs it, renames it into
// place and fsyncs the parent directory so the rename is durable.
func (d *MmapDirectory) AtomicWrite(path string, data []byte) error {
	abs := d.abs(path)
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".atomic-*")
	if err != nil {
		return fmt.Errorf("atomic write create temp for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("atomic write data %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("atomic write fsync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("atomic write close %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, abs); err != nil {
		return fmt.Errorf("atomic write rename %s: %w", path, err)
	}
	if err := fsyncDir(filepath.Dir(abs)); err != nil {
		return err
	}
	success = true
	return nil
}

func (d *MmapDirectory) Delete(path string) error {
	if err := os.Remove(d.abs(path)); err != nil {
		if os.IsNotExist(err) {
			return pathErr(path, ErrDoesNotExist)
		}
		return pathErr(path, err)
	}
	return nil
}

func (d *MmapDirectory) Exists(path string) (bool, error) {
	_, err := os.Stat(d.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, pathErr(path, err)
	}
	return true, nil
}

func (d *MmapDirectory) List() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", d.root, err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func (d *MmapDirectory) Sync() error {
	return fsyncDir(d.root)
}

// Watch polls the meta file's modification time. The first registration
// starts the polling goroutine; cancelling the last one stops it.
func (d *MmapDirectory) Watch(callback func()) (WatchCancel, error) {
	d.watchMu.Lock()
	defer d.watchMu.Unlock()

	id := d.watchNext
	d.watchNext++
	d.watchers[id] = callback

	if d.watchStop == nil {
		stop := make(chan struct{})
		d.watchStop = stop
		go d.pollMeta(stop)
	}

	return func() {
		d.watchMu.Lock()
		defer d.watchMu.Unlock()
		delete(d.watchers, id)
		if len(d.watchers) == 0 && d.watchStop != nil {
			close(d.watchStop)
			d.watchStop = nil
		}
	}, nil
}

func (d *MmapDirectory) pollMeta(stop chan struct{}) {
	var lastMod time.Time
	if info, err := os.Stat(d.abs(MetaFileName)); err == nil {
		lastMod = info.ModTime()
	}
	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			info, err := os.Stat(d.abs(MetaFileName))
			if err != nil {
				continue
			}
			if info.ModTime().After(lastMod) {
				lastMod = info.ModTime()
				d.watchMu.Lock()
				callbacks := make([]func(), 0, len(d.watchers))
				for _, cb := range d.watchers {
					callbacks = append(callbacks, cb)
				}
				d.watchMu.Unlock()
				for _, cb := range callbacks {
					cb()
				}
			}
		}
	}
}

type mmapHandle struct {
	f *os.File
	m mmap.MMap
}

func (h *mmapHandle) Len() int64 { return int64(len(h.m)) }

func (h *mmapHandle) ReadBytes(start, end int64) ([]byte, error) {
	if err := checkRange(start, end, int64(len(h.m))); err != nil {
		return nil, err
	}
	out := make([]byte, end-start)
	copy(out, h.m[start:end])
	return out, nil
}

func (h *mmapHandle) ReadBytesCtx(_ context.Context, start, end int64) ([]byte, error) {
	return h.ReadBytes(start, end)
}

func (h *mmapHandle) Close() error {
	if err := h.m.Unmap(); err != nil {
		h.f.Close()
		return err
	}
	return h.f.Close()
}

type emptyHandle struct{}

func (emptyHandle) Len() int64 { return 0 }

func (emptyHandle) ReadBytes(start, end int64) ([]byte, error) {
	if err := checkRange(start, end, 0); err != nil {
		return nil, err
	}
	return nil, nil
}

func (h emptyHandle) ReadBytesCtx(_ context.Context, start, end int64) ([]byte, error) {
	return h.ReadBytes(start, end)
}

func (emptyHandle) Close() error { return nil }

// syncedFile fsyncs on Close so OpenWrite output is durable before the
// caller updates index meta.
type syncedFile struct {
	f *os.File
}

func (s *syncedFile) Write(p []byte) (int, error) { return s.f.Write(p) }

func (s *syncedFile) Close() error {
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

func fsyncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("fsync dir open %s: %w", path, err)
	}
	if err := dir.Sync(); err != nil {
		dir.Close()
		return fmt.Errorf("fsync dir sync %s: %w", path, err)
	}
	return dir.Close()
}
