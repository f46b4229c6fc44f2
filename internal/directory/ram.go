package directory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
)

// RAMDirectory keeps all files in memory. It is used for Memory engine
// indices and in tests.
type RAMDirectory struct {
	mu    sync.RWMutex
	files map[string][]byte

	watchMu   sync.Mutex
	watchers  map[int]func()
	watchNext int
}

func NewRAMDirectory() *RAMDirectory {
	return &RAMDirectory{
		files:    make(map[string][]byte),
		watchers: make(map[int]func()),
	}
}

func (d *RAMDirectory) OpenRead(path string) (FileHandle, error) {
	d.mu.RLock()
	data, ok := d.files[path]
	d.mu.RUnlock()
	if !ok {
		return nil, pathErr(path, ErrDoesNotExist)
	}
	return &ramHandle{data: data}, nil
}

func (d *RAMDirectory) OpenWrite(path string) (io.WriteCloser, error) {
	return &ramWriter{dir: d, path: path}, nil
}

func (d *RAMDirectory) AtomicRead(path string) ([]byte, error) {
	d.mu.RLock()
	data, ok := d.files[path]
	d.mu.RUnlock()
	if !ok {
		return nil, pathErr(path, ErrDoesNotExist)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (d *RAMDirectory) AtomicWrite(path string, data []byte) error {
	stored := make([]byte, len(data))
	copy(stored, data)
	d.mu.Lock()
	d.files[path] = stored
	d.mu.Unlock()
	if path == MetaFileName {
		d.notify()
	}
	return nil
}

func (d *RAMDirectory) Delete(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.files[path]; !ok {
		return pathErr(path, ErrDoesNotExist)
	}
	delete(d.files, path)
	return nil
}

func (d *RAMDirectory) Exists(path string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.files[path]
	return ok, nil
}

func (d *RAMDirectory) List() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	files := make([]string, 0, len(d.files))
	for path := range d.files {
		files = append(files, path)
	}
	sort.Strings(files)
	return files, nil
}

func (d *RAMDirectory) Sync() error { return nil }

func (d *RAMDirectory) Watch(callback func()) (WatchCancel, error) {
	d.watchMu.Lock()
	defer d.watchMu.Unlock()
	id := d.watchNext
	d.watchNext++
	d.watchers[id] = callback
	return func() {
		d.watchMu.Lock()
		defer d.watchMu.Unlock()
		delete(d.watchers, id)
	}, nil
}

func (d *RAMDirectory) notify() {
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

type ramHandle struct {
	data []byte
}

func (h *ramHandle) Len() int64 { return int64(len(h.data)) }

func (h *ramHandle) ReadBytes(start, end int64) ([]byte, error) {
	if err := checkRange(start, end, int64(len(h.data))); err != nil {
		return nil, err
	}
	out := make([]byte, end-start)
	copy(out, h.data[start:end])
	return out, nil
}

func (h *ramHandle) ReadBytesCtx(_ context.Context, start, end int64) ([]byte, error) {
	return h.ReadBytes(start, end)
}

func (h *ramHandle) Close() error { return nil }

type ramWriter struct {
	dir  *RAMDirectory
	path string
	buf  bytes.Buffer
}

func (w *ramWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *ramWriter) Close() error {
	w.dir.mu.Lock()
	w.dir.files[w.path] = append([]byte(nil), w.buf.Bytes()...)
	w.dir.mu.Unlock()
	return nil
}
