package directory

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

// HotcacheFileName is the sidecar consulted by the hot-cache overlay.
const HotcacheFileName = "hotcache.bin"

// CachedRange is one pre-fetched byte range of a file.
type CachedRange struct {
	Start int64
	End   int64
	Data  []byte
}

// Hotcache maps file paths to their length and pre-fetched ranges.
type Hotcache struct {
	Files map[string]*HotcacheFile
}

// HotcacheFile holds the cached state of one file.
type HotcacheFile struct {
	Length int64
	Ranges []CachedRange
}

// EncodeHotcache serialises a hotcache to the sidecar format:
// u64 file count; for each file: u64 path length, path bytes, u64 file
// length, u64 range count, and per range u64 start, u64 end, the bytes.
// All integers are little-endian. The layout is stable; readers written
// against older snapshots keep working.
func EncodeHotcache(hc *Hotcache) []byte {
	paths := make([]string, 0, len(hc.Files))
	for path := range hc.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	writeU64 := func(v uint64) {
		var scratch [8]byte
		binary.LittleEndian.PutUint64(scratch[:], v)
		buf.Write(scratch[:])
	}

	writeU64(uint64(len(paths)))
	for _, path := range paths {
		file := hc.Files[path]
		writeU64(uint64(len(path)))
		buf.WriteString(path)
		writeU64(uint64(file.Length))
		writeU64(uint64(len(file.Ranges)))
		for _, r := range file.Ranges {
			writeU64(uint64(r.Start))
			writeU64(uint64(r.End))
			buf.Write(r.Data)
		}
	}
	return buf.Bytes()
}

// DecodeHotcache parses the sidecar format produced by EncodeHotcache.
func DecodeHotcache(data []byte) (*Hotcache, error) {
	r := bytes.NewReader(data)
	readU64 := func() (uint64, error) {
		var scratch [8]byte
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(scratch[:]), nil
	}

	fileCount, err := readU64()
	if err != nil {
		return nil, fmt.Errorf("hotcache header: %w", err)
	}
	hc := &Hotcache{Files: make(map[string]*HotcacheFile, fileCount)}
	for i := uint64(0); i < fileCount; i++ {
		pathLen, err := readU64()
		if err != nil {
			return nil, fmt.Errorf("hotcache path length: %w", err)
		}
		pathBytes := make([]byte, pathLen)
		if _, err := io.ReadFull(r, pathBytes); err != nil {
			return nil, fmt.Errorf("hotcache path: %w", err)
		}
		length, err := readU64()
		if err != nil {
			return nil, fmt.Errorf("hotcache file length: %w", err)
		}
		rangeCount, err := readU64()
		if err != nil {
			return nil, fmt.Errorf("hotcache range count: %w", err)
		}
		file := &HotcacheFile{Length: int64(length)}
		for j := uint64(0); j < rangeCount; j++ {
			start, err := readU64()
			if err != nil {
				return nil, fmt.Errorf("hotcache range start: %w", err)
			}
			end, err := readU64()
			if err != nil {
				return nil, fmt.Errorf("hotcache range end: %w", err)
			}
			if end < start {
				return nil, fmt.Errorf("hotcache range inverted: [%d, %d)", start, end)
			}
			rangeData := make([]byte, end-start)
			if _, err := io.ReadFull(r, rangeData); err != nil {
				return nil, fmt.Errorf("hotcache range data: %w", err)
			}
			file.Ranges = append(file.Ranges, CachedRange{Start: int64(start), End: int64(end), Data: rangeData})
		}
		hc.Files[string(pathBytes)] = file
	}
	return hc, nil
}

// HotDirectory overlays a hotcache on an inner directory. Reads that fall
// entirely inside a cached range are served without touching the inner
// directory, as are length probes for cached files.
type HotDirectory struct {
	Directory
	hotcache *Hotcache
}

// OpenHotDirectory reads hotcache.bin from the inner directory, if present,
// and returns the overlay. A missing sidecar yields a transparent overlay.
func OpenHotDirectory(inner Directory) (*HotDirectory, error) {
	data, err := inner.AtomicRead(HotcacheFileName)
	if err != nil {
		if errors.Is(err, ErrDoesNotExist) {
			return &HotDirectory{Directory: inner, hotcache: &Hotcache{Files: map[string]*HotcacheFile{}}}, nil
		}
		return nil, err
	}
	hc, err := DecodeHotcache(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", HotcacheFileName, err)
	}
	return &HotDirectory{Directory: inner, hotcache: hc}, nil
}

func (d *HotDirectory) OpenRead(path string) (FileHandle, error) {
	file, ok := d.hotcache.Files[path]
	if !ok {
		return d.Directory.OpenRead(path)
	}
	return &hotHandle{dir: d.Directory, path: path, file: file}, nil
}

type hotHandle struct {
	dir  Directory
	path string
	file *HotcacheFile

	openOnce sync.Once
	inner    FileHandle
	openErr  error
}

func (h *hotHandle) Len() int64 { return h.file.Length }

func (h *hotHandle) ReadBytes(start, end int64) ([]byte, error) {
	return h.ReadBytesCtx(context.Background(), start, end)
}

func (h *hotHandle) ReadBytesCtx(ctx context.Context, start, end int64) ([]byte, error) {
	if err := checkRange(start, end, h.file.Length); err != nil {
		return nil, err
	}
	for _, r := range h.file.Ranges {
		if start >= r.Start && end <= r.End {
			out := make([]byte, end-start)
			copy(out, r.Data[start-r.Start:end-r.Start])
			return out, nil
		}
	}
	// Cache miss: open the inner file lazily; cached files are often never
	// opened at all.
	h.openOnce.Do(func() {
		h.inner, h.openErr = h.dir.OpenRead(h.path)
	})
	if h.openErr != nil {
		return nil, h.openErr
	}
	return h.inner.ReadBytesCtx(ctx, start, end)
}

func (h *hotHandle) Close() error {
	if h.inner != nil {
		return h.inner.Close()
	}
	return nil
}

// RecordingDirectory records every ranged read so a hotcache can be built
// from the access pattern of opening an index.
type RecordingDirectory struct {
	Directory

	mu       sync.Mutex
	recorded map[string]*HotcacheFile
}

func NewRecordingDirectory(inner Directory) *RecordingDirectory {
	return &RecordingDirectory{Directory: inner, recorded: make(map[string]*HotcacheFile)}
}

func (d *RecordingDirectory) OpenRead(path string) (FileHandle, error) {
	inner, err := d.Directory.OpenRead(path)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	if _, ok := d.recorded[path]; !ok {
		d.recorded[path] = &HotcacheFile{Length: inner.Len()}
	}
	d.mu.Unlock()
	return &recordingHandle{dir: d, path: path, inner: inner}, nil
}

func (d *RecordingDirectory) record(path string, start, end int64, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	file := d.recorded[path]
	if file == nil {
		return
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	file.Ranges = append(file.Ranges, CachedRange{Start: start, End: end, Data: stored})
}

// Hotcache returns the recorded accesses with overlapping ranges merged.
func (d *RecordingDirectory) Hotcache() *Hotcache {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := &Hotcache{Files: make(map[string]*HotcacheFile, len(d.recorded))}
	for path, file := range d.recorded {
		merged := &HotcacheFile{Length: file.Length}
		ranges := append([]CachedRange(nil), file.Ranges...)
		sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
		for _, r := range ranges {
			n := len(merged.Ranges)
			if n > 0 && r.Start <= merged.Ranges[n-1].End {
				last := &merged.Ranges[n-1]
				if r.End > last.End {
					last.Data = append(last.Data[:r.Start-last.Start], r.Data...)
					last.End = r.End
				}
				continue
			}
			merged.Ranges = append(merged.Ranges, r)
		}
		out.Files[path] = merged
	}
	return out
}

type recordingHandle struct {
	dir   *RecordingDirectory
	path  string
	inner FileHandle
}

func (h *recordingHandle) Len() int64 { return h.inner.Len() }

func (h *recordingHandle) ReadBytes(start, end int64) ([]byte, error) {
	return h.ReadBytesCtx(context.Background(), start, end)
}

func (h *recordingHandle) ReadBytesCtx(ctx context.Context, start, end int64) ([]byte, error) {
	data, err := h.inner.ReadBytesCtx(ctx, start, end)
	if err == nil {
		h.dir.record(h.path, start, end, data)
	}
	return data, err
}

func (h *recordingHandle) Close() error { return h.inner.Close() }
