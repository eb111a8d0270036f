package model

import (
	"fmt"
	"os"

	"github.com/sbl8/planrt/core"
)

// DataLoader hands out regions of a serialized program. Implementations that
// can do so return views into memory they already hold rather than copies;
// the bytes stay valid until the loader is closed.
type DataLoader interface {
	Load(offset, size uint64) ([]byte, error)
	Size() uint64
}

// BufferLoader serves regions of a caller-owned byte slice without copying.
// The caller must keep the slice alive and unmodified while any program
// loaded through it is in use.
type BufferLoader struct {
	data []byte
}

// NewBufferLoader wraps data.
func NewBufferLoader(data []byte) *BufferLoader {
	return &BufferLoader{data: data}
}

func (l *BufferLoader) Load(offset, size uint64) ([]byte, error) {
	return loadRegion(l.data, offset, size)
}

func (l *BufferLoader) Size() uint64 { return uint64(len(l.data)) }

// Close is a no-op; the caller owns the buffer.
func (l *BufferLoader) Close() error { return nil }

// FileLoader reads a whole program file into memory it owns.
type FileLoader struct {
	BufferLoader
	path string
}

// NewFileLoader reads path into an aligned buffer.
func NewFileLoader(path string) (*FileLoader, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read program file %s: %w", path, err)
	}
	// Segments are aligned relative to the start of the file, so the buffer
	// itself must start on an aligned boundary for tensor views to be aligned.
	data := core.AlignedBytes(len(raw))
	copy(data, raw)
	return &FileLoader{BufferLoader: BufferLoader{data: data}, path: path}, nil
}

// Path returns the file the loader was read from.
func (l *FileLoader) Path() string { return l.path }

func loadRegion(data []byte, offset, size uint64) ([]byte, error) {
	n := uint64(len(data))
	if offset > n || size > n-offset {
		return nil, fmt.Errorf("%w: region [%d, %d) outside %d byte program", core.ErrMalformedPayload, offset, offset+size, n)
	}
	end := offset + size
	return data[offset:end:end], nil
}

// FileDataLoader is a DataLoader backed by a file that must be closed.
type FileDataLoader interface {
	DataLoader
	Path() string
	Close() error
}

// Open returns a loader for the program file at path, mapping it when mmap
// is set and reading it into memory otherwise.
func Open(path string, mmap bool) (FileDataLoader, error) {
	if mmap {
		l, err := NewMmapLoader(path)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
	l, err := NewFileLoader(path)
	if err != nil {
		return nil, err
	}
	return l, nil
}
