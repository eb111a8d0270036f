//go:build unix

package model

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MmapLoader serves a program file through a read-only private mapping.
// Regions are views into the mapping and become invalid after Close.
type MmapLoader struct {
	data []byte
	path string
}

// NewMmapLoader maps path read-only.
func NewMmapLoader(path string) (*MmapLoader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open program file %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat program file %s: %w", path, err)
	}
	if info.Size() == 0 {
		return &MmapLoader{path: path}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("failed to map program file %s: %w", path, err)
	}
	return &MmapLoader{data: data, path: path}, nil
}

func (l *MmapLoader) Load(offset, size uint64) ([]byte, error) {
	return loadRegion(l.data, offset, size)
}

func (l *MmapLoader) Size() uint64 { return uint64(len(l.data)) }

func (l *MmapLoader) Path() string { return l.path }

// Close unmaps the file. Calling Close more than once is safe.
func (l *MmapLoader) Close() error {
	if l.data == nil {
		return nil
	}
	data := l.data
	l.data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("failed to unmap %s: %w", l.path, err)
	}
	return nil
}
