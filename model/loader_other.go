//go:build !unix

package model

import (
	"fmt"

	"github.com/sbl8/planrt/core"
)

// MmapLoader is unavailable on this platform.
type MmapLoader struct {
	BufferLoader
	path string
}

// NewMmapLoader always fails on this platform; use NewFileLoader.
func NewMmapLoader(path string) (*MmapLoader, error) {
	return nil, fmt.Errorf("%w: memory mapping %s", core.ErrNotSupported, path)
}

func (l *MmapLoader) Path() string { return l.path }
