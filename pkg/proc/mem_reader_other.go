//go:build !linux

package proc

import (
	"fmt"
	"runtime"
)

func NewProcessMemReader(pid int, stop bool) (MemReader, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, runtime.GOOS)
}

func New(pid int, opts Options) (*Process, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, runtime.GOOS)
}
