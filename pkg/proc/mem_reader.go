package proc

import (
	"errors"
	"io"
)

var (
	ErrNotStopped          = errors.New("target is not stopped, thread registers unavailable")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)

// MemReader is everything the analysis needs from the target: raw reads,
// thread enumeration and the per-thread base pointer register (fs_base on x86_64).
type MemReader interface {
	io.ReaderAt
	Close() error
	ThreadIDs() ([]int, error)
	ThreadPointer(tid int) (uint64, error)
}
