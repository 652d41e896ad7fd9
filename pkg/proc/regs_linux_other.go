//go:build linux && !amd64

package proc

import (
	"fmt"
	"runtime"
)

func (r *linuxMemReader) threadPointer(tid int) (uint64, error) {
	return 0, fmt.Errorf("%w: thread pointer of %d on %s", ErrUnsupportedPlatform, tid, runtime.GOARCH)
}
