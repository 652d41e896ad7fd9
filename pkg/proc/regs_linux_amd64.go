//go:build linux && amd64

package proc

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// threadPointer returns fs_base, the TCB address of the thread on x86_64.
func (r *linuxMemReader) threadPointer(tid int) (uint64, error) {
	var regs unix.PtraceRegs
	var err error
	r.execPtraceFunc(func() { err = unix.PtraceGetRegs(tid, &regs) })
	if err != nil {
		return 0, fmt.Errorf("PTRACE_GETREGS on %d: %w", tid, err)
	}
	return regs.Fs_base, nil
}
