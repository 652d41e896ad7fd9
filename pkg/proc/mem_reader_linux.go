//go:build linux

package proc

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"
)

type linuxMemReader struct {
	pid      int
	fd       *os.File
	stopped  bool
	attached []int

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}
}

// NewProcessMemReader opens /proc/<pid>/mem. With stop set every thread is
// ptrace-attached, which holds the process still until Close.
func NewProcessMemReader(pid int, stop bool) (MemReader, error) {
	r := &linuxMemReader{
		pid:            pid,
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
	}
	go r.handlePtraceFuncs()

	if stop {
		if err := r.attachAll(); err != nil {
			r.detachAll()
			close(r.ptraceChan)
			return nil, err
		}
		r.stopped = true
	}

	fd, err := os.Open(fmt.Sprintf("/proc/%d/mem", pid))
	if err != nil {
		r.detachAll()
		close(r.ptraceChan)
		return nil, fmt.Errorf("failed to open /proc/%d/mem: %w", pid, err)
	}
	r.fd = fd
	return r, nil
}

// borrowed from delve/proc/native/proc.go
func (r *linuxMemReader) execPtraceFunc(fn func()) {
	r.ptraceChan <- fn
	<-r.ptraceDoneChan
}

// borrowed from delve/proc/native/proc.go
func (r *linuxMemReader) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range r.ptraceChan {
		fn()
		r.ptraceDoneChan <- nil
	}
}

// attachAll stops threads until a pass over /proc/<pid>/task finds no new ones.
func (r *linuxMemReader) attachAll() error {
	seen := make(map[int]bool)
	for {
		tids, err := listTasks(r.pid)
		if err != nil {
			return err
		}
		added, err := r.attachNew(tids, seen, r.attach)
		if err != nil {
			return err
		}
		if !added {
			return nil
		}
	}
}

// attachNew attaches the tids not seen before and reports whether there
// were any. attach reports whether the thread got attached even when it
// fails afterwards, such a thread is still recorded for detachAll. Threads
// that exited meanwhile are skipped.
func (r *linuxMemReader) attachNew(tids []int, seen map[int]bool, attach func(int) (bool, error)) (bool, error) {
	added := false
	for _, tid := range tids {
		if seen[tid] {
			continue
		}
		seen[tid] = true
		added = true
		ok, err := attach(tid)
		if ok {
			r.attached = append(r.attached, tid)
		}
		if errors.Is(err, unix.ESRCH) {
			glog.V(1).Infof("Thread %d exited before it could be stopped", tid)
			continue
		}
		if err != nil {
			return added, fmt.Errorf("failed to attach thread %d: %w", tid, err)
		}
	}
	return added, nil
}

func (r *linuxMemReader) attach(tid int) (bool, error) {
	var err error
	r.execPtraceFunc(func() { err = unix.PtraceAttach(tid) })
	if err != nil {
		return false, err
	}
	var s unix.WaitStatus
	r.execPtraceFunc(func() { _, err = unix.Wait4(tid, &s, unix.WALL, nil) })
	return true, err
}

func (r *linuxMemReader) detachAll() error {
	var errs []error
	for _, tid := range r.attached {
		var err error
		r.execPtraceFunc(func() { err = unix.PtraceDetach(tid) })
		if err != nil {
			glog.Warningf("Failed to detach thread %d: %v", tid, err)
			errs = append(errs, fmt.Errorf("detach %d: %w", tid, err))
		}
	}
	r.attached = nil
	return errors.Join(errs...)
}

func listTasks(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, err
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			return nil, err
		}
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	return tids, nil
}

func (r *linuxMemReader) ReadAt(p []byte, off int64) (n int, err error) {
	return r.fd.ReadAt(p, off)
}

func (r *linuxMemReader) ThreadIDs() ([]int, error) {
	if r.stopped {
		tids := append([]int(nil), r.attached...)
		sort.Ints(tids)
		return tids, nil
	}
	return listTasks(r.pid)
}

func (r *linuxMemReader) ThreadPointer(tid int) (uint64, error) {
	if !r.stopped {
		return 0, ErrNotStopped
	}
	return r.threadPointer(tid)
}

func (r *linuxMemReader) Close() error {
	err := r.detachAll()
	close(r.ptraceChan)
	if r.fd != nil {
		err = errors.Join(err, r.fd.Close())
	}
	return err
}
