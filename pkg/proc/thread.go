package proc

import (
	"fmt"
	"os"
	"strings"
)

// from: man proc
var threadStateStrings = map[string]string{
	"R": "Running",
	"S": "Sleeping",
	"D": "Disk sleep",
	"Z": "Zombie",
	"T": "Stopped",
	"t": "Tracing stop",
	"w": "Paging",
	"x": "Dead",
	"X": "Dead",
	"K": "Wakekill",
	"W": "Waking",
	"P": "Parked",
}

// Thread wraps one task of a process session.
type Thread struct {
	ID   int
	proc *Process
}

func (t *Thread) Process() *Process {
	return t.proc
}

// ThreadPointer returns the thread's TCB address (fs_base on x86_64).
func (t *Thread) ThreadPointer() (uint64, error) {
	return t.proc.reader.ThreadPointer(t.ID)
}

func (t *Thread) state() string {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/task/%d/stat", t.proc.ID, t.ID))
	if err != nil {
		return ""
	}
	return parseStatState(string(b))
}

// parseStatState extracts the state field. comm may contain spaces, so the
// field is located after the last ')'.
func parseStatState(stat string) string {
	i := strings.LastIndexByte(stat, ')')
	if i < 0 {
		return ""
	}
	fields := strings.Fields(stat[i+1:])
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func (t *Thread) State() string {
	s, ok := threadStateStrings[t.state()]
	if !ok {
		return "Unknown"
	}
	return s
}

func (t *Thread) Stopped() bool {
	s := t.state()
	return s == "T" || s == "t"
}

func (t *Thread) Zombie() bool {
	return t.state() == "Z"
}

func (t *Thread) String() string {
	return fmt.Sprintf("thread %d of %d", t.ID, t.proc.ID)
}
