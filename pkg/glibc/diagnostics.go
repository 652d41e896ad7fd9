package glibc

import (
	"fmt"

	"github.com/golang/glog"
)

type DiagnosticKind int

const (
	DiagStaleResult DiagnosticKind = iota
	DiagArena
	DiagHeapBlock
	DiagFastbinCycle
	DiagListAborted
	DiagTcacheCount
	DiagThread
	DiagDuplicateMembership
	DiagPrevInUse
	DiagZeroSizeChunk
	DiagTopNotMapped
)

var diagnosticKindStrings = map[DiagnosticKind]string{
	DiagStaleResult:         "stale-result",
	DiagArena:               "arena",
	DiagHeapBlock:           "heap-block",
	DiagFastbinCycle:        "fastbin-cycle",
	DiagListAborted:         "list-aborted",
	DiagTcacheCount:         "tcache-count",
	DiagThread:              "thread",
	DiagDuplicateMembership: "duplicate-membership",
	DiagPrevInUse:           "prev-inuse",
	DiagZeroSizeChunk:       "zero-size-chunk",
	DiagTopNotMapped:        "top-not-mapped",
}

func (k DiagnosticKind) String() string {
	return diagnosticKindStrings[k]
}

func (k DiagnosticKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Diagnostic is a consistency warning or a per-item failure of one run.
type Diagnostic struct {
	Kind    DiagnosticKind `json:"kind"`
	Addr    uint64         `json:"addr,omitempty"`
	TID     int            `json:"tid,omitempty"`
	Message string         `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("[%s] %s", d.Kind, d.Message)
}

func (a *Analyzer) warnf(kind DiagnosticKind, addr uint64, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	glog.Warning(msg)
	a.diagnostics = append(a.diagnostics, Diagnostic{Kind: kind, Addr: addr, Message: msg})
}

// threadErrorf records a failure scoped to one thread.
func (a *Analyzer) threadErrorf(tid int, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	glog.Error(msg)
	a.diagnostics = append(a.diagnostics, Diagnostic{Kind: DiagThread, TID: tid, Message: msg})
}

func (a *Analyzer) errorf(kind DiagnosticKind, addr uint64, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	glog.Error(msg)
	a.diagnostics = append(a.diagnostics, Diagnostic{Kind: kind, Addr: addr, Message: msg})
}
