package glibc

import (
	"errors"
	"fmt"
)

var (
	ErrNoMemoryMap               = errors.New("session has no memory map")
	ErrNoSymbols                 = errors.New("session has no symbols")
	ErrMainArenaNotFound         = errors.New("main_arena not found in symbols")
	ErrOnlyGlibcMalloc           = errors.New("main_arena does not reside in a glibc file")
	ErrUnverifiedVersion         = errors.New("glibc version is not validated")
	ErrTcacheSymbolNotFound      = errors.New("tcache not found in glibc symbols")
	ErrThreadArenaSymbolNotFound = errors.New("thread_arena not found in glibc symbols")
	ErrUnknownSessionType        = errors.New("unknown session type")
	ErrArenaForSessionNotFound   = errors.New("no arena recorded for session")
	ErrErrnoNoOverflow           = errors.New("errno address did not wrap around the thread pointer")
	ErrErrnoPattern              = errors.New("unexpected __errno_location code")
)

type TLSKind int

const (
	TLSNoSuchTbssSymbol TLSKind = iota + 1
	TLSNoRDebug
	TLSNoLinkMap
	TLSFsBaseNotMapped
	TLSDtvNotInitialized
	TLSDtvTooSmall
	TLSSymbolNotMapped
)

var tlsKindStrings = map[TLSKind]string{
	TLSNoSuchTbssSymbol:  "no such .tbss symbol",
	TLSNoRDebug:          "_r_debug not found",
	TLSNoLinkMap:         "module not found in link map",
	TLSFsBaseNotMapped:   "thread pointer not in mapped read-write memory",
	TLSDtvNotInitialized: "dtv not initialized",
	TLSDtvTooSmall:       "dtv too small",
	TLSSymbolNotMapped:   "symbol not in mapped read-write memory",
}

func (k TLSKind) String() string {
	if s, ok := tlsKindStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("TLSKind(%d)", int(k))
}

// TLSError reports the step at which locating a thread-local variable
// failed. errors.Is matches another *TLSError of the same Kind.
type TLSError struct {
	Kind   TLSKind
	Symbol string
	File   string
	TID    int
	Err    error
}

func (e *TLSError) Error() string {
	msg := fmt.Sprintf("tls %s in %s (thread %d): %s", e.Symbol, e.File, e.TID, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TLSError) Unwrap() error {
	return e.Err
}

func (e *TLSError) Is(target error) bool {
	t, ok := target.(*TLSError)
	return ok && t.Kind == e.Kind
}
