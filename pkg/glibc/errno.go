package glibc

import (
	"bytes"
	"fmt"
	"math/bits"

	"golang.org/x/arch/x86/x86asm"

	"github.com/monsterxx03/mallocspy/pkg/proc"
)

const maxErrnoLocationCode = 32

var endbr64 = []byte{0xf3, 0x0f, 0x1e, 0xfa}

// ErrnoLocation is the result of reading __errno_location's machine code:
//
//	endbr64
//	mov rax, [rip+disp]     ; GOT slot holding errno's TP-relative offset
//	add rax, fs:[0]         ; tcb->tcb
//	ret
type ErrnoLocation struct {
	Function      uint64 `json:"function"`
	GOTEntry      uint64 `json:"got_entry"`
	Offset        uint64 `json:"offset"`
	ThreadPointer uint64 `json:"thread_pointer"`
	Addr          uint64 `json:"addr"`
}

// LocateErrno finds errno of thread t by disassembling __errno_location in
// libc. errno lies below the thread pointer, so the offset is a negative
// number and the addition has to wrap; a result that does not wrap means
// the code was misread.
func LocateErrno(t *proc.Thread, libc string) (ErrnoLocation, error) {
	p := t.Process()
	fn, err := p.Symbols().LookupIn(libc, "__errno_location")
	if err != nil {
		return ErrnoLocation{}, err
	}
	loc := ErrnoLocation{Function: fn.Range.Low}

	n := uint64(maxErrnoLocationCode)
	if s := fn.Range.Size(); s > 0 && s < n {
		n = s
	}
	if m, ok := p.Maps().Find(fn.Range.Low); ok && m.End-fn.Range.Low < n {
		n = m.End - fn.Range.Low
	}
	code, err := proc.LoadRaw(p, proc.MemRange{Low: fn.Range.Low, High: fn.Range.Low + n})
	if err != nil {
		return ErrnoLocation{}, err
	}

	got, err := decodeErrnoLocation(code, fn.Range.Low)
	if err != nil {
		return ErrnoLocation{}, err
	}
	loc.GOTEntry = got

	off, err := proc.CheckedLoad[uint64](p, got)
	if err != nil {
		return ErrnoLocation{}, fmt.Errorf("GOT entry %#x: %w", got, err)
	}
	loc.Offset = off.Value

	tp, err := t.ThreadPointer()
	if err != nil {
		return ErrnoLocation{}, err
	}
	head, err := proc.CheckedLoad[TcbHead](p, tp)
	if err != nil {
		return ErrnoLocation{}, err
	}
	loc.ThreadPointer = head.Value.Tcb

	addr, carry := bits.Add64(head.Value.Tcb, loc.Offset, 0)
	if carry == 0 {
		return ErrnoLocation{}, fmt.Errorf("%w: %#x + %#x", ErrErrnoNoOverflow, head.Value.Tcb, loc.Offset)
	}
	loc.Addr = addr
	if m, ok := p.Maps().FindRange(addr, addr+4); !ok || !m.IsReadWrite() {
		return ErrnoLocation{}, fmt.Errorf("%w: errno %#x", proc.ErrOutsideKnownMemory, addr)
	}
	return loc, nil
}

// decodeErrnoLocation returns the GOT slot address referenced by the code
// of __errno_location loaded at pc.
func decodeErrnoLocation(code []byte, pc uint64) (uint64, error) {
	pos := 0
	if bytes.HasPrefix(code, endbr64) {
		pos = len(endbr64)
	}

	mov, err := x86asm.Decode(code[pos:], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrErrnoPattern, err)
	}
	mem, ok := mov.Args[1].(x86asm.Mem)
	if mov.Op != x86asm.MOV || mov.Args[0] != x86asm.RAX || !ok || mem.Base != x86asm.RIP {
		return 0, fmt.Errorf("%w: expected mov rax, [rip+disp], got %v", ErrErrnoPattern, mov)
	}
	pos += mov.Len
	got := pc + uint64(pos) + uint64(mem.Disp)

	add, err := x86asm.Decode(code[pos:], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrErrnoPattern, err)
	}
	mem, ok = add.Args[1].(x86asm.Mem)
	if add.Op != x86asm.ADD || add.Args[0] != x86asm.RAX || !ok ||
		mem.Segment != x86asm.FS || mem.Base != 0 || mem.Index != 0 || mem.Disp != 0 {
		return 0, fmt.Errorf("%w: expected add rax, fs:[0], got %v", ErrErrnoPattern, add)
	}
	pos += add.Len

	ret, err := x86asm.Decode(code[pos:], 64)
	if err != nil || ret.Op != x86asm.RET {
		return 0, fmt.Errorf("%w: expected ret at +%d", ErrErrnoPattern, pos)
	}
	return got, nil
}
