package glibc

import (
	"testing"

	"github.com/monsterxx03/mallocspy/pkg/binary"
	"github.com/monsterxx03/mallocspy/pkg/proc"
	"github.com/monsterxx03/mallocspy/pkg/proc/memtest"
)

// A small glibc 2.36 process: libc and ld.so, the main heap, one thread
// heap and the static TLS blocks of two threads.
const (
	libcPath = "/usr/lib/x86_64-linux-gnu/libc.so.6"
	ldPath   = "/usr/lib/x86_64-linux-gnu/ld-linux-x86-64.so.2"

	libcText   = 0x7f0000000000
	libcData   = 0x7f0000001000
	mainArena  = libcData
	freeList   = libcData + 0x900
	errnoGOT   = libcData + 0xa00
	errnoFunc  = libcText + 0x100
	tcacheOff  = 0x10
	tArenaOff  = 0x18
	errnoOff   = 0x20
	ldData     = 0x7f0000100000
	rDebugAddr = ldData
	linkMapExe = ldData + 0x100
	linkMapC   = ldData + 0x600
	linkMapLd  = ldData + 0xb00
	ldNames    = ldData + 0x1000
	libcModID  = 2

	tlsArea  = 0x7f0000200000
	mainTID  = 100
	mainTP   = tlsArea + 0x800
	mainDtv  = tlsArea + 0x1000
	mainTLS  = tlsArea
	workTID  = 101
	workTP   = tlsArea + 0x4800
	workDtv  = tlsArea + 0x5000
	workTLS  = tlsArea + 0x4000
	errnoVal = 0xabcdef

	heapBase = 0x555555559000
	heapTop  = heapBase + 0x430

	threadHeap  = 0x7eff00000000
	threadArena = threadHeap + heapInfoSize
	threadTop   = threadHeap + 0xba0
)

// main heap chunks
const (
	c0 = heapBase + 0x000 // tcache_perthread_struct of the main thread
	c1 = heapBase + 0x290
	c2 = heapBase + 0x2b0 // tcache
	c3 = heapBase + 0x2d0 // tcache
	c4 = heapBase + 0x2f0 // fastbin 1
	c5 = heapBase + 0x320 // unsorted bin
	c6 = heapBase + 0x3b0 // prev not in use, prev is in a bin
	c7 = heapBase + 0x3d0 // active but followed by a prev-not-in-use chunk
	c8 = heapBase + 0x410
)

// thread heap chunks
const (
	t0 = threadHeap + 0x8d0 // tcache_perthread_struct of the worker
	t1 = threadHeap + 0xb60 // tcache
	t2 = threadHeap + 0xb80
)

type world struct {
	mem    *memtest.Memory
	p      *proc.Process
	shift  uint
	hidden map[string]bool
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{shift: DefaultLayout().SafeLinkShift}
	w.mem = memtest.New().
		Map(0x555555554000, 0x1000, "r-xp", "/usr/bin/app").
		Map(heapBase, 0x21000, "rw-p", "[heap]").
		Map(threadHeap, 0x21000, "rw-p", "").
		Map(libcText, 0x1000, "r-xp", libcPath).
		Map(libcData, 0x2000, "rw-p", libcPath).
		Map(ldData, 0x2000, "rw-p", ldPath).
		Map(tlsArea, 0x10000, "rw-p", "").
		AddThread(mainTID, mainTP).
		AddThread(workTID, workTP)

	w.buildLinker()
	w.buildTLS(mainTP, mainDtv, mainTLS, heapBase+0x10, mainArena)
	w.buildTLS(workTP, workDtv, workTLS, t0+0x10, threadArena)
	w.mem.PutU32(mainTLS+errnoOff, errnoVal)
	tp := uint64(mainTP)
	w.buildErrnoLocation(mainTLS + errnoOff - tp)
	w.buildMainHeap()
	w.buildThreadHeap()
	w.p = w.newProcess()
	return w
}

func (w *world) newProcess() *proc.Process {
	v236 := []binary.Version{{Major: 2, Minor: 36}}
	sym := func(name string, low, size uint64, sec binary.SectionKind, file string) proc.ResolvedSymbol {
		return proc.ResolvedSymbol{Name: name, Range: proc.MemRange{Low: low, High: low + size}, Section: sec, File: file}
	}
	var libcSyms []proc.ResolvedSymbol
	for _, s := range []proc.ResolvedSymbol{
		sym("__errno_location", errnoFunc, 0x15, binary.SectionText, libcPath),
		sym("main_arena", mainArena, mallocStateSize, binary.SectionData, libcPath),
		sym("free_list", freeList, 8, binary.SectionBss, libcPath),
		sym("tcache", tcacheOff, 8, binary.SectionTbss, libcPath),
		sym("thread_arena", tArenaOff, 8, binary.SectionTbss, libcPath),
		sym("errno", errnoOff, 4, binary.SectionTbss, libcPath),
	} {
		if !w.hidden[s.Name] {
			libcSyms = append(libcSyms, s)
		}
	}
	table := proc.NewSymbolTable([]proc.MappedFile{
		{Path: "/usr/bin/app", Bias: 0x555555554000},
		{
			Path:     libcPath,
			Bias:     libcText,
			Symbols:  libcSyms,
			Versions: v236,
		},
		{
			Path:     ldPath,
			Bias:     ldData,
			Symbols:  []proc.ResolvedSymbol{sym("_r_debug", rDebugAddr, 40, binary.SectionData, ldPath)},
			Versions: v236,
		},
	})
	return proc.NewWithReader(mainTID, w.mem, w.mem.Maps(), table)
}

func (w *world) protect(ptr, field uint64) uint64 {
	return Protect(ptr, field, w.shift)
}

func (w *world) buildLinker() {
	m := w.mem
	m.PutU64(rDebugAddr+8, linkMapExe)

	names := []string{"", "/lib/x86_64-linux-gnu/libc.so.6", "/lib64/ld-linux-x86-64.so.2"}
	maps := []uint64{linkMapExe, linkMapC, linkMapLd}
	modids := []uint64{0, libcModID, 0}
	nameAddr := uint64(ldNames)
	for i, lm := range maps {
		m.Write(nameAddr, append([]byte(names[i]), 0))
		m.PutU64(lm+8, nameAddr)
		if i+1 < len(maps) {
			m.PutU64(lm+24, maps[i+1])
		}
		if i > 0 {
			m.PutU64(lm+32, maps[i-1])
		}
		m.PutU64(lm+DefaultLayout().LinkMapTLSModIDOffset, modids[i])
		nameAddr += 0x40
	}
}

func (w *world) buildTLS(tp, dtv, block, tcache, arena uint64) {
	m := w.mem
	m.PutU64(tp, tp)
	m.PutU64(tp+8, dtv)
	m.PutU64(tp+16, tp)
	m.PutU64(dtv-16, 4)
	m.PutU64(dtv+16*libcModID, block)
	m.PutU64(block+tcacheOff, tcache)
	m.PutU64(block+tArenaOff, arena)
}

// buildErrnoLocation writes the code of __errno_location and its GOT slot.
func (w *world) buildErrnoLocation(offset uint64) {
	disp := uint32(errnoGOT - (errnoFunc + 11))
	code := []byte{
		0xf3, 0x0f, 0x1e, 0xfa, // endbr64
		0x48, 0x8b, 0x05, byte(disp), byte(disp >> 8), byte(disp >> 16), byte(disp >> 24), // mov rax, [rip+disp]
		0x64, 0x48, 0x03, 0x04, 0x25, 0x00, 0x00, 0x00, 0x00, // add rax, fs:[0]
		0xc3, // ret
	}
	w.mem.Write(errnoFunc, code)
	w.mem.PutU64(errnoGOT, offset)
}

func (w *world) chunk(addr, size uint64) {
	w.mem.PutU64(addr+8, size)
}

func (w *world) buildMainHeap() {
	m := w.mem
	w.chunk(c0, 0x291)
	w.chunk(c1, 0x21)
	w.chunk(c2, 0x21)
	w.chunk(c3, 0x21)
	w.chunk(c4, 0x31)
	w.chunk(c5, 0x91)
	w.chunk(c6, 0x20)
	m.PutU64(c6, 0x90)
	w.chunk(c7, 0x41)
	w.chunk(c8, 0x20)
	w.chunk(heapTop, 0x20bd1)

	// main thread tcache: bin 0 holds c3 -> c2
	tc := uint64(c0 + 0x10)
	m.PutU16(tc, 2)
	m.PutU64(tc+tcacheEntriesBase, c3+0x10)
	m.PutU64(c3+0x10, w.protect(c2+0x10, c3+0x10))
	m.PutU64(c2+0x10, w.protect(0, c2+0x10))

	// fastbin 1 holds c4
	m.PutU64(mainArena+fastbinsOffset+8, c4)
	m.PutU64(c4+0x10, w.protect(0, c4+0x10))

	// unsorted bin holds c5
	sentinel := uint64(mainArena + binsOffset - chunkFdOffset)
	m.PutU64(mainArena+binsOffset, c5)
	m.PutU64(mainArena+binsOffset+8, c5)
	m.PutU64(c5+0x10, sentinel)
	m.PutU64(c5+0x18, sentinel)

	m.PutU64(mainArena+96, heapTop)
	m.PutU64(mainArena+2160, threadArena)
}

func (w *world) buildThreadHeap() {
	m := w.mem
	m.PutU64(threadHeap, threadArena)
	m.PutU64(threadHeap+16, 0x21000)
	m.PutU64(threadHeap+24, 0x21000)

	m.PutU64(threadArena+96, threadTop)
	m.PutU64(threadArena+2160, mainArena)

	w.chunk(t0, 0x295)
	w.chunk(t1, 0x25)
	w.chunk(t2, 0x25)
	w.chunk(threadTop, 0x20465)

	tc := uint64(t0 + 0x10)
	m.PutU16(tc, 1)
	m.PutU64(tc+tcacheEntriesBase, t1+0x10)
	m.PutU64(t1+0x10, w.protect(0, t1+0x10))
}

// hideSymbols drops libc symbols from the process' symbol table.
func (w *world) hideSymbols(names ...string) {
	if w.hidden == nil {
		w.hidden = make(map[string]bool)
	}
	for _, n := range names {
		w.hidden[n] = true
	}
	w.p = w.newProcess()
}

// addThreadArena maps a one block arena at heap, with an empty chunk area,
// and links it into the ring right after arena after.
func (w *world) addThreadArena(heap, after uint64) uint64 {
	m := w.mem
	arena := heap + heapInfoSize
	top := alignUp(arena+mallocStateSize, mallocAlignment)
	m.Map(heap, 0x21000, "rw-p", "")
	m.PutU64(heap, arena)
	m.PutU64(heap+16, 0x21000)
	m.PutU64(heap+24, 0x21000)
	m.PutU64(arena+96, top)
	m.PutU64(arena+2160, m.U64(after+2160))
	m.PutU64(after+2160, arena)
	w.chunk(top, (heap+0x21000-top)|5)
	w.p = w.newProcess()
	return arena
}

// growThreadArena adds a second heap block to the worker's arena at hb and
// moves top into it, after two chunks.
func (w *world) growThreadArena(hb uint64) {
	m := w.mem
	m.Map(hb, 0x21000, "rw-p", "")
	m.PutU64(hb, threadArena)
	m.PutU64(hb+8, threadHeap)
	m.PutU64(hb+16, 0x21000)
	m.PutU64(hb+24, 0x21000)
	w.chunk(hb+0x30, 0x35)
	w.chunk(hb+0x60, 0x25)
	w.chunk(hb+0x80, 0x20f85)
	m.PutU64(threadArena+96, hb+0x80)
	w.p = w.newProcess()
}

func (w *world) thread(t *testing.T, tid int) *proc.Thread {
	t.Helper()
	th, err := w.p.Thread(tid)
	if err != nil {
		t.Fatal(err)
	}
	return th
}
