package glibc

import (
	"github.com/golang/glog"

	"github.com/monsterxx03/mallocspy/pkg/binary"
	"github.com/monsterxx03/mallocspy/pkg/proc"
)

// Layouts of glibc 2.36 on x86_64. Field order and padding follow
// malloc/malloc.c, malloc/arena.c, sysdeps/x86_64/nptl/tls.h and
// include/link.h.

const (
	NFastbins     = 10
	NBins         = 128
	TcacheMaxBins = 64

	// TLSDtvUnallocated marks a dtv slot whose TLS block is not allocated yet.
	TLSDtvUnallocated = ^uint64(0)
)

// from malloc/malloc.c
type MallocChunk struct {
	PrevSize   uint64
	Size       uint64
	Fd         uint64
	Bk         uint64
	FdNextsize uint64
	BkNextsize uint64
}

// from malloc/malloc.c
type MallocState struct {
	Mutex           int32
	Flags           int32
	HaveFastchunks  int32
	_               [4]byte
	FastbinsY       [NFastbins]uint64
	Top             uint64
	LastRemainder   uint64
	Bins            [NBins*2 - 2]uint64
	Binmap          [4]uint32
	Next            uint64
	NextFree        uint64
	AttachedThreads uint64
	SystemMem       uint64
	MaxSystemMem    uint64
}

// from malloc/arena.c
type HeapInfo struct {
	ArPtr        uint64
	Prev         uint64
	Size         uint64
	MprotectSize uint64
	Pagesize     uint64
	_            [8]byte
}

// from malloc/malloc.c
type TcacheEntry struct {
	Next uint64
	Key  uint64
}

// from malloc/malloc.c
type TcachePerthread struct {
	Counts  [TcacheMaxBins]uint16
	Entries [TcacheMaxBins]uint64
}

// Leading part of tcbhead_t, sysdeps/x86_64/nptl/tls.h
type TcbHead struct {
	Tcb  uint64
	Dtv  uint64
	Self uint64
}

// dtv_t: either the slot counter or {val, to_free}.
type DtvEntry struct {
	Val    uint64
	ToFree uint64
}

// Public part of struct link_map, elf/link.h
type LinkMap struct {
	Addr uint64
	Name uint64
	Ld   uint64
	Next uint64
	Prev uint64
}

// from elf/link.h
type RDebug struct {
	Version int32
	_       [4]byte
	Map     uint64
	Brk     uint64
	State   int32
	_       [4]byte
	LdBase  uint64
}

// Offsets inside MallocState and MallocChunk used to build pseudo chunks
// over the fastbin and bin head arrays.
const (
	mallocStateSize   = 2200
	fastbinsOffset    = 16
	binsOffset        = 112
	chunkFdOffset     = 16
	chunkHeaderSize   = 16
	chunkContentEnd   = 8
	heapInfoSize      = 48
	mallocAlignment   = 16
	tcacheEntriesBase = 2 * TcacheMaxBins
)

// Layout carries the version dependent constants of the analysis.
type Layout struct {
	// TcacheCapacity is the number of chunks one tcache bin holds before
	// frees fall through to the fastbins (tcache_count).
	TcacheCapacity int
	// SafeLinkShift is the right shift applied to the field address by
	// PROTECT_PTR. glibc >= 2.32 uses 12.
	SafeLinkShift uint
	// LinkMapTLSModIDOffset is the offset of l_tls_modid in the private
	// struct link_map of the dynamic linker.
	LinkMapTLSModIDOffset uint64
	// HeapMaxSize is the alignment of thread heap blocks (heap_for_ptr).
	HeapMaxSize uint64
}

func DefaultLayout() Layout {
	return Layout{
		TcacheCapacity:        7,
		SafeLinkShift:         12,
		LinkMapTLSModIDOffset: 0x478,
		HeapMaxSize:           64 << 20,
	}
}

// RefineLayout replaces l_tls_modid's offset with the one recorded in the
// dynamic linker's debug info, when that is available.
func RefineLayout(p *proc.Process, l Layout) Layout {
	rdebug, err := findRDebug(p)
	if err != nil {
		return l
	}
	loader, ok := p.Loader(rdebug.File)
	if !ok {
		return l
	}
	dw, err := loader.GetDWARFLoader()
	if err != nil || !dw.HasDWARF() {
		return l
	}
	off, err := dw.GetStructOffset("link_map", "l_tls_modid")
	if err != nil {
		glog.V(1).Infof("No l_tls_modid in debug info of %s: %v", rdebug.File, err)
		return l
	}
	if off != l.LinkMapTLSModIDOffset {
		glog.V(1).Infof("Using l_tls_modid offset %#x from %s", off, rdebug.File)
	}
	l.LinkMapTLSModIDOffset = off
	return l
}

// findRDebug locates _r_debug in a file carrying GLIBC version nodes.
func findRDebug(p *proc.Process) (proc.ResolvedSymbol, error) {
	for _, f := range p.Symbols().Files() {
		if !f.IsGlibc() {
			continue
		}
		for _, name := range []string{"_r_debug", "r_debug"} {
			if s, ok := f.Lookup(name); ok && !s.Section.ThreadLocal() {
				return s, nil
			}
		}
	}
	return proc.ResolvedSymbol{}, binary.ErrSymbolNotFound
}
