package glibc

import (
	"fmt"

	"github.com/monsterxx03/mallocspy/pkg/proc"
)

// RegionKind is the allocator structure assumed to occupy a region.
type RegionKind int

const (
	KindMallocState RegionKind = iota
	KindHeapInfo
	KindChunk
)

var regionKindStrings = map[RegionKind]string{
	KindMallocState: "malloc_state",
	KindHeapInfo:    "heap_info",
	KindChunk:       "chunk",
}

func (k RegionKind) String() string {
	return regionKindStrings[k]
}

func (k RegionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

type ChunkState int

const (
	StateNone ChunkState = iota
	StateMmapped
	StateActive
	StateOrphanedFree
	StateFastbin
	StateBin
	StateTcache
)

var chunkStateStrings = map[ChunkState]string{
	StateNone:         "",
	StateMmapped:      "mmapped",
	StateActive:       "active",
	StateOrphanedFree: "orphaned-free",
	StateFastbin:      "fastbin",
	StateBin:          "bin",
	StateTcache:       "tcache",
}

func (s ChunkState) String() string {
	return chunkStateStrings[s]
}

func (s ChunkState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Free reports whether the state is held by one of the free lists.
func (s ChunkState) Free() bool {
	return s == StateFastbin || s == StateBin || s == StateTcache
}

// ChunkStates lists the chunk states in display order.
var ChunkStates = []ChunkState{StateActive, StateTcache, StateFastbin, StateBin, StateOrphanedFree, StateMmapped}

type OriginKind int

const (
	OriginMainHeap OriginKind = iota
	OriginThreadHeap
	OriginTLSTcache
	OriginFreedArena
)

var originKindStrings = map[OriginKind]string{
	OriginMainHeap:   "main-heap",
	OriginThreadHeap: "thread-heap",
	OriginTLSTcache:  "tcache",
	OriginFreedArena: "freed-arena",
}

func (k OriginKind) String() string {
	return originKindStrings[k]
}

func (k OriginKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Origin is one provenance tag of a region. Base is set for thread heaps,
// TID for tcache membership.
type Origin struct {
	Kind OriginKind `json:"kind"`
	Base uint64     `json:"base,omitempty"`
	TID  int        `json:"tid,omitempty"`
}

func MainHeap() Origin { return Origin{Kind: OriginMainHeap} }
func ThreadHeap(base uint64) Origin { return Origin{Kind: OriginThreadHeap, Base: base} }
func TLSTcache(tid int) Origin { return Origin{Kind: OriginTLSTcache, TID: tid} }
func FreedArena() Origin { return Origin{Kind: OriginFreedArena} }

func (o Origin) String() string {
	switch o.Kind {
	case OriginThreadHeap:
		return fmt.Sprintf("%s(%#x)", o.Kind, o.Base)
	case OriginTLSTcache:
		return fmt.Sprintf("%s(%d)", o.Kind, o.TID)
	}
	return o.Kind.String()
}

// HeapRegion is one entry of the explored heap.
type HeapRegion struct {
	Range    proc.MemRange `json:"range"`
	Kind     RegionKind    `json:"kind"`
	State    ChunkState    `json:"state,omitempty"`
	Explored bool          `json:"explored"`
	Origins  []Origin      `json:"origins"`
}

func (r HeapRegion) HasOrigin(o Origin) bool {
	for _, x := range r.Origins {
		if x == o {
			return true
		}
	}
	return false
}

func (r *HeapRegion) addOrigin(o Origin) {
	if !r.HasOrigin(o) {
		r.Origins = append(r.Origins, o)
	}
}

// Label is the kind, or the chunk state for chunks.
func (r HeapRegion) Label() string {
	if r.Kind == KindChunk {
		return r.State.String()
	}
	return r.Kind.String()
}

func (r HeapRegion) String() string {
	return fmt.Sprintf("%s %s %v", r.Range, r.Label(), r.Origins)
}
