package glibc

import (
	"github.com/golang/glog"

	"github.com/monsterxx03/mallocspy/pkg/binary"
	"github.com/monsterxx03/mallocspy/pkg/proc"
)

func (a *Analyzer) regionIndex(kind RegionKind, addr uint64) int {
	for i, r := range a.explored {
		if r.Kind == kind && r.Range.Low == addr {
			return i
		}
	}
	return -1
}

// localizeThreadArenas follows main_arena.next around the ring.
func (a *Analyzer) localizeThreadArenas() {
	seen := map[uint64]bool{a.mainAddr: true}
	for cur := a.mainArena.Next; cur != 0 && cur != a.mainAddr; {
		if seen[cur] {
			a.warnf(DiagArena, cur, "Arena ring revisits %#x without returning to main_arena", cur)
			return
		}
		seen[cur] = true
		arena, err := proc.CheckedLoad[MallocState](a.p, cur)
		if err != nil {
			a.errorf(DiagArena, cur, "Failed to load arena %#x: %v", cur, err)
			return
		}
		a.explored = append(a.explored, HeapRegion{
			Range:   arena.Range,
			Kind:    KindMallocState,
			Origins: []Origin{ThreadHeap(cur)},
		})
		cur = arena.Value.Next
	}
}

// freeListHead reads the free_list variable of arena.c, when resolvable.
func (a *Analyzer) freeListHead() (uint64, bool) {
	s, ok := a.libc.Lookup("free_list")
	if !ok || (s.Section != binary.SectionBss && s.Section != binary.SectionData) {
		return 0, false
	}
	v, err := proc.CheckedLoad[uint64](a.p, s.Range.Low)
	if err != nil {
		glog.V(1).Infof("Failed to read free_list: %v", err)
		return 0, false
	}
	return v.Value, true
}

// localizeFreedArenas follows the next_free list of released arenas. Arenas
// already known from the ring gain the freed tag.
func (a *Analyzer) localizeFreedArenas() {
	start := a.mainArena.NextFree
	if head, ok := a.freeListHead(); ok {
		start = head
	}
	seen := make(map[uint64]bool)
	for cur := start; cur != 0 && cur != a.mainAddr && !seen[cur]; {
		seen[cur] = true
		arena, err := proc.CheckedLoad[MallocState](a.p, cur)
		if err != nil {
			a.errorf(DiagArena, cur, "Failed to load freed arena %#x: %v", cur, err)
			return
		}
		if i := a.regionIndex(KindMallocState, cur); i >= 0 {
			a.explored[i].addOrigin(FreedArena())
		} else {
			a.explored = append(a.explored, HeapRegion{
				Range:   arena.Range,
				Kind:    KindMallocState,
				Origins: []Origin{ThreadHeap(cur), FreedArena()},
			})
		}
		cur = arena.Value.NextFree
	}
}

// tagThreads records the arena of every thread from its thread_arena.
// Without the symbol no thread is tagged and only the process view works.
func (a *Analyzer) tagThreads() {
	if s, ok := a.libc.Lookup("thread_arena"); !ok || s.Section != binary.SectionTbss {
		a.errorf(DiagThread, 0, "%v in %s, threads are not tagged", ErrThreadArenaSymbolNotFound, a.libc.Path)
		return
	}
	threads, err := a.p.Threads()
	if err != nil {
		a.errorf(DiagThread, 0, "Failed to list threads: %v", err)
		return
	}
	for _, t := range threads {
		loc, err := a.tls.Locate(t, a.libc.Path, "thread_arena")
		if err != nil {
			a.threadErrorf(t.ID, "Thread %d: arena could not be determined: %v", t.ID, err)
			continue
		}
		v, err := proc.CheckedLoad[uint64](a.p, loc.Addr)
		if err != nil {
			a.threadErrorf(t.ID, "Thread %d: failed to read thread_arena: %v", t.ID, err)
			continue
		}
		if v.Value == 0 {
			glog.V(1).Infof("Thread %d has no arena yet", t.ID)
			continue
		}
		a.threadArenas[t.ID] = ThreadArena{
			TID:      t.ID,
			Base:     v.Value,
			Main:     v.Value == a.mainAddr,
			Location: loc,
		}
	}
}

// analyzeHeapBlocks records the heap_info blocks of every unexplored arena.
func (a *Analyzer) analyzeHeapBlocks() {
	n := len(a.explored)
	for i := 0; i < n; i++ {
		r := a.explored[i]
		if r.Explored || r.Kind != KindMallocState {
			continue
		}
		arena, err := proc.CheckedLoad[MallocState](a.p, r.Range.Low)
		if err != nil {
			a.errorf(DiagArena, r.Range.Low, "Failed to reload arena %#x: %v", r.Range.Low, err)
			continue
		}
		freed := r.HasOrigin(FreedArena())
		for _, hb := range a.heapBlocks(r.Range.Low, arena.Value) {
			origins := []Origin{ThreadHeap(r.Range.Low)}
			if freed {
				origins = append(origins, FreedArena())
			}
			a.explored = append(a.explored, HeapRegion{Range: hb.Range, Kind: KindHeapInfo, Origins: origins})
		}
		a.explored[i].Explored = true
	}
}

// heapBlocks starts at the block holding top and follows prev links.
func (a *Analyzer) heapBlocks(arenaAddr uint64, arena MallocState) []proc.Snapshot[HeapInfo] {
	if arenaAddr == a.mainAddr {
		glog.Errorf("main_arena can not be treated as a thread arena")
		return nil
	}
	first, ok := a.heapForPtr(arena.Top)
	if !ok {
		a.warnf(DiagTopNotMapped, arena.Top, "Top chunk %#x of arena %#x is outside mapped memory", arena.Top, arenaAddr)
		return nil
	}

	var blocks []proc.Snapshot[HeapInfo]
	seen := make(map[uint64]bool)
	for cur := first; cur != 0; {
		if seen[cur] {
			a.warnf(DiagHeapBlock, cur, "Heap block %#x revisited in arena %#x", cur, arenaAddr)
			break
		}
		seen[cur] = true
		hi, err := proc.CheckedLoad[HeapInfo](a.p, cur)
		if err != nil {
			a.errorf(DiagHeapBlock, cur, "Failed to load heap block %#x of arena %#x: %v", cur, arenaAddr, err)
			break
		}
		if hi.Value.ArPtr != arenaAddr {
			a.warnf(DiagHeapBlock, cur, "Heap block %#x belongs to arena %#x, expected %#x", cur, hi.Value.ArPtr, arenaAddr)
		}
		blocks = append(blocks, hi)
		cur = hi.Value.Prev
	}
	return blocks
}

// heapForPtr aligns ptr down to the heap block size, falling back to the
// start of the mapping holding ptr.
func (a *Analyzer) heapForPtr(ptr uint64) (uint64, bool) {
	m, ok := a.p.Maps().Find(ptr)
	if !ok {
		return 0, false
	}
	if a.layout.HeapMaxSize != 0 {
		hb := ptr &^ (a.layout.HeapMaxSize - 1)
		if hb >= m.Start {
			return hb, true
		}
	}
	return m.Start, true
}
