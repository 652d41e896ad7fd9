package glibc

import (
	"math/bits"

	"github.com/golang/glog"

	"github.com/monsterxx03/mallocspy/pkg/proc"
)

// traverseMainArena scans the mapping holding main_arena's top chunk, from
// its start up to top.
func (a *Analyzer) traverseMainArena() {
	top := a.mainArena.Top
	m, ok := a.p.Maps().Find(top)
	if !ok {
		a.errorf(DiagTopNotMapped, top, "Top chunk %#x of main arena is outside mapped memory", top)
		return
	}
	chunks := a.traverseChunks(proc.MemRange{Low: m.Start, High: top}, MainHeap())
	a.explored = append(a.explored, chunks...)
}

// traverseThreadArenas scans every unexplored heap block.
func (a *Analyzer) traverseThreadArenas() {
	n := len(a.explored)
	for i := 0; i < n; i++ {
		r := a.explored[i]
		if r.Explored || r.Kind != KindHeapInfo {
			continue
		}
		hi, err := proc.CheckedLoad[HeapInfo](a.p, r.Range.Low)
		if err != nil {
			a.errorf(DiagHeapBlock, r.Range.Low, "Failed to reload heap block %#x: %v", r.Range.Low, err)
			continue
		}
		arenaAddr := hi.Value.ArPtr
		arena, err := proc.CheckedLoad[MallocState](a.p, arenaAddr)
		if err != nil {
			a.errorf(DiagHeapBlock, r.Range.Low, "Failed to load arena %#x of heap block %#x: %v", arenaAddr, r.Range.Low, err)
			continue
		}

		area := a.chunkArea(r.Range.Low, hi.Value, arenaAddr, arena.Value.Top)
		glog.V(1).Infof("Heap block %#x of arena %#x: chunks in %s", r.Range.Low, arenaAddr, area)
		chunks := a.traverseChunks(area, ThreadHeap(arenaAddr))
		if r.HasOrigin(FreedArena()) {
			for j := range chunks {
				chunks[j].addOrigin(FreedArena())
			}
		}
		a.explored = append(a.explored, chunks...)
		a.explored[i].Explored = true
	}
}

// chunkArea is the chunk bearing part of a heap block. The first block of an
// arena holds the malloc_state right after its heap_info; chunks start after
// it, aligned. The area ends at top when top lies inside the block.
func (a *Analyzer) chunkArea(hb uint64, hi HeapInfo, arenaAddr, top uint64) proc.MemRange {
	low := hb + heapInfoSize
	if hi.Prev == 0 && low == arenaAddr {
		low = arenaAddr + mallocStateSize
	}
	low = alignUp(low, mallocAlignment)

	high, carry := bits.Add64(hb, hi.Size, 0)
	if carry != 0 {
		high = ^uint64(0)
	}
	if top >= low && top < high {
		high = top
	}
	if high < low {
		high = low
	}
	return proc.MemRange{Low: low, High: high}
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// traverseChunks walks consecutive chunks starting at area.Low. A valid
// chunk is assumed at the start of the area.
func (a *Analyzer) traverseChunks(area proc.MemRange, origin Origin) []HeapRegion {
	var chunks []HeapRegion
	for cur := area.Low; area.Contains(cur); {
		c, err := proc.CheckedLoad[MallocChunk](a.p, cur)
		if err != nil {
			a.errorf(DiagListAborted, cur, "Chunk walk of %s aborted at %#x: %v", area, cur, err)
			break
		}
		flags := c.Value.Flags()

		if !flags.PrevInUse && len(chunks) > 0 {
			prev := &chunks[len(chunks)-1]
			if !prev.State.Free() {
				a.warnf(DiagPrevInUse, prev.Range.Low,
					"Chunk %s precedes chunk %#x marked previous-not-in-use but is %s", prev.Range, cur, prev.State)
				prev.State = StateOrphanedFree
			}
		}

		size := c.Value.ChunkSize()
		if size == 0 {
			a.warnf(DiagZeroSizeChunk, cur, "Chunk %#x with size 0 in area %s", cur, area)
			break
		}
		end, carry := bits.Add64(cur, size, 0)
		if carry != 0 {
			a.errorf(DiagListAborted, cur, "Chunk %#x size %#x overflows", cur, size)
			break
		}

		state, origins := a.classify(cur, flags, origin)
		glog.V(2).Infof("Chunk %#x size %#x [%s] %s", cur, size, flags, state)
		chunks = append(chunks, HeapRegion{
			Range:    proc.MemRange{Low: cur, High: end},
			Kind:     KindChunk,
			State:    state,
			Explored: true,
			Origins:  origins,
		})
		cur = end
	}
	return chunks
}

// classify checks the free lists in tcache, bin, fastbin order.
func (a *Analyzer) classify(addr uint64, flags ChunkFlags, origin Origin) (ChunkState, []Origin) {
	origins := []Origin{origin}
	if tid, ok := a.tcacheChunks[addr]; ok {
		return StateTcache, append(origins, TLSTcache(tid))
	}
	if _, ok := a.binChunks[addr]; ok {
		return StateBin, origins
	}
	if _, ok := a.fastbinChunks[addr]; ok {
		return StateFastbin, origins
	}
	if flags.Mmapped {
		return StateMmapped, origins
	}
	return StateActive, origins
}
