package glibc

import (
	"github.com/golang/glog"

	"github.com/monsterxx03/mallocspy/pkg/binary"
	"github.com/monsterxx03/mallocspy/pkg/proc"
)

// membership returns the free list already holding the chunk at addr.
func (a *Analyzer) membership(addr uint64) (ChunkState, bool) {
	if _, ok := a.tcacheChunks[addr]; ok {
		return StateTcache, true
	}
	if _, ok := a.binChunks[addr]; ok {
		return StateBin, true
	}
	if _, ok := a.fastbinChunks[addr]; ok {
		return StateFastbin, true
	}
	return StateNone, false
}

// freeRank orders the free lists: tcache, then bins, then fastbins.
func freeRank(s ChunkState) int {
	switch s {
	case StateTcache:
		return 3
	case StateBin:
		return 2
	case StateFastbin:
		return 1
	}
	return 0
}

func (a *Analyzer) dropFree(state ChunkState, addr uint64) {
	switch state {
	case StateTcache:
		delete(a.tcacheChunks, addr)
	case StateBin:
		delete(a.binChunks, addr)
	case StateFastbin:
		delete(a.fastbinChunks, addr)
	}
}

// addFree records addr in one free list. The lists stay disjoint: a chunk
// found in two lists is reported and kept in the higher ranked one, whatever
// the scan order.
func (a *Analyzer) addFree(state ChunkState, addr uint64, tid int) bool {
	if prev, ok := a.membership(addr); ok {
		a.warnf(DiagDuplicateMembership, addr, "Chunk %#x found in %s but already recorded in %s", addr, state, prev)
		if freeRank(prev) >= freeRank(state) {
			return false
		}
		a.dropFree(prev, addr)
	}
	switch state {
	case StateTcache:
		a.tcacheChunks[addr] = tid
	case StateBin:
		a.binChunks[addr] = struct{}{}
	case StateFastbin:
		a.fastbinChunks[addr] = struct{}{}
	}
	return true
}

func (a *Analyzer) analyzeFreeLists() error {
	a.analyzeFastbins(a.mainAddr)
	a.analyzeBins(a.mainAddr)
	if err := a.analyzeTcache(); err != nil {
		return err
	}
	for _, r := range a.explored {
		if r.Kind != KindMallocState {
			continue
		}
		a.analyzeFastbins(r.Range.Low)
		a.analyzeBins(r.Range.Low)
	}
	return nil
}

// analyzeFastbins walks the fastbinsY heads of an arena. Each head is read
// through a pseudo chunk whose fd overlaps the slot.
func (a *Analyzer) analyzeFastbins(arena uint64) {
	for i := 0; i < NFastbins; i++ {
		pseudo := arena + fastbinsOffset - chunkFdOffset + uint64(i)*8
		var opts []proc.LoadOption
		if i == 0 {
			// The first pseudo chunk starts at the arena itself.
			opts = append(opts, proc.SkipTypeCheck())
		}
		head, err := proc.CheckedLoad[MallocChunk](a.p, pseudo, opts...)
		if err != nil {
			a.errorf(DiagListAborted, pseudo, "Fastbin %d of arena %#x: %v", i, arena, err)
			continue
		}
		a.walkFastbin(arena, i, head.Value.Fd)
	}
}

func (a *Analyzer) walkFastbin(arena uint64, bin int, head uint64) {
	seen := make(map[uint64]bool)
	for cur := head; cur != 0; {
		if seen[cur] {
			a.warnf(DiagFastbinCycle, cur, "Cycle at chunk %#x in fastbin %d of arena %#x", cur, bin, arena)
			return
		}
		seen[cur] = true
		a.addFree(StateFastbin, cur, 0)

		c, err := proc.CheckedLoad[MallocChunk](a.p, cur)
		if err != nil {
			a.errorf(DiagListAborted, cur, "Fastbin %d of arena %#x aborted at %#x: %v", bin, arena, cur, err)
			return
		}
		next := a.layout.reveal(c.Value.Fd, cur+chunkFdOffset)
		if next == cur {
			a.warnf(DiagFastbinCycle, cur, "Endless cycle in chunk %#x while iterating fastbin %d of arena %#x", cur, bin, arena)
			return
		}
		cur = next
	}
}

// analyzeBins walks every doubly linked bin until it returns to its
// sentinel. Bin links are not protected.
func (a *Analyzer) analyzeBins(arena uint64) {
	for i := 0; i < NBins-1; i++ {
		sentinel := arena + binsOffset - chunkFdOffset + uint64(i)*16
		head, err := proc.CheckedLoad[MallocChunk](a.p, sentinel)
		if err != nil {
			a.errorf(DiagListAborted, sentinel, "Bin %d of arena %#x: %v", i, arena, err)
			continue
		}
		seen := make(map[uint64]bool)
		for cur := head.Value.Fd; cur != 0 && cur != sentinel; {
			if seen[cur] {
				a.warnf(DiagListAborted, cur, "Bin %d of arena %#x loops at %#x without reaching its head", i, arena, cur)
				break
			}
			seen[cur] = true
			a.addFree(StateBin, cur, 0)

			c, err := proc.CheckedLoad[MallocChunk](a.p, cur)
			if err != nil {
				a.errorf(DiagListAborted, cur, "Bin %d of arena %#x aborted at %#x: %v", i, arena, cur, err)
				break
			}
			cur = c.Value.Fd
		}
	}
}

// analyzeTcache indexes the tcache of every thread. A thread whose tcache
// cannot be located is reported and skipped.
func (a *Analyzer) analyzeTcache() error {
	if s, ok := a.libc.Lookup("tcache"); !ok || s.Section != binary.SectionTbss {
		return ErrTcacheSymbolNotFound
	}
	threads, err := a.p.Threads()
	if err != nil {
		a.errorf(DiagThread, 0, "Failed to list threads: %v", err)
		return nil
	}
	for _, t := range threads {
		if err := a.analyzeThreadTcache(t); err != nil {
			a.threadErrorf(t.ID, "Thread %d: tcache could not be determined: %v", t.ID, err)
		}
	}
	return nil
}

func (a *Analyzer) analyzeThreadTcache(t *proc.Thread) error {
	loc, err := a.tls.Locate(t, a.libc.Path, "tcache")
	if err != nil {
		return err
	}
	ptr, err := proc.CheckedLoad[uint64](a.p, loc.Addr)
	if err != nil {
		return err
	}
	if ptr.Value == 0 {
		glog.V(1).Infof("Thread %d has no tcache yet", t.ID)
		return nil
	}
	tc, err := proc.CheckedLoad[TcachePerthread](a.p, ptr.Value)
	if err != nil {
		return err
	}

	for i := 0; i < TcacheMaxBins; i++ {
		count := int(tc.Value.Counts[i])
		if count == 0 {
			continue
		}
		if count > a.layout.TcacheCapacity {
			a.warnf(DiagTcacheCount, ptr.Value, "Thread %d tcache bin %d holds %d chunks, capacity is %d",
				t.ID, i, count, a.layout.TcacheCapacity)
		}
		first := tc.Value.Entries[i]
		if first == 0 {
			a.warnf(DiagTcacheCount, ptr.Value, "Thread %d tcache %#x bin %d is null but count is %d", t.ID, ptr.Value, i, count)
			continue
		}
		a.walkTcache(t.ID, i, first, count)
	}
	return nil
}

// walkTcache follows exactly count entries. Entries point at chunk user
// data; next links are protected.
func (a *Analyzer) walkTcache(tid, bin int, first uint64, count int) {
	cur := first
	for i := 0; ; i++ {
		if cur == 0 {
			if i != count {
				a.warnf(DiagTcacheCount, first, "Thread %d tcache bin %d ended after %d entries, expected %d", tid, bin, i, count)
			}
			return
		}
		if i == count {
			a.warnf(DiagTcacheCount, first, "Thread %d tcache bin %d exceeds the expected %d entries", tid, bin, count)
			return
		}
		e, err := proc.CheckedLoad[TcacheEntry](a.p, cur)
		if err != nil {
			a.errorf(DiagListAborted, cur, "Thread %d tcache bin %d aborted at %#x: %v", tid, bin, cur, err)
			return
		}
		a.addFree(StateTcache, cur-chunkFdOffset, tid)
		cur = a.layout.reveal(e.Value.Next, cur)
	}
}
