package glibc

type StateSummary struct {
	State ChunkState `json:"state"`
	Count int        `json:"count"`
	Bytes uint64     `json:"bytes"`
}

// Summary aggregates a list of explored regions.
type Summary struct {
	Version      string         `json:"version,omitempty"`
	Libc         string         `json:"libc,omitempty"`
	MainArena    uint64         `json:"main_arena,omitempty"`
	Arenas       int            `json:"arenas"`
	FreedArenas  int            `json:"freed_arenas"`
	HeapBlocks   int            `json:"heap_blocks"`
	Chunks       int            `json:"chunks"`
	Bytes        uint64         `json:"bytes"`
	States       []StateSummary `json:"states"`
	ThreadArenas int            `json:"thread_arenas"`
	Diagnostics  int            `json:"diagnostics"`
}

// Count returns the number of chunks in state s.
func (s Summary) Count(state ChunkState) int {
	for _, st := range s.States {
		if st.State == state {
			return st.Count
		}
	}
	return 0
}

func (s Summary) Free() (count int, bytes uint64) {
	for _, st := range s.States {
		if st.State != StateActive && st.State != StateMmapped {
			count += st.Count
			bytes += st.Bytes
		}
	}
	return count, bytes
}

func Summarize(regions []HeapRegion) Summary {
	var s Summary
	byState := make(map[ChunkState]*StateSummary)
	for _, st := range ChunkStates {
		s.States = append(s.States, StateSummary{State: st})
	}
	for i := range s.States {
		byState[s.States[i].State] = &s.States[i]
	}

	for _, r := range regions {
		switch r.Kind {
		case KindMallocState:
			s.Arenas++
			if r.HasOrigin(FreedArena()) {
				s.FreedArenas++
			}
		case KindHeapInfo:
			s.HeapBlocks++
		case KindChunk:
			s.Chunks++
			s.Bytes += r.Range.Size()
			if st, ok := byState[r.State]; ok {
				st.Count++
				st.Bytes += r.Range.Size()
			}
		}
	}
	return s
}

// Summary describes the last Analyze. Arenas include main_arena.
func (a *Analyzer) Summary() Summary {
	s := Summarize(a.explored)
	s.Arenas++
	s.Version = a.version.String()
	s.Libc = a.libc.Path
	s.MainArena = a.mainAddr
	s.ThreadArenas = len(a.threadArenas)
	s.Diagnostics = len(a.diagnostics)
	return s
}
