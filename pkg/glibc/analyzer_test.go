package glibc

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/monsterxx03/mallocspy/pkg/binary"
	"github.com/monsterxx03/mallocspy/pkg/proc"
)

func analyze(t *testing.T, w *world, opts ...Option) *Analyzer {
	t.Helper()
	a, err := NewAnalyzer(w.p, opts...)
	if err != nil {
		t.Fatalf("NewAnalyzer failed: %v", err)
	}
	if err := a.Analyze(); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	return a
}

func labels(regions []HeapRegion) []string {
	out := make([]string, 0, len(regions))
	for _, r := range regions {
		out = append(out, r.Label())
	}
	return out
}

func lows(regions []HeapRegion) []uint64 {
	out := make([]uint64, 0, len(regions))
	for _, r := range regions {
		out = append(out, r.Range.Low)
	}
	return out
}

func diagnosticsOf(a *Analyzer, kind DiagnosticKind) []Diagnostic {
	var out []Diagnostic
	for _, d := range a.Diagnostics() {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

func TestNewAnalyzerPreconditions(t *testing.T) {
	w := newWorld(t)
	libc := proc.MappedFile{
		Path: libcPath,
		Bias: libcText,
		Symbols: []proc.ResolvedSymbol{
			{Name: "main_arena", Range: proc.MemRange{Low: mainArena, High: mainArena + mallocStateSize}, Section: binary.SectionData, File: libcPath},
		},
		Versions: []binary.Version{{Major: 2, Minor: 36}},
	}
	old := libc
	old.Versions = []binary.Version{{Major: 2, Minor: 31}}
	noArena := libc
	noArena.Symbols = nil
	app := proc.MappedFile{
		Path: "/usr/bin/app",
		Bias: 0x555555554000,
		Symbols: []proc.ResolvedSymbol{
			{Name: "main_arena", Range: proc.MemRange{Low: 0x555555554100, High: 0x555555554100 + mallocStateSize}, Section: binary.SectionData, File: "/usr/bin/app"},
		},
	}

	tests := []struct {
		name    string
		p       *proc.Process
		wantErr error
	}{
		{"no memory map", proc.NewWithReader(1, w.mem, nil, proc.NewSymbolTable([]proc.MappedFile{libc})), ErrNoMemoryMap},
		{"no symbols", proc.NewWithReader(1, w.mem, w.mem.Maps(), nil), ErrNoSymbols},
		{"no main_arena", proc.NewWithReader(1, w.mem, w.mem.Maps(), proc.NewSymbolTable([]proc.MappedFile{noArena})), ErrMainArenaNotFound},
		{"not glibc", proc.NewWithReader(1, w.mem, w.mem.Maps(), proc.NewSymbolTable([]proc.MappedFile{app})), ErrOnlyGlibcMalloc},
		{"unverified version", proc.NewWithReader(1, w.mem, w.mem.Maps(), proc.NewSymbolTable([]proc.MappedFile{old})), ErrUnverifiedVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAnalyzer(tt.p)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	p := proc.NewWithReader(1, w.mem, w.mem.Maps(), proc.NewSymbolTable([]proc.MappedFile{old}))
	a, err := NewAnalyzer(p, AllowUnverifiedVersion())
	if err != nil {
		t.Fatalf("AllowUnverifiedVersion: %v", err)
	}
	if a.Version() != (binary.Version{Major: 2, Minor: 31}) {
		t.Errorf("unexpected version %s", a.Version())
	}
}

func TestAnalyzeMainHeap(t *testing.T) {
	w := newWorld(t)
	a := analyze(t, w)

	view, err := a.ViewFor(w.p)
	if err != nil {
		t.Fatal(err)
	}
	wantLabels := []string{"active", "active", "tcache", "tcache", "fastbin", "bin", "active", "orphaned-free", "active"}
	if got := labels(view); !reflect.DeepEqual(got, wantLabels) {
		t.Errorf("main view labels:\n got %v\nwant %v", got, wantLabels)
	}
	wantLows := []uint64{c0, c1, c2, c3, c4, c5, c6, c7, c8}
	if got := lows(view); !reflect.DeepEqual(got, wantLows) {
		t.Errorf("main view addresses:\n got %#x\nwant %#x", got, wantLows)
	}
	if view[len(view)-1].Range.High != heapTop {
		t.Errorf("main view ends at %#x, want top %#x", view[len(view)-1].Range.High, heapTop)
	}

	for _, addr := range []uint64{c2, c3} {
		r, ok := a.RegionAt(addr)
		if !ok {
			t.Fatalf("no region at %#x", addr)
		}
		if !r.HasOrigin(TLSTcache(mainTID)) || !r.HasOrigin(MainHeap()) {
			t.Errorf("region %s: unexpected origins", r)
		}
	}

	prev := diagnosticsOf(a, DiagPrevInUse)
	if len(prev) != 1 || prev[0].Addr != c7 {
		t.Errorf("expected one prev-in-use diagnostic at %#x, got %v", uint64(c7), prev)
	}
	if n := len(a.Diagnostics()); n != 1 {
		t.Errorf("expected 1 diagnostic, got %d: %v", n, a.Diagnostics())
	}
}

func TestAnalyzeThreadViews(t *testing.T) {
	w := newWorld(t)
	a := analyze(t, w)

	view, err := a.ViewFor(w.thread(t, workTID))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"malloc_state", "heap_info", "active", "tcache", "active"}
	if got := labels(view); !reflect.DeepEqual(got, want) {
		t.Errorf("worker view:\n got %v\nwant %v", got, want)
	}
	wantLows := []uint64{threadArena, threadHeap, t0, t1, t2}
	if got := lows(view); !reflect.DeepEqual(got, wantLows) {
		t.Errorf("worker view addresses:\n got %#x\nwant %#x", got, wantLows)
	}
	if !view[3].HasOrigin(TLSTcache(workTID)) {
		t.Errorf("tcache chunk %s lacks the worker origin", view[3])
	}

	mainView, err := a.ViewFor(w.thread(t, mainTID))
	if err != nil {
		t.Fatal(err)
	}
	procView, _ := a.ViewFor(w.p)
	if !reflect.DeepEqual(lows(mainView), lows(procView)) {
		t.Errorf("main thread view differs from process view")
	}

	arenas := a.ThreadArenas()
	if len(arenas) != 2 || !arenas[0].Main || arenas[1].Main || arenas[1].Base != threadArena {
		t.Errorf("unexpected thread arenas %+v", arenas)
	}
	if arenas[1].Location.Addr != workTLS+tArenaOff {
		t.Errorf("thread_arena of %d at %#x, want %#x", workTID, arenas[1].Location.Addr, uint64(workTLS+tArenaOff))
	}
}

func TestFreeListsAreDisjoint(t *testing.T) {
	w := newWorld(t)
	a := analyze(t, w)

	seen := make(map[uint64]string)
	add := func(list string, addr uint64) {
		if prev, ok := seen[addr]; ok {
			t.Errorf("chunk %#x in both %s and %s", addr, prev, list)
		}
		seen[addr] = list
	}
	for addr := range a.TcacheChunks() {
		add("tcache", addr)
	}
	for _, addr := range a.FastbinChunks() {
		add("fastbin", addr)
	}
	for _, addr := range a.BinChunks() {
		add("bin", addr)
	}
	if len(seen) != 5 {
		t.Errorf("expected 5 free chunks, got %d", len(seen))
	}
	if tid := a.TcacheChunks()[t1]; tid != workTID {
		t.Errorf("chunk %#x in tcache of %d, want %d", uint64(t1), tid, workTID)
	}
}

func TestDuplicateMembershipFollowsPrecedence(t *testing.T) {
	tests := []struct {
		name  string
		addr  uint64
		setup func(w *world)
		want  ChunkState
	}{
		{
			// scanned as a fastbin first, then found in the unsorted bin
			name:  "bin over fastbin",
			addr:  c5,
			setup: func(w *world) { w.mem.PutU64(mainArena+fastbinsOffset+16, c5) },
			want:  StateBin,
		},
		{
			// main arena lists are scanned before any tcache
			name: "tcache over fastbin",
			addr: c4,
			setup: func(w *world) {
				w.mem.PutU16(c0+0x10+2, 1)
				w.mem.PutU64(c0+0x10+tcacheEntriesBase+8, c4+0x10)
			},
			want: StateTcache,
		},
		{
			name: "tcache over bin",
			addr: c5,
			setup: func(w *world) {
				w.mem.PutU16(c0+0x10+2*7, 1)
				w.mem.PutU64(c0+0x10+tcacheEntriesBase+8*7, c5+0x10)
			},
			want: StateTcache,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWorld(t)
			tt.setup(w)
			a := analyze(t, w)

			r, _ := a.RegionAt(tt.addr)
			if r.State != tt.want {
				t.Errorf("%#x is %s, want %s", tt.addr, r.State, tt.want)
			}
			if tt.want == StateTcache {
				if !r.HasOrigin(TLSTcache(mainTID)) {
					t.Errorf("region %s lacks the tcache origin of %d", r, mainTID)
				}
				if tid, ok := a.TcacheChunks()[tt.addr]; !ok || tid != mainTID {
					t.Errorf("%#x not in the tcache of %d", tt.addr, mainTID)
				}
			}

			var lists int
			if _, ok := a.TcacheChunks()[tt.addr]; ok {
				lists++
			}
			for _, l := range [][]uint64{a.FastbinChunks(), a.BinChunks()} {
				for _, addr := range l {
					if addr == tt.addr {
						lists++
					}
				}
			}
			if lists != 1 {
				t.Errorf("%#x recorded in %d free lists", tt.addr, lists)
			}
			if d := diagnosticsOf(a, DiagDuplicateMembership); len(d) != 1 || d[0].Addr != tt.addr {
				t.Errorf("unexpected duplicate diagnostics %v", d)
			}
		})
	}
}

func TestAnalyzeTwiceDiscardsPreviousResult(t *testing.T) {
	w := newWorld(t)
	a := analyze(t, w)
	first := a.Explored()

	if err := a.Analyze(); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(lows(first), lows(a.Explored())) {
		t.Errorf("second run explored a different heap")
	}
	diags := a.Diagnostics()
	if len(diags) == 0 || diags[0].Kind != DiagStaleResult {
		t.Errorf("expected a stale result diagnostic first, got %v", diags)
	}
}

func TestArenaRing(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(w *world)
		wantArenas int
		wantDiag   bool
	}{
		{
			name:       "main only",
			setup:      func(w *world) { w.mem.PutU64(mainArena+2160, mainArena) },
			wantArenas: 0,
		},
		{
			name:       "main and one thread arena",
			setup:      func(w *world) {},
			wantArenas: 1,
		},
		{
			name:       "main and two thread arenas",
			setup:      func(w *world) { w.addThreadArena(0x7efe00000000, threadArena) },
			wantArenas: 2,
		},
		{
			name:       "ring not closing at main",
			setup:      func(w *world) { w.mem.PutU64(threadArena+2160, threadArena) },
			wantArenas: 1,
			wantDiag:   true,
		},
		{
			name:       "null next",
			setup:      func(w *world) { w.mem.PutU64(mainArena+2160, 0) },
			wantArenas: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWorld(t)
			tt.setup(w)
			a := analyze(t, w, WithThreadArenaTagging(false))

			var arenas int
			for _, r := range a.Explored() {
				if r.Kind == KindMallocState {
					arenas++
				}
			}
			if arenas != tt.wantArenas {
				t.Errorf("expected %d thread arenas, got %d", tt.wantArenas, arenas)
			}
			if got := len(diagnosticsOf(a, DiagArena)) > 0; got != tt.wantDiag {
				t.Errorf("arena diagnostic: got %v, want %v", got, tt.wantDiag)
			}
		})
	}
}

func TestArenaWithTwoHeapBlocks(t *testing.T) {
	w := newWorld(t)
	hb2 := uint64(threadHeap + 64<<20)
	w.growThreadArena(hb2)
	a := analyze(t, w)

	view, err := a.ViewFor(w.thread(t, workTID))
	if err != nil {
		t.Fatal(err)
	}
	var blocks []uint64
	var second, first []HeapRegion
	for _, r := range view {
		switch {
		case r.Kind == KindHeapInfo:
			blocks = append(blocks, r.Range.Low)
		case r.Kind != KindChunk:
		case r.Range.Low >= hb2:
			second = append(second, r)
		default:
			first = append(first, r)
		}
	}
	if want := []uint64{hb2, threadHeap}; !reflect.DeepEqual(blocks, want) {
		t.Errorf("heap blocks:\n got %#x\nwant %#x", blocks, want)
	}

	if want := []uint64{hb2 + 0x30, hb2 + 0x60}; !reflect.DeepEqual(lows(second), want) {
		t.Errorf("second block chunks:\n got %#x\nwant %#x", lows(second), want)
	}
	if n := len(second); n > 0 && second[n-1].Range.High != hb2+0x80 {
		t.Errorf("second block ends at %#x, want top %#x", second[n-1].Range.High, hb2+0x80)
	}

	// the old top chunk is an ordinary chunk now, and runs to the block end
	if want := []uint64{t0, t1, t2, threadTop}; !reflect.DeepEqual(lows(first), want) {
		t.Errorf("first block chunks:\n got %#x\nwant %#x", lows(first), want)
	}
	if n := len(first); n > 0 && first[n-1].Range.High != threadHeap+0x21000 {
		t.Errorf("first block ends at %#x", first[n-1].Range.High)
	}

	if d := append(diagnosticsOf(a, DiagHeapBlock), diagnosticsOf(a, DiagTopNotMapped)...); len(d) != 0 {
		t.Errorf("unexpected heap block diagnostics %v", d)
	}
	if s := a.Summary(); s.HeapBlocks != 2 {
		t.Errorf("expected 2 heap blocks, got %d", s.HeapBlocks)
	}
}

func TestMissingThreadArenaSymbol(t *testing.T) {
	w := newWorld(t)
	w.hideSymbols("thread_arena")
	a := analyze(t, w)

	d := diagnosticsOf(a, DiagThread)
	if len(d) != 1 || d[0].TID != 0 || !strings.Contains(d[0].Message, "thread_arena") {
		t.Errorf("expected one thread_arena diagnostic, got %v", d)
	}
	if len(a.ThreadArenas()) != 0 {
		t.Errorf("threads tagged without thread_arena: %+v", a.ThreadArenas())
	}
	if _, err := a.ViewFor(w.thread(t, workTID)); !errors.Is(err, ErrArenaForSessionNotFound) {
		t.Errorf("expected ErrArenaForSessionNotFound, got %v", err)
	}
	view, err := a.ViewFor(w.p)
	if err != nil {
		t.Fatal(err)
	}
	if want := []uint64{c0, c1, c2, c3, c4, c5, c6, c7, c8}; !reflect.DeepEqual(lows(view), want) {
		t.Errorf("process view:\n got %#x\nwant %#x", lows(view), want)
	}
}

func TestFastbinCycle(t *testing.T) {
	w := newWorld(t)
	w.mem.PutU64(c4+0x10, w.protect(c4, c4+0x10))
	a := analyze(t, w)

	if d := diagnosticsOf(a, DiagFastbinCycle); len(d) != 1 || d[0].Addr != c4 {
		t.Errorf("unexpected cycle diagnostics %v", d)
	}
	if r, _ := a.RegionAt(c4); r.State != StateFastbin {
		t.Errorf("c4 is %s, want fastbin", r.State)
	}
}

func TestTcacheCountMismatch(t *testing.T) {
	tests := []struct {
		name      string
		count     uint16
		wantC2    ChunkState
		wantDiags int
	}{
		{"list shorter than count", 3, StateTcache, 1},
		{"list longer than count", 1, StateActive, 1},
		{"count above capacity", 8, StateTcache, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWorld(t)
			w.mem.PutU16(c0+0x10, tt.count)
			a := analyze(t, w)

			if r, _ := a.RegionAt(c2); r.State != tt.wantC2 {
				t.Errorf("c2 is %s, want %s", r.State, tt.wantC2)
			}
			if r, _ := a.RegionAt(c3); r.State != StateTcache {
				t.Errorf("c3 is %s, want tcache", r.State)
			}
			if n := len(diagnosticsOf(a, DiagTcacheCount)); n != tt.wantDiags {
				t.Errorf("expected %d tcache diagnostics, got %d", tt.wantDiags, n)
			}
		})
	}
}

func TestThreadFailureIsReported(t *testing.T) {
	w := newWorld(t)
	// the worker's dtv slot for libc is not allocated yet
	w.mem.PutU64(workDtv+16*libcModID, TLSDtvUnallocated)
	a := analyze(t, w)

	var tids []int
	for _, d := range diagnosticsOf(a, DiagThread) {
		tids = append(tids, d.TID)
	}
	if !reflect.DeepEqual(tids, []int{workTID, workTID}) {
		t.Errorf("expected thread diagnostics for %d, got %v", workTID, tids)
	}
	if _, err := a.ViewFor(w.thread(t, workTID)); !errors.Is(err, ErrArenaForSessionNotFound) {
		t.Errorf("expected ErrArenaForSessionNotFound, got %v", err)
	}
	if r, _ := a.RegionAt(t1); r.State != StateActive {
		t.Errorf("t1 is %s without the worker tcache, want active", r.State)
	}
}

type fakeHandle struct{ p *proc.Process }

func (h fakeHandle) Process() *proc.Process { return h.p }

func TestViewForErrors(t *testing.T) {
	w := newWorld(t)
	a := analyze(t, w, WithThreadArenaTagging(false))

	if _, err := a.ViewFor(fakeHandle{w.p}); !errors.Is(err, ErrUnknownSessionType) {
		t.Errorf("expected ErrUnknownSessionType, got %v", err)
	}
	if _, err := a.ViewFor(w.thread(t, mainTID)); !errors.Is(err, ErrArenaForSessionNotFound) {
		t.Errorf("expected ErrArenaForSessionNotFound, got %v", err)
	}
}

func TestFreedArena(t *testing.T) {
	w := newWorld(t)
	w.mem.PutU64(freeList, threadArena)
	a := analyze(t, w)

	for _, r := range a.Explored() {
		if r.HasOrigin(ThreadHeap(threadArena)) && !r.HasOrigin(FreedArena()) {
			t.Errorf("region %s of the freed arena lacks the freed tag", r)
		}
	}
	s := a.Summary()
	if s.Arenas != 2 || s.FreedArenas != 1 {
		t.Errorf("unexpected arena counts %d/%d", s.Arenas, s.FreedArenas)
	}
}

func TestSummary(t *testing.T) {
	w := newWorld(t)
	a := analyze(t, w)
	s := a.Summary()

	if s.Version != "2.36" || s.Libc != libcPath || s.MainArena != mainArena {
		t.Errorf("unexpected header %+v", s)
	}
	if s.Arenas != 2 || s.HeapBlocks != 1 || s.Chunks != 12 || s.ThreadArenas != 2 {
		t.Errorf("unexpected counts %+v", s)
	}
	counts := map[ChunkState]int{
		StateActive:       6,
		StateTcache:       3,
		StateFastbin:      1,
		StateBin:          1,
		StateOrphanedFree: 1,
		StateMmapped:      0,
	}
	for st, want := range counts {
		if got := s.Count(st); got != want {
			t.Errorf("%s: got %d, want %d", st, got, want)
		}
	}
	if n, bytes := s.Free(); n != 6 || bytes != 0x20*3+0x30+0x90+0x40 {
		t.Errorf("free: got %d chunks %#x bytes", n, bytes)
	}
}
