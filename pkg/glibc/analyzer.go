package glibc

import (
	"fmt"
	"sort"

	"github.com/golang/glog"

	"github.com/monsterxx03/mallocspy/pkg/binary"
	"github.com/monsterxx03/mallocspy/pkg/proc"
	"github.com/monsterxx03/mallocspy/pkg/procmaps"
)

// ThreadArena is the arena a thread allocates from, read from its
// thread_arena variable.
type ThreadArena struct {
	TID      int         `json:"tid"`
	Base     uint64      `json:"base"`
	Main     bool        `json:"main"`
	Location TLSLocation `json:"location"`
}

type Option func(*Analyzer)

func WithLayout(l Layout) Option {
	return func(a *Analyzer) { a.layout = l }
}

// WithThreadArenaTagging controls whether thread_arena is located for every
// thread. ViewFor a thread needs it; it is on by default.
func WithThreadArenaTagging(on bool) Option {
	return func(a *Analyzer) { a.tagThreadArenas = on }
}

// AllowUnverifiedVersion accepts a glibc outside binary.ValidatedGlibc.
func AllowUnverifiedVersion() Option {
	return func(a *Analyzer) { a.allowUnverified = true }
}

// Analyzer reconstructs the glibc malloc heap of a stopped process.
type Analyzer struct {
	p               *proc.Process
	layout          Layout
	tls             *TLSLocator
	tagThreadArenas bool
	allowUnverified bool

	libc      *proc.MappedFile
	version   binary.Version
	mainAddr  uint64
	mainArena MallocState

	threadArenas  map[int]ThreadArena
	tcacheChunks  map[uint64]int
	fastbinChunks map[uint64]struct{}
	binChunks     map[uint64]struct{}

	// main_arena lives in libc's .data and is not part of explored.
	explored    []HeapRegion
	diagnostics []Diagnostic
	runs        int
}

// NewAnalyzer checks that p carries a memory map and symbols, and that
// main_arena is defined by a validated glibc.
func NewAnalyzer(p *proc.Process, opts ...Option) (*Analyzer, error) {
	a := &Analyzer{p: p, layout: DefaultLayout(), tagThreadArenas: true}
	for _, opt := range opts {
		opt(a)
	}
	a.tls = NewTLSLocator(p, a.layout)
	a.reset()

	if len(p.Maps()) == 0 {
		return nil, ErrNoMemoryMap
	}
	if p.Symbols() == nil || len(p.Symbols().Files()) == 0 {
		return nil, ErrNoSymbols
	}

	sym, err := findMainArena(p)
	if err != nil {
		return nil, err
	}
	m, ok := p.Maps().Find(sym.Range.Low)
	f, fok := p.Symbols().File(sym.File)
	if !ok || m.Kind() != procmaps.File || m.Filename != sym.File || !fok || !f.IsGlibc() {
		return nil, fmt.Errorf("%w: %s", ErrOnlyGlibcMalloc, sym.File)
	}
	a.libc = f

	a.version, _ = binary.Latest(f.Versions)
	if !binary.IsValidated(a.version) {
		if !a.allowUnverified {
			return nil, fmt.Errorf("%w: %s in %s, validated %v", ErrUnverifiedVersion, a.version, f.Path, binary.ValidatedGlibc)
		}
		glog.Warningf("Analyzing unverified glibc %s in %s", a.version, f.Path)
	}

	a.mainAddr = sym.Range.Low
	main, err := proc.CheckedLoad[MallocState](p, a.mainAddr)
	if err != nil {
		return nil, fmt.Errorf("main_arena: %w", err)
	}
	a.mainArena = main.Value
	return a, nil
}

func findMainArena(p *proc.Process) (proc.ResolvedSymbol, error) {
	for _, f := range p.Symbols().Files() {
		s, ok := f.Lookup("main_arena")
		if ok && (s.Section == binary.SectionData || s.Section == binary.SectionBss) {
			return s, nil
		}
	}
	return proc.ResolvedSymbol{}, ErrMainArenaNotFound
}

func (a *Analyzer) reset() {
	a.threadArenas = make(map[int]ThreadArena)
	a.tcacheChunks = make(map[uint64]int)
	a.fastbinChunks = make(map[uint64]struct{})
	a.binChunks = make(map[uint64]struct{})
	a.explored = nil
	a.diagnostics = nil
}

// Analyze runs the five phases. A previous result is discarded.
func (a *Analyzer) Analyze() error {
	stale := len(a.explored)
	a.reset()
	if a.runs > 0 {
		a.warnf(DiagStaleResult, 0, "Discarding previous explored heap of %d regions", stale)
	}
	a.runs++

	main, err := proc.CheckedLoad[MallocState](a.p, a.mainAddr)
	if err != nil {
		return fmt.Errorf("main_arena: %w", err)
	}
	a.mainArena = main.Value

	a.localizeThreadArenas()
	a.localizeFreedArenas()
	if a.tagThreadArenas {
		a.tagThreads()
	}
	glog.V(1).Infof("Phase 1: %d arenas besides main_arena", len(a.explored))

	a.analyzeHeapBlocks()
	glog.V(1).Infof("Phase 2: %d regions", len(a.explored))

	if err := a.analyzeFreeLists(); err != nil {
		return err
	}
	glog.V(1).Infof("Phase 3: %d tcache, %d fastbin, %d bin chunks",
		len(a.tcacheChunks), len(a.fastbinChunks), len(a.binChunks))

	a.traverseMainArena()
	a.traverseThreadArenas()
	glog.V(1).Infof("Analysis done: %d regions, %d diagnostics", len(a.explored), len(a.diagnostics))
	return nil
}

// ViewFor filters the explored heap down to what belongs to h: the main
// heap for a process, the heap of its thread_arena for a thread.
func (a *Analyzer) ViewFor(h proc.Handle) ([]HeapRegion, error) {
	var want Origin
	switch s := h.(type) {
	case *proc.Thread:
		ta, ok := a.threadArenas[s.ID]
		if !ok {
			return nil, fmt.Errorf("%w: thread %d", ErrArenaForSessionNotFound, s.ID)
		}
		if ta.Main {
			want = MainHeap()
		} else {
			want = ThreadHeap(ta.Base)
		}
	case *proc.Process:
		want = MainHeap()
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownSessionType, h)
	}

	var view []HeapRegion
	for _, r := range a.explored {
		if r.HasOrigin(want) {
			view = append(view, r)
		}
	}
	return view, nil
}

func (a *Analyzer) Process() *proc.Process {
	return a.p
}

func (a *Analyzer) Layout() Layout {
	return a.layout
}

func (a *Analyzer) TLS() *TLSLocator {
	return a.tls
}

// Libc is the path of the file defining main_arena.
func (a *Analyzer) Libc() string {
	return a.libc.Path
}

func (a *Analyzer) Version() binary.Version {
	return a.version
}

func (a *Analyzer) MainArena() uint64 {
	return a.mainAddr
}

// Explored returns a copy of the result of the last Analyze.
func (a *Analyzer) Explored() []HeapRegion {
	return append([]HeapRegion(nil), a.explored...)
}

func (a *Analyzer) Diagnostics() []Diagnostic {
	return append([]Diagnostic(nil), a.diagnostics...)
}

// RegionAt returns the explored region starting at addr.
func (a *Analyzer) RegionAt(addr uint64) (HeapRegion, bool) {
	for _, r := range a.explored {
		if r.Range.Low == addr {
			return r, true
		}
	}
	return HeapRegion{}, false
}

func (a *Analyzer) ThreadArenas() []ThreadArena {
	out := make([]ThreadArena, 0, len(a.threadArenas))
	for _, ta := range a.threadArenas {
		out = append(out, ta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TID < out[j].TID })
	return out
}

// TcacheChunks maps chunk base addresses to the thread whose tcache holds them.
func (a *Analyzer) TcacheChunks() map[uint64]int {
	out := make(map[uint64]int, len(a.tcacheChunks))
	for k, v := range a.tcacheChunks {
		out[k] = v
	}
	return out
}

func (a *Analyzer) FastbinChunks() []uint64 {
	return sortedKeys(a.fastbinChunks)
}

func (a *Analyzer) BinChunks() []uint64 {
	return sortedKeys(a.binChunks)
}

func sortedKeys(m map[uint64]struct{}) []uint64 {
	out := make([]uint64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
