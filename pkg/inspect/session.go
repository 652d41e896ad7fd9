package inspect

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/monsterxx03/mallocspy/pkg/glibc"
	"github.com/monsterxx03/mallocspy/pkg/proc"
	"github.com/monsterxx03/mallocspy/pkg/procmaps"
)

var ErrNoThreadArenaView = errors.New("thread views need thread arena tagging")

// Config is what the front ends collect from flags and environment.
type Config struct {
	NonBlocking bool
	DebugDirs   []string
	Layout      glibc.Layout
	// FixedLayout keeps Layout as given instead of refining it from the
	// dynamic linker's debug info.
	FixedLayout     bool
	AllowUnverified bool
	TagThreadArenas bool
}

func DefaultConfig() Config {
	return Config{Layout: glibc.DefaultLayout(), TagThreadArenas: true}
}

// Session is one attached process plus the analyzer built on it. Methods
// are safe for concurrent use; the target is only read under the lock.
type Session struct {
	mu       sync.Mutex
	p        *proc.Process
	cfg      Config
	analyzer *glibc.Analyzer
	report   *Report
}

// Open attaches to pid.
func Open(pid int, cfg Config) (*Session, error) {
	p, err := proc.New(pid, proc.Options{NonBlocking: cfg.NonBlocking, DebugDirs: cfg.DebugDirs})
	if err != nil {
		return nil, fmt.Errorf("failed to open process %d: %w", pid, err)
	}
	return NewSession(p, cfg), nil
}

func NewSession(p *proc.Process, cfg Config) *Session {
	return &Session{p: p, cfg: cfg}
}

func (s *Session) PID() int {
	return s.p.ID
}

func (s *Session) Process() *proc.Process {
	return s.p
}

func (s *Session) Maps() procmaps.Maps {
	return s.p.Maps()
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p.Close()
}

func (s *Session) layoutLocked() glibc.Layout {
	if s.analyzer != nil {
		return s.analyzer.Layout()
	}
	layout := s.cfg.Layout
	if layout == (glibc.Layout{}) {
		layout = glibc.DefaultLayout()
	}
	if !s.cfg.FixedLayout {
		layout = glibc.RefineLayout(s.p, layout)
	}
	return layout
}

// analyzerLocked builds the analyzer on first use.
func (s *Session) analyzerLocked() (*glibc.Analyzer, error) {
	if s.analyzer != nil {
		return s.analyzer, nil
	}
	opts := []glibc.Option{
		glibc.WithLayout(s.layoutLocked()),
		glibc.WithThreadArenaTagging(s.cfg.TagThreadArenas),
	}
	if s.cfg.AllowUnverified {
		opts = append(opts, glibc.AllowUnverifiedVersion())
	}
	a, err := glibc.NewAnalyzer(s.p, opts...)
	if err != nil {
		return nil, err
	}
	s.analyzer = a
	return a, nil
}

// Analyze runs a fresh analysis and caches its report.
func (s *Session) Analyze() (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.analyzeLocked()
}

func (s *Session) analyzeLocked() (*Report, error) {
	a, err := s.analyzerLocked()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	if err := a.Analyze(); err != nil {
		return nil, err
	}
	s.report = newReport(s.p, a, time.Since(start))
	glog.V(1).Infof("Analyzed %d in %s: %d regions", s.p.ID, s.report.Duration, len(s.report.Regions))
	return s.report, nil
}

// Report returns the cached report, analyzing on first call.
func (s *Session) Report() (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.report != nil {
		return s.report, nil
	}
	return s.analyzeLocked()
}

// View is the heap of thread tid, or of the process when tid is 0.
func (s *Session) View(tid int) ([]glibc.HeapRegion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.report == nil {
		if _, err := s.analyzeLocked(); err != nil {
			return nil, err
		}
	}
	var h proc.Handle = s.p
	if tid != 0 {
		if !s.cfg.TagThreadArenas {
			return nil, ErrNoThreadArenaView
		}
		t, err := s.p.Thread(tid)
		if err != nil {
			return nil, err
		}
		h = t
	}
	return s.analyzer.ViewFor(h)
}

// ChunkInfo is a chunk read from the target plus what the last analysis
// knows about it.
type ChunkInfo struct {
	glibc.Chunk
	Region *glibc.HeapRegion `json:"region,omitempty"`
}

func (s *Session) Chunk(addr uint64) (ChunkInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := glibc.LoadChunk(s.p, addr)
	if err != nil {
		return ChunkInfo{}, err
	}
	info := ChunkInfo{Chunk: c}
	if s.analyzer != nil {
		if r, ok := s.analyzer.RegionAt(addr); ok {
			info.Region = &r
		}
	}
	return info, nil
}

// libcLocked is the glibc file hosting main_arena, falling back to the first
// file that carries GLIBC versions when no analyzer can be built.
func (s *Session) libcLocked() (string, error) {
	if a, err := s.analyzerLocked(); err == nil {
		return a.Libc(), nil
	}
	for _, f := range s.p.Symbols().Files() {
		if _, ok := f.Lookup("main_arena"); ok && f.IsGlibc() {
			return f.Path, nil
		}
	}
	return "", glibc.ErrMainArenaNotFound
}

func (s *Session) thread(tid int) (*proc.Thread, error) {
	if tid == 0 {
		tid = s.p.ID
	}
	return s.p.Thread(tid)
}

// LocateTLS finds symbol of file for thread tid. An empty file means libc,
// tid 0 the main thread.
func (s *Session) LocateTLS(tid int, file, symbol string) (glibc.TLSLocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if file == "" {
		libc, err := s.libcLocked()
		if err != nil {
			return glibc.TLSLocation{}, err
		}
		file = libc
	}
	t, err := s.thread(tid)
	if err != nil {
		return glibc.TLSLocation{}, err
	}
	return glibc.NewTLSLocator(s.p, s.layoutLocked()).Locate(t, file, symbol)
}

// ErrnoReport compares errno found by disassembly with the dtv lookup.
type ErrnoReport struct {
	TID      int                 `json:"tid"`
	Location glibc.ErrnoLocation `json:"location"`
	Value    int32               `json:"value"`
	TLSAddr  uint64              `json:"tls_addr,omitempty"`
	TLSError string              `json:"tls_error,omitempty"`
}

// Agrees reports whether both methods found the same address.
func (r ErrnoReport) Agrees() bool {
	return r.TLSError == "" && r.TLSAddr == r.Location.Addr
}

func (s *Session) Errno(tid int) (ErrnoReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	libc, err := s.libcLocked()
	if err != nil {
		return ErrnoReport{}, err
	}
	t, err := s.thread(tid)
	if err != nil {
		return ErrnoReport{}, err
	}
	loc, err := glibc.LocateErrno(t, libc)
	if err != nil {
		return ErrnoReport{}, err
	}
	v, err := proc.Load[int32](s.p, loc.Addr)
	if err != nil {
		return ErrnoReport{}, err
	}
	r := ErrnoReport{TID: t.ID, Location: loc, Value: v.Value}

	tls, err := glibc.NewTLSLocator(s.p, s.layoutLocked()).Locate(t, libc, "errno")
	if err != nil {
		r.TLSError = err.Error()
	} else {
		r.TLSAddr = tls.Addr
	}
	return r, nil
}

type ThreadStatus struct {
	TID           int    `json:"tid"`
	State         string `json:"state"`
	ThreadPointer uint64 `json:"thread_pointer,omitempty"`
	Arena         uint64 `json:"arena,omitempty"`
	MainArena     bool   `json:"main_arena,omitempty"`
}

// Threads lists the threads with their state and, after an analysis, their arena.
func (s *Session) Threads() ([]ThreadStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	threads, err := s.p.Threads()
	if err != nil {
		return nil, err
	}
	arenas := make(map[int]glibc.ThreadArena)
	if s.analyzer != nil {
		for _, ta := range s.analyzer.ThreadArenas() {
			arenas[ta.TID] = ta
		}
	}
	out := make([]ThreadStatus, 0, len(threads))
	for _, t := range threads {
		st := ThreadStatus{TID: t.ID, State: t.State()}
		if tp, err := t.ThreadPointer(); err == nil {
			st.ThreadPointer = tp
		}
		if ta, ok := arenas[t.ID]; ok {
			st.Arena = ta.Base
			st.MainArena = ta.Main
		}
		out = append(out, st)
	}
	return out, nil
}
