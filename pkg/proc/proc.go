package proc

import (
	"errors"
	"fmt"
	"time"

	gbin "github.com/monsterxx03/mallocspy/pkg/binary"
	"github.com/monsterxx03/mallocspy/pkg/procmaps"
)

// Options controls how a live process is opened.
type Options struct {
	// NonBlocking skips ptrace. Memory is still readable but the target keeps
	// running and thread pointers are unavailable.
	NonBlocking bool
	DebugDirs   []string
}

// Process wraps a stopped target: its memory, maps, resolved symbols and the
// type bindings of everything loaded so far.
type Process struct {
	ID int

	exe        string
	reader     MemReader
	maps       procmaps.Maps
	symbols    *SymbolTable
	tags       *TagTable
	loaders    map[string]gbin.SymbolLoader
	attachedAt time.Time
}

// Handle is anything that identifies a process session: the process itself
// or one of its threads.
type Handle interface {
	Process() *Process
}

// NewWithReader builds a session from already gathered collaborators.
func NewWithReader(pid int, reader MemReader, maps procmaps.Maps, symbols *SymbolTable) *Process {
	if symbols == nil {
		symbols = NewSymbolTable(nil)
	}
	return &Process{
		ID:         pid,
		reader:     reader,
		maps:       maps,
		symbols:    symbols,
		tags:       NewTagTable(),
		loaders:    make(map[string]gbin.SymbolLoader),
		attachedAt: time.Now(),
	}
}

func (p *Process) Process() *Process {
	return p
}

func (p *Process) Maps() procmaps.Maps {
	return p.maps
}

func (p *Process) Symbols() *SymbolTable {
	return p.symbols
}

func (p *Process) Tags() *TagTable {
	return p.tags
}

// Exe is the path of the main executable, empty when unknown.
func (p *Process) Exe() string {
	return p.exe
}

// Loader returns the ELF loader of a mapped file, if it was loaded.
func (p *Process) Loader(path string) (gbin.SymbolLoader, bool) {
	l, ok := p.loaders[path]
	return l, ok
}

// Uptime is how long the session has been open.
func (p *Process) Uptime() time.Duration {
	return time.Since(p.attachedAt)
}

func (p *Process) ReadAt(buf []byte, off int64) (int, error) {
	return p.reader.ReadAt(buf, off)
}

func (p *Process) Threads() ([]*Thread, error) {
	tids, err := p.reader.ThreadIDs()
	if err != nil {
		return nil, fmt.Errorf("failed to list threads of %d: %w", p.ID, err)
	}
	threads := make([]*Thread, 0, len(tids))
	for _, tid := range tids {
		threads = append(threads, &Thread{ID: tid, proc: p})
	}
	return threads, nil
}

// Thread returns the handle of tid if it belongs to the process.
func (p *Process) Thread(tid int) (*Thread, error) {
	tids, err := p.reader.ThreadIDs()
	if err != nil {
		return nil, err
	}
	for _, id := range tids {
		if id == tid {
			return &Thread{ID: tid, proc: p}, nil
		}
	}
	return nil, fmt.Errorf("thread %d not found in process %d", tid, p.ID)
}

// Close resumes the target and releases every file.
func (p *Process) Close() error {
	var errs []error
	for _, l := range p.loaders {
		errs = append(errs, l.Close())
	}
	if p.reader != nil {
		errs = append(errs, p.reader.Close())
	}
	return errors.Join(errs...)
}
