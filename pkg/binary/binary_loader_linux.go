//go:build linux

package binary

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/golang/glog"
)

type LinuxBinaryLoader struct {
	file      *elf.File
	path      string
	debugDirs []string

	debugFile *elf.File
	debugPath string

	// Cache control
	loadOnce sync.Once // Ensures symbols are loaded only once
	symbols  []Symbol
	byName   map[string]int
	versions []Version
	loadErr  error

	dwarf *dwarfLoader
}

// NewBinaryLoader returns a loader that searches extraDebugDirs before
// DefaultDebugRoot for separate debug files.
func NewBinaryLoader(extraDebugDirs ...string) SymbolLoader {
	dirs := append(append([]string(nil), extraDebugDirs...), DefaultDebugRoot)
	return &LinuxBinaryLoader{debugDirs: dirs}
}

func (l *LinuxBinaryLoader) Path() string {
	return l.path
}

func (l *LinuxBinaryLoader) DebugPath() string {
	return l.debugPath
}

func (l *LinuxBinaryLoader) Entry() uint64 {
	return l.file.Entry
}

func (l *LinuxBinaryLoader) PtrSize() int {
	if l.file.Class == elf.ELFCLASS64 {
		return 8
	}
	return 4
}

func (l *LinuxBinaryLoader) LoadByPid(pid int) error {
	exePath := fmt.Sprintf("/proc/%d/exe", pid)
	targetPath, err := os.Readlink(exePath)
	if err != nil {
		return fmt.Errorf("failed to read process exe link: %w", err)
	}
	return l.Load(targetPath)
}

func (l *LinuxBinaryLoader) Load(filePath string) error {
	file, err := elf.Open(filePath)
	if os.IsNotExist(err) {
		return ErrBinaryNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExecutable, err)
	}
	l.file = file
	l.path = filePath

	if file.Section(".symtab") == nil {
		debugPath, err := findDebugFile(filePath, file, l.debugDirs)
		if err != nil {
			glog.V(1).Infof("%s has no static symbols: %v", filePath, err)
		} else if dbg, err := elf.Open(debugPath); err != nil {
			glog.Warningf("Failed to open debug file %s: %v", debugPath, err)
		} else {
			l.debugFile = dbg
			l.debugPath = debugPath
			glog.V(1).Infof("Using debug file %s for %s", debugPath, filePath)
		}
	}

	if l.debugFile != nil {
		l.dwarf = newDwarfLoader(l.debugFile)
	} else {
		l.dwarf = newDwarfLoader(file)
	}
	return nil
}

func (l *LinuxBinaryLoader) Symbols() ([]Symbol, error) {
	// This will execute the loading function exactly once
	l.loadOnce.Do(func() {
		if l.file == nil {
			l.loadErr = errors.New("binary not loaded")
			return
		}
		l.byName = make(map[string]int)

		dyn, err := l.file.DynamicSymbols()
		if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
			l.loadErr = fmt.Errorf("failed to get dynamic symbols: %w", err)
			return
		}
		l.addSymbols(l.file, dyn, true)

		static := l.file
		if l.debugFile != nil {
			static = l.debugFile
		}
		symtab, err := static.Symbols()
		if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
			l.loadErr = fmt.Errorf("failed to get symbols: %w", err)
			return
		}
		l.addSymbols(static, symtab, false)
		l.versions = collectVersions(l.symbols)
	})

	return l.symbols, l.loadErr
}

func (l *LinuxBinaryLoader) addSymbols(f *elf.File, syms []elf.Symbol, dynamic bool) {
	for _, es := range syms {
		if es.Name == "" {
			continue
		}
		s := Symbol{
			Name:    es.Name,
			Value:   es.Value,
			Size:    es.Size,
			Section: sectionOf(f, es.Section),
			Type:    symbolType(es.Info),
			Bind:    symbolBind(es.Info),
			Version: es.Version,
			Dynamic: dynamic,
		}
		l.symbols = append(l.symbols, s)
		if s.Section == SectionUndefined || s.Type == TypeFile || s.Type == TypeSection {
			continue
		}
		// first definition wins, dynamic symbols come first
		if _, exists := l.byName[s.Name]; !exists {
			l.byName[s.Name] = len(l.symbols) - 1
		}
	}
}

func sectionOf(f *elf.File, idx elf.SectionIndex) SectionKind {
	switch idx {
	case elf.SHN_UNDEF:
		return SectionUndefined
	case elf.SHN_ABS:
		return SectionAbs
	case elf.SHN_COMMON:
		return SectionCommon
	}
	if int(idx) >= len(f.Sections) {
		return SectionOther
	}
	return classifySection(f.Sections[idx].Name)
}

func (l *LinuxBinaryLoader) FindSymbol(name string) (Symbol, error) {
	symbols, err := l.Symbols()
	if err != nil {
		return Symbol{}, err
	}

	idx, exists := l.byName[name]
	if !exists {
		return Symbol{}, fmt.Errorf("%w: %q", ErrSymbolNotFound, name)
	}
	return symbols[idx], nil
}

func (l *LinuxBinaryLoader) Versions() ([]Version, error) {
	if _, err := l.Symbols(); err != nil {
		return nil, err
	}
	return l.versions, nil
}

// LoadBias is the distance between where the first PT_LOAD segment was
// linked and where it was mapped.
func (l *LinuxBinaryLoader) LoadBias(mapStart uint64) uint64 {
	for _, prog := range l.file.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		align := prog.Align
		if align < pageSize {
			align = pageSize
		}
		return mapStart - alignDown(prog.Vaddr-prog.Off, align)
	}
	return mapStart
}

const pageSize = 0x1000

func alignDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}

func (l *LinuxBinaryLoader) GetDWARFLoader() (DWARFLoader, error) {
	if l.dwarf == nil {
		return nil, errors.New("DWARF not loaded")
	}
	return l.dwarf, nil
}

func (l *LinuxBinaryLoader) Close() error {
	var errs []error
	if l.debugFile != nil {
		errs = append(errs, l.debugFile.Close())
	}
	if l.file != nil {
		errs = append(errs, l.file.Close())
	}
	return errors.Join(errs...)
}
