package proc

import (
	"fmt"

	"github.com/monsterxx03/mallocspy/pkg/binary"
)

// ResolvedSymbol is a symbol rebased into the target's address space. For
// thread-local sections Range holds the offset inside the module's TLS block.
type ResolvedSymbol struct {
	Name    string             `json:"name"`
	Range   MemRange           `json:"range"`
	Section binary.SectionKind `json:"section"`
	File    string             `json:"file"`
}

// MappedFile holds the resolved symbols of one file mapped into the target.
type MappedFile struct {
	Path     string
	Bias     uint64
	Symbols  []ResolvedSymbol
	Versions []binary.Version

	byName map[string]int
}

func (f *MappedFile) index() {
	f.byName = make(map[string]int, len(f.Symbols))
	for i, s := range f.Symbols {
		if _, ok := f.byName[s.Name]; !ok {
			f.byName[s.Name] = i
		}
	}
}

func (f *MappedFile) Lookup(name string) (ResolvedSymbol, bool) {
	i, ok := f.byName[name]
	if !ok {
		return ResolvedSymbol{}, false
	}
	return f.Symbols[i], true
}

// IsGlibc reports whether the file defines GLIBC version nodes.
func (f *MappedFile) IsGlibc() bool {
	return len(f.Versions) > 0
}

// SymbolTable is the resolved symbol table of all mapped files, in map order.
type SymbolTable struct {
	files  []*MappedFile
	byPath map[string]*MappedFile
}

func NewSymbolTable(files []MappedFile) *SymbolTable {
	t := &SymbolTable{byPath: make(map[string]*MappedFile)}
	for i := range files {
		f := files[i]
		f.index()
		t.files = append(t.files, &f)
		t.byPath[f.Path] = &f
	}
	return t
}

func (t *SymbolTable) Files() []*MappedFile {
	return t.files
}

func (t *SymbolTable) File(path string) (*MappedFile, bool) {
	f, ok := t.byPath[path]
	return f, ok
}

// Lookup returns the first definition of name in map order.
func (t *SymbolTable) Lookup(name string) (ResolvedSymbol, error) {
	for _, f := range t.files {
		if s, ok := f.Lookup(name); ok {
			return s, nil
		}
	}
	return ResolvedSymbol{}, fmt.Errorf("%w: %q", binary.ErrSymbolNotFound, name)
}

func (t *SymbolTable) LookupIn(path, name string) (ResolvedSymbol, error) {
	f, ok := t.byPath[path]
	if !ok {
		return ResolvedSymbol{}, fmt.Errorf("%w: %q (file %s not mapped)", binary.ErrSymbolNotFound, name, path)
	}
	s, ok := f.Lookup(name)
	if !ok {
		return ResolvedSymbol{}, fmt.Errorf("%w: %q in %s", binary.ErrSymbolNotFound, name, path)
	}
	return s, nil
}

// resolve rebases the symbols of one loaded file.
func resolve(path string, bias uint64, syms []binary.Symbol, versions []binary.Version) MappedFile {
	f := MappedFile{Path: path, Bias: bias, Versions: versions}
	for _, s := range syms {
		if s.Section == binary.SectionUndefined || s.Type == binary.TypeFile || s.Type == binary.TypeSection {
			continue
		}
		low := s.Value
		if !s.Section.ThreadLocal() && s.Section != binary.SectionAbs {
			low += bias
		}
		f.Symbols = append(f.Symbols, ResolvedSymbol{
			Name:    s.Name,
			Range:   MemRange{Low: low, High: low + s.Size},
			Section: s.Section,
			File:    path,
		})
	}
	return f
}
