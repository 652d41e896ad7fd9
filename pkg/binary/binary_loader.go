package binary

import (
	"debug/elf"
	"errors"
	"fmt"
)

var (
	ErrBinaryNotFound    = errors.New("binary file not found")
	ErrInvalidExecutable = errors.New("invalid or unsupported executable format")
	ErrSymbolNotFound    = errors.New("symbol not found in binary")
	ErrNoDebugInfo       = errors.New("no debug info available")
)

// SectionKind is the coarse class of the section a symbol is defined in.
type SectionKind int

const (
	SectionOther SectionKind = iota
	SectionText
	SectionData
	SectionBss
	SectionRodata
	SectionTbss
	SectionTdata
	SectionAbs
	SectionUndefined
	SectionCommon
)

var sectionKindStrings = map[SectionKind]string{
	SectionOther:     "other",
	SectionText:      ".text",
	SectionData:      ".data",
	SectionBss:       ".bss",
	SectionRodata:    ".rodata",
	SectionTbss:      ".tbss",
	SectionTdata:     ".tdata",
	SectionAbs:       "*ABS*",
	SectionUndefined: "*UND*",
	SectionCommon:    "*COM*",
}

func (k SectionKind) String() string {
	return sectionKindStrings[k]
}

func (k SectionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ThreadLocal reports whether symbol values in this section are offsets into
// a module's TLS block rather than virtual addresses.
func (k SectionKind) ThreadLocal() bool {
	return k == SectionTbss || k == SectionTdata
}

func classifySection(name string) SectionKind {
	switch name {
	case ".text":
		return SectionText
	case ".data", ".data1":
		return SectionData
	case ".bss":
		return SectionBss
	case ".rodata", ".rodata1":
		return SectionRodata
	case ".tbss":
		return SectionTbss
	case ".tdata":
		return SectionTdata
	}
	return SectionOther
}

type SymbolType int

const (
	TypeNone SymbolType = iota
	TypeFunc
	TypeObject
	TypeTLS
	TypeIndirect
	TypeSection
	TypeFile
)

var symbolTypeStrings = [...]string{"none", "func", "object", "tls", "ifunc", "section", "file"}

func (t SymbolType) String() string {
	if int(t) < len(symbolTypeStrings) {
		return symbolTypeStrings[t]
	}
	return "unknown"
}

type SymbolBind int

const (
	BindLocal SymbolBind = iota
	BindGlobal
	BindWeak
	BindUnique
)

var symbolBindStrings = [...]string{"local", "global", "weak", "unique"}

func (b SymbolBind) String() string {
	if int(b) < len(symbolBindStrings) {
		return symbolBindStrings[b]
	}
	return "unknown"
}

// Symbol is one entry of a file's symbol table, not yet rebased.
type Symbol struct {
	Name    string
	Value   uint64 // virtual address, or TLS block offset for thread-local sections
	Size    uint64
	Section SectionKind
	Type    SymbolType
	Bind    SymbolBind
	Version string
	Dynamic bool
}

func (s Symbol) String() string {
	return fmt.Sprintf("%016x %6d %-8s %-7s %-6s %s", s.Value, s.Size, s.Section, s.Type, s.Bind, s.Name)
}

func symbolType(info byte) SymbolType {
	switch elf.ST_TYPE(info) {
	case elf.STT_FUNC:
		return TypeFunc
	case elf.STT_OBJECT:
		return TypeObject
	case elf.STT_TLS:
		return TypeTLS
	case elf.STT_LOOS: // STT_GNU_IFUNC
		return TypeIndirect
	case elf.STT_SECTION:
		return TypeSection
	case elf.STT_FILE:
		return TypeFile
	}
	return TypeNone
}

func symbolBind(info byte) SymbolBind {
	switch elf.ST_BIND(info) {
	case elf.STB_GLOBAL:
		return BindGlobal
	case elf.STB_WEAK:
		return BindWeak
	case elf.STB_LOOS: // STB_GNU_UNIQUE
		return BindUnique
	}
	return BindLocal
}

// DWARFLoader answers layout questions from a file's debug info.
type DWARFLoader interface {
	HasDWARF() bool
	GetStructOffset(typeName, fieldName string) (uint64, error)
	GetStructSize(typeName string) (uint64, error)
}

// SymbolLoader loads the symbols of one ELF file mapped into a target process.
type SymbolLoader interface {
	// Load initializes the loader from a file path
	Load(filePath string) error

	// LoadByPid loads the main executable of a process
	LoadByPid(pid int) error

	Path() string

	// Symbols returns the union of the dynamic and static symbol tables,
	// including those of a separate debug file when one was found
	Symbols() ([]Symbol, error)

	FindSymbol(name string) (Symbol, error)

	// Versions returns the GLIBC_x.y version nodes the file defines
	Versions() ([]Version, error)

	// LoadBias computes the runtime displacement given the lowest mapping
	// address of the file
	LoadBias(mapStart uint64) uint64

	// Entry is the ELF entry point before rebasing
	Entry() uint64

	// PtrSize returns the pointer size (4 for 32-bit, 8 for 64-bit)
	PtrSize() int

	// DebugPath is the separate debug file in use, if any
	DebugPath() string

	GetDWARFLoader() (DWARFLoader, error)

	Close() error
}
