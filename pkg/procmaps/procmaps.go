package procmaps

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// PathKind classifies the pathname column of a mapping.
type PathKind int

const (
	Anonymous PathKind = iota
	File
	Heap
	Stack
	Vdso
	Vvar
	Vsyscall
	OtherPseudo
)

var pathKindStrings = map[PathKind]string{
	Anonymous:   "anonymous",
	File:        "file",
	Heap:        "heap",
	Stack:       "stack",
	Vdso:        "vdso",
	Vvar:        "vvar",
	Vsyscall:    "vsyscall",
	OtherPseudo: "pseudo",
}

func (k PathKind) String() string {
	if s, ok := pathKindStrings[k]; ok {
		return s
	}
	return "unknown"
}

func classifyPath(name string) PathKind {
	switch {
	case name == "":
		return Anonymous
	case name == "[heap]":
		return Heap
	case name == "[stack]" || strings.HasPrefix(name, "[stack:"):
		return Stack
	case name == "[vdso]":
		return Vdso
	case name == "[vvar]":
		return Vvar
	case name == "[vsyscall]":
		return Vsyscall
	case strings.HasPrefix(name, "["):
		return OtherPseudo
	}
	return File
}

// Range is one line of /proc/<pid>/maps, a half-open [Start, End) interval.
type Range struct {
	Start    uint64
	End      uint64
	Perm     string
	Offset   uint64
	Dev      string
	Inode    uint64
	Filename string
}

func (r *Range) Size() uint64 {
	return r.End - r.Start
}

func (r *Range) IsRead() bool {
	return r.Perm[0] == 'r'
}

func (r *Range) IsWrite() bool {
	return r.Perm[1] == 'w'
}

func (r *Range) IsExe() bool {
	return r.Perm[2] == 'x'
}

func (r *Range) IsPrivate() bool {
	return r.Perm[3] == 'p'
}

func (r *Range) IsShare() bool {
	return r.Perm[3] == 's'
}

func (r *Range) IsReadWrite() bool {
	return r.IsRead() && r.IsWrite()
}

func (r *Range) Kind() PathKind {
	return classifyPath(r.Filename)
}

// Major and Minor split the "maj:min" device column.
func (r *Range) Major() uint32 {
	maj, _ := splitDev(r.Dev)
	return maj
}

func (r *Range) Minor() uint32 {
	_, min := splitDev(r.Dev)
	return min
}

func splitDev(dev string) (uint32, uint32) {
	parts := strings.SplitN(dev, ":", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	maj, _ := strconv.ParseUint(parts[0], 16, 32)
	min, _ := strconv.ParseUint(parts[1], 16, 32)
	return uint32(maj), uint32(min)
}

func (r *Range) Contains(addr uint64) bool {
	return r.Start <= addr && addr < r.End
}

// ContainsRange reports whether [lo, hi) lies entirely inside r.
func (r *Range) ContainsRange(lo, hi uint64) bool {
	return lo <= hi && r.Start <= lo && hi <= r.End
}

func (r Range) String() string {
	return fmt.Sprintf("%x-%x %s %08x %s %d %s", r.Start, r.End, r.Perm, r.Offset, r.Dev, r.Inode, r.Filename)
}

// Maps is the ordered memory map of one process.
type Maps []Range

// Find returns the mapping containing addr.
func (m Maps) Find(addr uint64) (*Range, bool) {
	i := sort.Search(len(m), func(i int) bool { return m[i].End > addr })
	if i < len(m) && m[i].Contains(addr) {
		return &m[i], true
	}
	return nil, false
}

// FindRange returns the single mapping holding all of [lo, hi).
func (m Maps) FindRange(lo, hi uint64) (*Range, bool) {
	r, ok := m.Find(lo)
	if !ok || !r.ContainsRange(lo, hi) {
		return nil, false
	}
	return r, true
}

// Files returns the backing files in map order, each once.
func (m Maps) Files() []string {
	seen := make(map[string]bool)
	var files []string
	for i := range m {
		if m[i].Kind() != File || seen[m[i].Filename] {
			continue
		}
		seen[m[i].Filename] = true
		files = append(files, m[i].Filename)
	}
	return files
}

func (m Maps) ByFile(path string) []Range {
	var out []Range
	for _, r := range m {
		if r.Filename == path {
			out = append(out, r)
		}
	}
	return out
}

func (m Maps) First(kind PathKind) (*Range, bool) {
	for i := range m {
		if m[i].Kind() == kind {
			return &m[i], true
		}
	}
	return nil, false
}

func ReadProcMaps(pid int) (Maps, error) {
	return parseProcMaps(fmt.Sprintf("/proc/%d/maps", pid))
}

func parseProcMaps(path string) (Maps, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return Parse(file)
}

// Parse reads maps lines. Pathnames may contain spaces, everything after the
// inode column is the pathname.
func Parse(rd io.Reader) (Maps, error) {
	reader := bufio.NewReader(rd)
	result := make(Maps, 0)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		if strings.TrimSpace(line) != "" {
			rng, perr := parseLine(line)
			if perr != nil {
				return nil, perr
			}
			result = append(result, rng)
		}
		if err == io.EOF {
			break
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Start < result[j].Start })
	return result, nil
}

func parseLine(line string) (Range, error) {
	splits := strings.Fields(line)
	if len(splits) < 5 {
		return Range{}, fmt.Errorf("invalid map range: %s", line)
	}
	rangeSplit := strings.Split(splits[0], "-")
	if len(rangeSplit) != 2 {
		return Range{}, fmt.Errorf("invalid address range: %s", splits[0])
	}
	start, err := strconv.ParseUint(rangeSplit[0], 16, 64)
	if err != nil {
		return Range{}, err
	}
	end, err := strconv.ParseUint(rangeSplit[1], 16, 64)
	if err != nil {
		return Range{}, err
	}
	if start > end {
		return Range{}, fmt.Errorf("invalid address range: %s", splits[0])
	}
	perm := splits[1]
	if len(perm) != 4 {
		return Range{}, fmt.Errorf("invalid permissions: %s", perm)
	}
	offset, err := strconv.ParseUint(splits[2], 16, 64)
	if err != nil {
		return Range{}, err
	}
	dev := splits[3]
	inode, err := strconv.ParseUint(splits[4], 10, 64)
	if err != nil {
		return Range{}, err
	}
	filename := ""
	if len(splits) > 5 {
		filename = strings.Join(splits[5:], " ")
	}
	return Range{Start: start,
		End: end, Perm: perm,
		Offset: offset, Dev: dev,
		Inode: inode, Filename: filename,
	}, nil
}
