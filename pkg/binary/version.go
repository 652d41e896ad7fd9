package binary

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const glibcVersionPrefix = "GLIBC_"

// Version is a GLIBC symbol version node such as GLIBC_2.2.5.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ValidatedGlibc lists the releases the allocator layouts were checked against.
var ValidatedGlibc = []Version{{Major: 2, Minor: 36}}

func ParseGlibcVersion(s string) (Version, error) {
	if !strings.HasPrefix(s, glibcVersionPrefix) {
		return Version{}, fmt.Errorf("not a glibc version: %q", s)
	}
	parts := strings.Split(strings.TrimPrefix(s, glibcVersionPrefix), ".")
	if len(parts) < 2 || len(parts) > 3 {
		return Version{}, fmt.Errorf("malformed glibc version: %q", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("malformed glibc version: %q", s)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

func (v Version) String() string {
	if v.Patch != 0 {
		return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	}
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return cmpInt(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmpInt(v.Minor, o.Minor)
	}
	return cmpInt(v.Patch, o.Patch)
}

func cmpInt(a, b int) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// Latest returns the highest version, which for libc itself is its release.
func Latest(vs []Version) (Version, bool) {
	if len(vs) == 0 {
		return Version{}, false
	}
	sorted := append([]Version(nil), vs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Compare(sorted[j]) < 0 })
	return sorted[len(sorted)-1], true
}

func IsValidated(v Version) bool {
	for _, ok := range ValidatedGlibc {
		if ok == v {
			return true
		}
	}
	return false
}

// collectVersions extracts GLIBC version nodes from absolute symbols named
// after them and from the version names attached to defined dynamic symbols.
func collectVersions(syms []Symbol) []Version {
	seen := make(map[Version]bool)
	var out []Version
	add := func(name string) {
		v, err := ParseGlibcVersion(name)
		if err != nil || seen[v] {
			return
		}
		seen[v] = true
		out = append(out, v)
	}
	for _, s := range syms {
		if s.Section == SectionAbs {
			add(s.Name)
		}
		if s.Dynamic && s.Section != SectionUndefined && s.Version != "" {
			add(s.Version)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}
