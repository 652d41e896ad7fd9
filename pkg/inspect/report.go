package inspect

import (
	"sort"
	"strings"
	"time"

	"github.com/monsterxx03/mallocspy/pkg/glibc"
	"github.com/monsterxx03/mallocspy/pkg/proc"
)

// Report is the outcome of one analysis, detached from the target.
type Report struct {
	PID          int                 `json:"pid"`
	Exe          string              `json:"exe,omitempty"`
	Summary      glibc.Summary       `json:"summary"`
	Regions      []glibc.HeapRegion  `json:"regions"`
	ThreadArenas []glibc.ThreadArena `json:"thread_arenas"`
	Diagnostics  []glibc.Diagnostic  `json:"diagnostics"`
	Duration     time.Duration       `json:"duration"`
	At           time.Time           `json:"at"`
}

func newReport(p *proc.Process, a *glibc.Analyzer, d time.Duration) *Report {
	return &Report{
		PID:          p.ID,
		Exe:          p.Exe(),
		Summary:      a.Summary(),
		Regions:      a.Explored(),
		ThreadArenas: a.ThreadArenas(),
		Diagnostics:  a.Diagnostics(),
		Duration:     d,
		At:           time.Now(),
	}
}

// Filter selects regions by label and origin. Empty fields match everything.
type Filter struct {
	// State matches the region label: a chunk state or a structure kind.
	State  string
	Origin string
	// Text matches anywhere in the printed region.
	Text string
}

func (f Filter) Match(r glibc.HeapRegion) bool {
	if f.State != "" && r.Label() != f.State {
		return false
	}
	if f.Origin != "" {
		found := false
		for _, o := range r.Origins {
			if o.Kind.String() == f.Origin || o.String() == f.Origin {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Text != "" && !strings.Contains(strings.ToLower(r.String()), strings.ToLower(f.Text)) {
		return false
	}
	return true
}

func FilterRegions(regions []glibc.HeapRegion, f Filter) []glibc.HeapRegion {
	var out []glibc.HeapRegion
	for _, r := range regions {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

// SizeClass groups chunks of one size.
type SizeClass struct {
	Size   uint64                   `json:"size"`
	Count  int                      `json:"count"`
	States map[glibc.ChunkState]int `json:"states"`
}

// SizeClasses counts chunks per size, largest count first.
func SizeClasses(regions []glibc.HeapRegion) []SizeClass {
	bySize := make(map[uint64]*SizeClass)
	for _, r := range regions {
		if r.Kind != glibc.KindChunk {
			continue
		}
		size := r.Range.Size()
		sc, ok := bySize[size]
		if !ok {
			sc = &SizeClass{Size: size, States: make(map[glibc.ChunkState]int)}
			bySize[size] = sc
		}
		sc.Count++
		sc.States[r.State]++
	}
	out := make([]SizeClass, 0, len(bySize))
	for _, sc := range bySize {
		out = append(out, *sc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Size < out[j].Size
	})
	return out
}
