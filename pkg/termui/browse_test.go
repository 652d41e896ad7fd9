package termui

import (
	"testing"

	"github.com/monsterxx03/mallocspy/pkg/glibc"
	"github.com/monsterxx03/mallocspy/pkg/inspect"
	"github.com/monsterxx03/mallocspy/pkg/proc"
)

func region(lo, hi uint64, kind glibc.RegionKind, state glibc.ChunkState, origins ...glibc.Origin) glibc.HeapRegion {
	return glibc.HeapRegion{Range: proc.MemRange{Low: lo, High: hi}, Kind: kind, State: state, Origins: origins}
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		in   string
		want inspect.Filter
	}{
		{"", inspect.Filter{}},
		{"state:tcache", inspect.Filter{State: "tcache"}},
		{"origin:main-heap 0x5555", inspect.Filter{Origin: "main-heap", Text: "0x5555"}},
		{"a state:bin b", inspect.Filter{State: "bin", Text: "a b"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := parseFilter(tt.in); got != tt.want {
				t.Errorf("parseFilter(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestStateCounts(t *testing.T) {
	regions := []glibc.HeapRegion{
		region(0x1000, 0x1020, glibc.KindChunk, glibc.StateTcache),
		region(0x1020, 0x1040, glibc.KindChunk, glibc.StateActive),
		region(0x1040, 0x1060, glibc.KindChunk, glibc.StateTcache),
		region(0x2000, 0x2030, glibc.KindHeapInfo, glibc.StateNone),
	}
	if got, want := stateCounts(regions), "active:1 heap_info:1 tcache:2"; got != want {
		t.Errorf("stateCounts = %q, want %q", got, want)
	}
	if got := stateCounts(nil); got != "" {
		t.Errorf("stateCounts(nil) = %q", got)
	}
}

func TestHeapBounds(t *testing.T) {
	regions := []glibc.HeapRegion{
		region(0x2000, 0x2020, glibc.KindChunk, glibc.StateActive),
		region(0x1000, 0x1898, glibc.KindMallocState, glibc.StateNone),
		region(0x3000, 0x3100, glibc.KindChunk, glibc.StateBin),
	}
	lo, hi := heapBounds(regions)
	if lo != 0x1000 || hi != 0x3100 {
		t.Errorf("heapBounds = %#x, %#x", lo, hi)
	}
}

func TestRegionCells(t *testing.T) {
	r := region(0x1000, 0x1020, glibc.KindChunk, glibc.StateTcache, glibc.MainHeap(), glibc.TLSTcache(7))
	cells := regionCells(r)
	want := []string{"0x1000", "0x1020", "0x20", "tcache", "main-heap,tcache(7)"}
	for i := range want {
		if cells[i] != want[i] {
			t.Errorf("cell %d = %q, want %q", i, cells[i], want[i])
		}
	}
}
