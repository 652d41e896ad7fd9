package inspect

import (
	"testing"

	"github.com/monsterxx03/mallocspy/pkg/glibc"
	"github.com/monsterxx03/mallocspy/pkg/proc"
)

func region(low, size uint64, kind glibc.RegionKind, state glibc.ChunkState, origins ...glibc.Origin) glibc.HeapRegion {
	return glibc.HeapRegion{
		Range:   proc.MemRange{Low: low, High: low + size},
		Kind:    kind,
		State:   state,
		Origins: origins,
	}
}

var sampleRegions = []glibc.HeapRegion{
	region(0x7f0000000030, 2200, glibc.KindMallocState, glibc.StateNone, glibc.ThreadHeap(0x7f0000000030)),
	region(0x1000, 0x20, glibc.KindChunk, glibc.StateActive, glibc.MainHeap()),
	region(0x1020, 0x20, glibc.KindChunk, glibc.StateTcache, glibc.MainHeap(), glibc.TLSTcache(7)),
	region(0x1040, 0x30, glibc.KindChunk, glibc.StateFastbin, glibc.MainHeap()),
	region(0x1070, 0x20, glibc.KindChunk, glibc.StateActive, glibc.MainHeap()),
	region(0x7f00000008d0, 0x20, glibc.KindChunk, glibc.StateTcache, glibc.ThreadHeap(0x7f0000000030), glibc.TLSTcache(8)),
}

func TestFilterRegions(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		want   []uint64
	}{
		{"everything", Filter{}, []uint64{0x7f0000000030, 0x1000, 0x1020, 0x1040, 0x1070, 0x7f00000008d0}},
		{"by state", Filter{State: "tcache"}, []uint64{0x1020, 0x7f00000008d0}},
		{"by kind label", Filter{State: "malloc_state"}, []uint64{0x7f0000000030}},
		{"by origin kind", Filter{Origin: "main-heap"}, []uint64{0x1000, 0x1020, 0x1040, 0x1070}},
		{"by exact origin", Filter{Origin: "tcache(8)"}, []uint64{0x7f00000008d0}},
		{"state and origin", Filter{State: "tcache", Origin: "main-heap"}, []uint64{0x1020}},
		{"text", Filter{Text: "FASTBIN"}, []uint64{0x1040}},
		{"no match", Filter{State: "bin"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FilterRegions(sampleRegions, tt.filter)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d regions, want %d", len(got), len(tt.want))
			}
			for i, r := range got {
				if r.Range.Low != tt.want[i] {
					t.Errorf("region %d at %#x, want %#x", i, r.Range.Low, tt.want[i])
				}
			}
		})
	}
}

func TestSizeClasses(t *testing.T) {
	classes := SizeClasses(sampleRegions)
	if len(classes) != 2 {
		t.Fatalf("expected 2 size classes, got %+v", classes)
	}
	if classes[0].Size != 0x20 || classes[0].Count != 4 {
		t.Errorf("unexpected first class %+v", classes[0])
	}
	if classes[0].States[glibc.StateTcache] != 2 || classes[0].States[glibc.StateActive] != 2 {
		t.Errorf("unexpected states %v", classes[0].States)
	}
	if classes[1].Size != 0x30 || classes[1].Count != 1 {
		t.Errorf("unexpected second class %+v", classes[1])
	}
}
