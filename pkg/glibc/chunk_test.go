package glibc

import (
	"bytes"
	"errors"
	"testing"

	"github.com/monsterxx03/mallocspy/pkg/proc"
)

func TestChunkSizeAndFlags(t *testing.T) {
	tests := []struct {
		raw       uint64
		wantSize  uint64
		wantFlags ChunkFlags
		wantStr   string
	}{
		{0x20, 0x20, ChunkFlags{}, ""},
		{0x21, 0x20, ChunkFlags{PrevInUse: true}, "P"},
		{0x292, 0x290, ChunkFlags{Mmapped: true}, "M"},
		{0x25, 0x20, ChunkFlags{PrevInUse: true, NonMainArena: true}, "P|A"},
		{0x1007, 0x1000, ChunkFlags{PrevInUse: true, Mmapped: true, NonMainArena: true}, "P|M|A"},
	}
	for _, tt := range tests {
		if got := ChunkSize(tt.raw); got != tt.wantSize {
			t.Errorf("ChunkSize(%#x) = %#x, want %#x", tt.raw, got, tt.wantSize)
		}
		flags := DecodeFlags(tt.raw)
		if flags != tt.wantFlags {
			t.Errorf("DecodeFlags(%#x) = %+v, want %+v", tt.raw, flags, tt.wantFlags)
		}
		if flags.String() != tt.wantStr {
			t.Errorf("flags of %#x print as %q, want %q", tt.raw, flags.String(), tt.wantStr)
		}
	}
}

func TestLoadChunk(t *testing.T) {
	w := newWorld(t)
	w.mem.Write(c1+0x10, []byte("hello\x00world\x01!"))

	c, err := LoadChunk(w.p, c1)
	if err != nil {
		t.Fatal(err)
	}
	if c.Size() != 0x20 || !c.Flags().PrevInUse {
		t.Errorf("unexpected header %s", c)
	}
	if c.UserPointer() != c1+0x10 {
		t.Errorf("user pointer %#x", c.UserPointer())
	}
	want := proc.MemRange{Low: c1 + 0x10, High: c1 + 0x28}
	if c.ContentRange != want {
		t.Errorf("content range %s, want %s", c.ContentRange, want)
	}
	if len(c.Content) != 0x18 || !bytes.HasPrefix(c.Content, []byte("hello")) {
		t.Errorf("unexpected content %q", c.Content)
	}
	if got := Printable(c.Content[:13]); got != "hello.world.!" {
		t.Errorf("Printable = %q", got)
	}
}

func TestChunkContentRange(t *testing.T) {
	tests := []struct {
		name    string
		base    uint64
		size    uint64
		want    proc.MemRange
		wantErr error
	}{
		{"regular", 0x1000, 0x20, proc.MemRange{Low: 0x1010, High: 0x1028}, nil},
		{"zero size", 0x1000, 0, proc.MemRange{Low: 0x1010, High: 0x1010}, nil},
		{"size overflows", 0x1000, ^uint64(0) &^ SizeBits, proc.MemRange{}, proc.ErrSizeOverflow},
		{"base overflows", ^uint64(0) - 8, 0x20, proc.MemRange{}, proc.ErrSizeOverflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := chunkContentRange(tt.base, tt.size)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("got %s, %v; want %s", got, err, tt.want)
			}
		})
	}
}
