package glibc

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/monsterxx03/mallocspy/pkg/proc"
)

// Flag bits kept in the low bits of mchunk_size.
const (
	PrevInUse    = 0x1
	IsMmapped    = 0x2
	NonMainArena = 0x4
	SizeBits     = PrevInUse | IsMmapped | NonMainArena
)

// ChunkSize strips the flag bits from a raw size field.
func ChunkSize(raw uint64) uint64 {
	return raw &^ SizeBits
}

type ChunkFlags struct {
	PrevInUse    bool `json:"prev_inuse"`
	Mmapped      bool `json:"mmapped"`
	NonMainArena bool `json:"non_main_arena"`
}

func DecodeFlags(raw uint64) ChunkFlags {
	return ChunkFlags{
		PrevInUse:    raw&PrevInUse != 0,
		Mmapped:      raw&IsMmapped != 0,
		NonMainArena: raw&NonMainArena != 0,
	}
}

func (f ChunkFlags) String() string {
	var s []string
	if f.PrevInUse {
		s = append(s, "P")
	}
	if f.Mmapped {
		s = append(s, "M")
	}
	if f.NonMainArena {
		s = append(s, "A")
	}
	return strings.Join(s, "|")
}

func (c MallocChunk) ChunkSize() uint64 {
	return ChunkSize(c.Size)
}

func (c MallocChunk) Flags() ChunkFlags {
	return DecodeFlags(c.Size)
}

// Chunk is a chunk header plus a copy of its user content.
type Chunk struct {
	Base    uint64
	Header  MallocChunk
	Content []byte
	// ContentRange is [base+16, base+size+8): the user data overlaps the
	// prev_size field of the following chunk.
	ContentRange proc.MemRange
}

func (c Chunk) Size() uint64 {
	return c.Header.ChunkSize()
}

func (c Chunk) Flags() ChunkFlags {
	return c.Header.Flags()
}

// UserPointer is the address malloc returned for the chunk.
func (c Chunk) UserPointer() uint64 {
	return c.Base + chunkHeaderSize
}

func (c Chunk) String() string {
	return fmt.Sprintf("chunk %#x size %#x [%s]", c.Base, c.Size(), c.Flags())
}

// LoadChunk reads the header at base and the user content it describes.
func LoadChunk(p *proc.Process, base uint64) (Chunk, error) {
	hdr, err := proc.CheckedLoad[MallocChunk](p, base)
	if err != nil {
		return Chunk{}, err
	}
	r, err := chunkContentRange(base, hdr.Value.ChunkSize())
	if err != nil {
		return Chunk{}, err
	}
	content, err := proc.LoadRaw(p, r)
	if err != nil {
		return Chunk{}, fmt.Errorf("chunk %#x content: %w", base, err)
	}
	return Chunk{Base: base, Header: hdr.Value, Content: content, ContentRange: r}, nil
}

func chunkContentRange(base, size uint64) (proc.MemRange, error) {
	low, carry := bits.Add64(base, chunkHeaderSize, 0)
	if carry != 0 {
		return proc.MemRange{}, fmt.Errorf("%w: chunk %#x", proc.ErrSizeOverflow, base)
	}
	end, carry := bits.Add64(base+chunkContentEnd, size, 0)
	if carry != 0 {
		return proc.MemRange{}, fmt.Errorf("%w: chunk %#x size %#x", proc.ErrSizeOverflow, base, size)
	}
	if end < low {
		end = low
	}
	return proc.MemRange{Low: low, High: end}, nil
}

// Printable replaces every byte outside printable ASCII with '.'.
func Printable(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		if c >= 0x20 && c < 0x7f {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('.')
		}
	}
	return sb.String()
}
