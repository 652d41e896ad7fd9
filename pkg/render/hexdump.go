package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/monsterxx03/mallocspy/pkg/glibc"
)

var (
	colorAddr    = color.New(color.Faint).SprintfFunc()
	colorZero    = color.New(color.FgHiBlack).SprintFunc()
	colorText    = color.New(color.FgGreen).SprintFunc()
	colorPointer = color.New(color.FgYellow).SprintFunc()
	colorHeader  = color.New(color.Bold, color.FgHiBlue).SprintFunc()
	colorState   = map[glibc.ChunkState]*color.Color{
		glibc.StateActive:       color.New(color.FgGreen),
		glibc.StateTcache:       color.New(color.FgCyan),
		glibc.StateFastbin:      color.New(color.FgBlue),
		glibc.StateBin:          color.New(color.FgMagenta),
		glibc.StateOrphanedFree: color.New(color.FgRed, color.Bold),
		glibc.StateMmapped:      color.New(color.FgYellow),
	}
)

const bytesPerLine = 16

// Hexdump writes b, loaded from addr, sixteen bytes per line. Words that
// look like they point into [lo, hi) are highlighted.
func Hexdump(w io.Writer, addr uint64, b []byte, lo, hi uint64) {
	for off := 0; off < len(b); off += bytesPerLine {
		end := off + bytesPerLine
		if end > len(b) {
			end = len(b)
		}
		line := b[off:end]

		var sb strings.Builder
		sb.WriteString(colorAddr("%016x  ", addr+uint64(off)))
		for i := 0; i < bytesPerLine; i += 8 {
			if i >= len(line) {
				sb.WriteString(strings.Repeat("   ", 8) + " ")
				continue
			}
			word := line[i:min(i+8, len(line))]
			sb.WriteString(hexWord(word, lo, hi))
			sb.WriteByte(' ')
		}
		sb.WriteString(" |")
		sb.WriteString(colorText(glibc.Printable(line)))
		sb.WriteString("|")
		fmt.Fprintln(w, sb.String())
	}
}

func hexWord(word []byte, lo, hi uint64) string {
	var v uint64
	for i := len(word) - 1; i >= 0; i-- {
		v = v<<8 | uint64(word[i])
	}
	pointer := len(word) == 8 && hi > lo && v >= lo && v < hi

	var sb strings.Builder
	for _, c := range word {
		s := fmt.Sprintf("%02x ", c)
		switch {
		case pointer:
			s = colorPointer(s)
		case c == 0:
			s = colorZero(s)
		}
		sb.WriteString(s)
	}
	sb.WriteString(strings.Repeat("   ", 8-len(word)))
	return sb.String()
}

// Chunk prints a chunk header line followed by a dump of its content.
func Chunk(w io.Writer, c glibc.Chunk, state glibc.ChunkState, lo, hi uint64) {
	label := state.String()
	if label == "" {
		label = "unknown"
	}
	if col, ok := colorState[state]; ok {
		label = col.Sprint(label)
	}
	fmt.Fprintf(w, "%s %s prev_size %#x size %#x flags [%s] %s\n",
		colorHeader("chunk"), colorAddr("%#x", c.Base), c.Header.PrevSize, c.Size(), c.Flags(), label)
	if state.Free() || state == glibc.StateOrphanedFree {
		fmt.Fprintf(w, "  fd %#x bk %#x\n", c.Header.Fd, c.Header.Bk)
	}
	Hexdump(w, c.ContentRange.Low, c.Content, lo, hi)
}
