package render

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/monsterxx03/mallocspy/pkg/glibc"
	"github.com/monsterxx03/mallocspy/pkg/inspect"
	"github.com/monsterxx03/mallocspy/pkg/proc"
	"github.com/monsterxx03/mallocspy/pkg/procmaps"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetColumnSeparator("")
	table.SetCenterSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	return table
}

func hex(v uint64) string {
	return fmt.Sprintf("%#x", v)
}

var stateColors = map[glibc.ChunkState]tablewriter.Colors{
	glibc.StateActive:       {tablewriter.FgGreenColor},
	glibc.StateTcache:       {tablewriter.FgCyanColor},
	glibc.StateFastbin:      {tablewriter.FgBlueColor},
	glibc.StateBin:          {tablewriter.FgMagentaColor},
	glibc.StateOrphanedFree: {tablewriter.FgRedColor},
	glibc.StateMmapped:      {tablewriter.FgYellowColor},
}

// Regions prints one row per region. Chunk rows are colored by state unless
// noColor is set.
func Regions(w io.Writer, regions []glibc.HeapRegion, noColor bool) {
	table := newTable(w, []string{"START", "END", "SIZE", "KIND", "ORIGINS"})
	for _, r := range regions {
		origins := make([]string, 0, len(r.Origins))
		for _, o := range r.Origins {
			origins = append(origins, o.String())
		}
		row := []string{hex(r.Range.Low), hex(r.Range.High), hex(r.Range.Size()), r.Label(), strings.Join(origins, ",")}
		c, ok := stateColors[r.State]
		if noColor || r.Kind != glibc.KindChunk || !ok {
			table.Append(row)
			continue
		}
		table.Rich(row, []tablewriter.Colors{{}, {}, {}, c, {}})
	}
	table.Render()
}

func Summary(w io.Writer, s glibc.Summary) {
	fmt.Fprintf(w, "glibc %s (%s), main_arena %#x\n", s.Version, s.Libc, s.MainArena)
	fmt.Fprintf(w, "arenas: %d (freed %d), heap blocks: %d, thread arenas known: %d\n",
		s.Arenas, s.FreedArenas, s.HeapBlocks, s.ThreadArenas)
	free, freeBytes := s.Free()
	fmt.Fprintf(w, "chunks: %d (%s), free: %d (%s), diagnostics: %d\n\n",
		s.Chunks, proc.HumanateBytes(s.Bytes), free, proc.HumanateBytes(freeBytes), s.Diagnostics)

	table := newTable(w, []string{"STATE", "COUNT", "BYTES"})
	for _, st := range s.States {
		table.Append([]string{st.State.String(), strconv.Itoa(st.Count), proc.HumanateBytes(st.Bytes)})
	}
	table.Render()
}

func Diagnostics(w io.Writer, diags []glibc.Diagnostic) {
	if len(diags) == 0 {
		return
	}
	table := newTable(w, []string{"KIND", "ADDR", "TID", "MESSAGE"})
	for _, d := range diags {
		addr, tid := "", ""
		if d.Addr != 0 {
			addr = hex(d.Addr)
		}
		if d.TID != 0 {
			tid = strconv.Itoa(d.TID)
		}
		table.Append([]string{d.Kind.String(), addr, tid, d.Message})
	}
	table.Render()
}

func ThreadArenas(w io.Writer, arenas []glibc.ThreadArena) {
	table := newTable(w, []string{"TID", "ARENA", "MAIN", "THREAD_ARENA@"})
	for _, ta := range arenas {
		table.Append([]string{strconv.Itoa(ta.TID), hex(ta.Base), strconv.FormatBool(ta.Main), hex(ta.Location.Addr)})
	}
	table.Render()
}

func Threads(w io.Writer, threads []inspect.ThreadStatus) {
	table := newTable(w, []string{"TID", "STATE", "FS_BASE", "ARENA"})
	for _, t := range threads {
		tp, arena := "", ""
		if t.ThreadPointer != 0 {
			tp = hex(t.ThreadPointer)
		}
		if t.Arena != 0 {
			arena = hex(t.Arena)
			if t.MainArena {
				arena += " (main)"
			}
		}
		table.Append([]string{strconv.Itoa(t.TID), t.State, tp, arena})
	}
	table.Render()
}

func Maps(w io.Writer, maps procmaps.Maps) {
	table := newTable(w, []string{"START", "END", "PERM", "SIZE", "KIND", "PATH"})
	for i := range maps {
		m := &maps[i]
		table.Append([]string{hex(m.Start), hex(m.End), m.Perm, proc.HumanateBytes(m.Size()), m.Kind().String(), m.Filename})
	}
	table.Render()
}

// Symbols prints the resolved symbols of the files whose path contains
// file, restricted to names containing match.
func Symbols(w io.Writer, symbols *proc.SymbolTable, file, match string) {
	table := newTable(w, []string{"ADDR", "SIZE", "SECTION", "NAME", "FILE"})
	for _, f := range symbols.Files() {
		if file != "" && !strings.Contains(f.Path, file) {
			continue
		}
		for _, s := range f.Symbols {
			if match != "" && !strings.Contains(s.Name, match) {
				continue
			}
			table.Append([]string{hex(s.Range.Low), hex(s.Range.Size()), s.Section.String(), s.Name, f.Path})
		}
	}
	table.Render()
}

func TLSLocation(w io.Writer, loc glibc.TLSLocation) {
	table := newTable(w, []string{"STEP", "VALUE"})
	table.AppendBulk([][]string{
		{"symbol", fmt.Sprintf("%s (%s, offset %#x)", loc.Symbol.Name, loc.Symbol.Section, loc.Symbol.Range.Low)},
		{"_r_debug", hex(loc.RDebug)},
		{"link_map", hex(loc.LinkMap)},
		{"l_tls_modid", strconv.FormatUint(loc.ModID, 10)},
		{"fs_base", hex(loc.ThreadPointer)},
		{"dtv", hex(loc.Dtv)},
		{"tls block", hex(loc.BlockBase)},
		{"address", hex(loc.Addr)},
	})
	table.Render()
}

func Errno(w io.Writer, r inspect.ErrnoReport) {
	table := newTable(w, []string{"STEP", "VALUE"})
	table.AppendBulk([][]string{
		{"__errno_location", hex(r.Location.Function)},
		{"GOT entry", hex(r.Location.GOTEntry)},
		{"TP offset", fmt.Sprintf("%#x (%d)", r.Location.Offset, int64(r.Location.Offset))},
		{"tcb", hex(r.Location.ThreadPointer)},
		{"errno address", hex(r.Location.Addr)},
		{"errno", fmt.Sprintf("%d (%#x)", r.Value, r.Value)},
	})
	if r.TLSError != "" {
		table.Append([]string{"dtv lookup", r.TLSError})
	} else {
		table.Append([]string{"dtv lookup", fmt.Sprintf("%s (agrees: %v)", hex(r.TLSAddr), r.Agrees())})
	}
	table.Render()
}
