package term

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"

	"github.com/monsterxx03/mallocspy/pkg/glibc"
	"github.com/monsterxx03/mallocspy/pkg/inspect"
	"github.com/monsterxx03/mallocspy/pkg/proc"
)

const maxSizeClasses = 20

// Term is a static dashboard of chunk statistics, refreshed on demand.
type Term struct {
	session  *inspect.Session
	interval int

	summary *widgets.Paragraph
	states  *widgets.BarChart
	sizes   *widgets.Table
	arenas  *widgets.Table
}

func NewTerm(s *inspect.Session, interval int) *Term {
	return &Term{session: s, interval: interval}
}

func (t *Term) Display() error {
	if err := ui.Init(); err != nil {
		return err
	}
	defer ui.Close()

	t.summary = widgets.NewParagraph()
	t.summary.Title = fmt.Sprintf(" pid %d ", t.session.PID())

	t.states = widgets.NewBarChart()
	t.states.Title = " chunks per state "
	t.states.BarWidth = 14
	t.states.BarGap = 2
	t.states.BarColors = []ui.Color{ui.ColorGreen, ui.ColorCyan, ui.ColorBlue, ui.ColorMagenta, ui.ColorRed, ui.ColorYellow}
	t.states.LabelStyles = []ui.Style{ui.NewStyle(ui.ColorWhite)}
	t.states.NumStyles = []ui.Style{ui.NewStyle(ui.ColorBlack)}

	t.sizes = widgets.NewTable()
	t.sizes.Title = " size classes "
	t.sizes.RowSeparator = false
	t.sizes.TextStyle = ui.NewStyle(ui.ColorWhite)

	t.arenas = widgets.NewTable()
	t.arenas.Title = " thread arenas "
	t.arenas.RowSeparator = false
	t.arenas.TextStyle = ui.NewStyle(ui.ColorWhite)

	t.refresh()
	t.layout(ui.TerminalDimensions())

	var tick <-chan time.Time
	if t.interval > 0 {
		ticker := time.NewTicker(time.Duration(t.interval) * time.Second)
		defer ticker.Stop()
		tick = ticker.C
	}

	uiEvents := ui.PollEvents()
	for {
		select {
		case e := <-uiEvents:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			case "r":
				t.refresh()
			case "<Resize>":
				payload := e.Payload.(ui.Resize)
				ui.Clear()
				t.layout(payload.Width, payload.Height)
			}
		case <-tick:
			t.refresh()
		}
		t.render()
	}
}

func (t *Term) layout(width, height int) {
	t.summary.SetRect(0, 0, width, 5)
	t.states.SetRect(0, 5, width, 5+height/3)
	half := width / 2
	t.sizes.SetRect(0, 5+height/3, half, height)
	t.arenas.SetRect(half, 5+height/3, width, height)
	t.render()
}

func (t *Term) render() {
	ui.Render(t.summary, t.states, t.sizes, t.arenas)
}

func (t *Term) refresh() {
	report, err := t.session.Analyze()
	if err != nil {
		t.summary.Text = fmt.Sprintf("analysis failed: %v", err)
		return
	}
	t.summary.Text = summaryText(report)
	t.states.Labels, t.states.Data = stateBars(report.Summary)
	t.sizes.Rows = sizeClassRows(inspect.SizeClasses(report.Regions), maxSizeClasses)
	t.arenas.Rows = arenaRows(report.ThreadArenas)
}

func summaryText(r *inspect.Report) string {
	s := r.Summary
	free, freeBytes := s.Free()
	return strings.Join([]string{
		fmt.Sprintf("glibc %s  main_arena %#x  analyzed in %s", s.Version, s.MainArena, r.Duration.Round(time.Microsecond)),
		fmt.Sprintf("arenas %d (freed %d)  heap blocks %d  chunks %d (%s)  free %d (%s)",
			s.Arenas, s.FreedArenas, s.HeapBlocks, s.Chunks, proc.HumanateBytes(s.Bytes), free, proc.HumanateBytes(freeBytes)),
		fmt.Sprintf("diagnostics %d  [q] quit  [r] refresh", len(r.Diagnostics)),
	}, "\n")
}

// stateBars is one bar per chunk state, in display order.
func stateBars(s glibc.Summary) ([]string, []float64) {
	labels := make([]string, 0, len(s.States))
	data := make([]float64, 0, len(s.States))
	for _, st := range s.States {
		labels = append(labels, st.State.String())
		data = append(data, float64(st.Count))
	}
	return labels, data
}

func sizeClassRows(classes []inspect.SizeClass, max int) [][]string {
	rows := [][]string{{"size", "count", "states"}}
	for i, sc := range classes {
		if i == max {
			break
		}
		var states []string
		for _, st := range glibc.ChunkStates {
			if n := sc.States[st]; n > 0 {
				states = append(states, fmt.Sprintf("%s:%d", st, n))
			}
		}
		rows = append(rows, []string{fmt.Sprintf("%#x", sc.Size), strconv.Itoa(sc.Count), strings.Join(states, " ")})
	}
	return rows
}

func arenaRows(arenas []glibc.ThreadArena) [][]string {
	rows := [][]string{{"tid", "arena", "main"}}
	for _, ta := range arenas {
		rows = append(rows, []string{strconv.Itoa(ta.TID), fmt.Sprintf("%#x", ta.Base), strconv.FormatBool(ta.Main)})
	}
	return rows
}
