package termui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/monsterxx03/mallocspy/pkg/glibc"
	"github.com/monsterxx03/mallocspy/pkg/inspect"
	"github.com/monsterxx03/mallocspy/pkg/proc"
	"github.com/monsterxx03/mallocspy/pkg/render"
)

// HeapUI is a full-screen browser over the explored heap of one session.
type HeapUI struct {
	app          *tview.Application
	table        *tview.Table
	titleView    *tview.TextView
	statsView    *tview.TextView
	detailView   *tview.TextView
	searchView   *tview.InputField
	help         *tview.TextView
	flex         *tview.Flex
	session      *inspect.Session
	interval     int
	suspended    bool
	refreshChan  chan struct{}
	searchFilter string
	views        []int // 0 is the process view, the rest are tids
	viewIdx      int
	rows         []glibc.HeapRegion
	lastReport   *inspect.Report
	lastErr      error
	lastDuration time.Duration
}

var headers = []struct {
	name  string
	align int
}{
	{"Start", tview.AlignLeft},
	{"End", tview.AlignLeft},
	{"Size", tview.AlignRight},
	{"Kind", tview.AlignLeft},
	{"Origins", tview.AlignLeft},
}

var stateTagColors = map[glibc.ChunkState]string{
	glibc.StateActive:       "green",
	glibc.StateTcache:       "aqua",
	glibc.StateFastbin:      "blue",
	glibc.StateBin:          "fuchsia",
	glibc.StateOrphanedFree: "red",
	glibc.StateMmapped:      "yellow",
}

// NewHeapUI builds the browser. interval is the re-analysis period in
// seconds, 0 disables automatic refresh.
func NewHeapUI(s *inspect.Session, interval int) *HeapUI {
	table := tview.NewTable()
	table.SetBorders(false).
		SetFixed(1, 0).
		SetSelectable(true, false).
		SetBorder(false)

	ui := &HeapUI{
		app:      tview.NewApplication(),
		table:    table,
		session:  s,
		interval: interval,
		views:    []int{0},
	}
	ui.titleView = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	return ui
}

func (t *HeapUI) updateHelpText() {
	baseHelp := "[yellow]Press [white]q[green] to quit, [white]r[green] to re-analyze, [white]s[green] to suspend/resume, [white]t[green] to switch thread, [white]/[green] to filter, [white]Enter[green] to dump chunk"
	if t.searchFilter != "" {
		baseHelp += fmt.Sprintf(" [white]| [green]Current filter: [white]%q", t.searchFilter)
	} else {
		baseHelp += " [white]| [green]No active filter"
	}
	t.help.SetText(baseHelp)
}

func (t *HeapUI) Run() error {
	t.help = tview.NewTextView().SetDynamicColors(true)
	t.updateHelpText()

	t.statsView = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)

	t.detailView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	t.detailView.SetBorder(true).SetTitle(" chunk ")

	t.searchView = tview.NewInputField().
		SetLabel("Filter: ").
		SetFieldBackgroundColor(tcell.ColorDefault).
		SetChangedFunc(func(text string) {
			t.searchFilter = text
		}).
		SetDoneFunc(func(key tcell.Key) {
			if key == tcell.KeyEsc || key == tcell.KeyEnter {
				t.flex.RemoveItem(t.searchView)
				t.app.SetFocus(t.table)
				t.updateHelpText()
				t.fill()
			}
		})

	t.table.SetSelectedFunc(func(row, _ int) {
		t.showChunk(row - 1)
	})

	body := tview.NewFlex().
		AddItem(t.table, 0, 3, true).
		AddItem(t.detailView, 0, 2, false)

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.titleView, 1, 1, false).
		AddItem(t.statsView, 3, 1, false).
		AddItem(body, 0, 1, true).
		AddItem(t.help, 1, 1, false)

	if threads, err := t.session.Threads(); err == nil {
		for _, th := range threads {
			t.views = append(t.views, th.TID)
		}
	}

	t.refreshChan = make(chan struct{}, 1)
	var tick <-chan time.Time
	if t.interval > 0 {
		ticker := time.NewTicker(time.Duration(t.interval) * time.Second)
		defer ticker.Stop()
		tick = ticker.C
	}

	t.update()

	t.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if t.app.GetFocus() == t.searchView {
			return event
		}
		switch event.Rune() {
		case 'q':
			t.app.Stop()
			return nil
		case 'r':
			t.trigger()
			return nil
		case 's':
			t.suspended = !t.suspended
			t.setTitle()
			return nil
		case 't':
			t.viewIdx = (t.viewIdx + 1) % len(t.views)
			t.fill()
			return nil
		case '/':
			t.searchView.SetText(t.searchFilter)
			t.flex.AddItem(t.searchView, 1, 1, false)
			t.app.SetFocus(t.searchView)
			return nil
		}
		return event
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-tick:
				if !t.suspended {
					t.app.QueueUpdateDraw(t.update)
				}
			case <-t.refreshChan:
				t.app.QueueUpdateDraw(t.update)
			case <-done:
				return
			}
		}
	}()

	return t.app.SetRoot(t.flex, true).Run()
}

func (t *HeapUI) trigger() {
	select {
	case t.refreshChan <- struct{}{}:
	default:
	}
}

// update re-analyzes the target and redraws every pane.
func (t *HeapUI) update() {
	start := time.Now()
	report, err := t.session.Analyze()
	t.lastDuration = time.Since(start)
	t.lastErr = err
	if err == nil {
		t.lastReport = report
	}
	t.fill()
}

func (t *HeapUI) tid() int {
	return t.views[t.viewIdx]
}

func (t *HeapUI) viewName() string {
	if t.tid() == 0 {
		return "process"
	}
	return fmt.Sprintf("thread %d", t.tid())
}

// fill redraws the table from the current view and filter.
func (t *HeapUI) fill() {
	t.rows = nil
	var viewErr error
	if t.lastReport != nil {
		view, err := t.session.View(t.tid())
		if err != nil {
			viewErr = err
		} else {
			t.rows = inspect.FilterRegions(view, parseFilter(t.searchFilter))
		}
	}

	t.table.Clear()
	for i, h := range headers {
		t.table.SetCell(0, i, tview.NewTableCell(h.name).
			SetAlign(h.align).
			SetSelectable(false).
			SetTextColor(tcell.ColorYellow).
			SetBackgroundColor(tcell.ColorDarkSlateGray))
	}
	for i, r := range t.rows {
		cells := regionCells(r)
		for j, c := range cells {
			cell := tview.NewTableCell(c).SetAlign(headers[j].align)
			if j == 3 {
				if col, ok := stateTagColors[r.State]; ok && r.Kind == glibc.KindChunk {
					cell.SetTextColor(tcell.GetColor(col))
				}
			}
			t.table.SetCell(i+1, j, cell)
		}
	}

	t.setTitle()
	t.statsView.SetText(t.statsText(viewErr))
}

func (t *HeapUI) setTitle() {
	version := "?"
	regions := 0
	if t.lastReport != nil {
		version = t.lastReport.Summary.Version
		regions = len(t.rows)
	}
	uptime := fmt.Sprintf(" [white]| [aqua]Uptime: %s", proc.FormatDuration(t.session.Process().Uptime()))
	title := fmt.Sprintf("[yellow]PID: %d [white]| [green]glibc: %s [white]| [blue]Regions: %d [white]| [purple]View: %s [white]| [orange]Update: %v%s",
		t.session.PID(), version, regions, t.viewName(), t.lastDuration.Round(time.Microsecond), uptime)
	if t.suspended {
		title += " [red](PAUSED)"
	}
	t.titleView.SetText(title)
}

func (t *HeapUI) statsText(viewErr error) string {
	if t.lastErr != nil {
		return fmt.Sprintf("[red]Analysis failed: [white]%s", tview.Escape(t.lastErr.Error()))
	}
	if t.lastReport == nil {
		return ""
	}
	s := t.lastReport.Summary
	free, freeBytes := s.Free()
	text := fmt.Sprintf(
		"[yellow]Heap: [white]%d arenas (%d freed) | %d heap blocks | %d chunks (%s) | %d free (%s)\n"+
			"[yellow]States: [white]%s\n",
		s.Arenas, s.FreedArenas, s.HeapBlocks, s.Chunks, proc.HumanateBytes(s.Bytes), free, proc.HumanateBytes(freeBytes),
		stateCounts(t.rows))
	if viewErr != nil {
		return text + fmt.Sprintf("[red]View failed: [white]%s", tview.Escape(viewErr.Error()))
	}
	return text + fmt.Sprintf("[yellow]Diagnostics: [white]%d", len(t.lastReport.Diagnostics))
}

func (t *HeapUI) showChunk(i int) {
	if i < 0 || i >= len(t.rows) {
		return
	}
	r := t.rows[i]
	t.detailView.Clear()
	if r.Kind != glibc.KindChunk {
		fmt.Fprintf(t.detailView, "%s at %#x, %d bytes\n", r.Kind, r.Range.Low, r.Range.Size())
		return
	}
	info, err := t.session.Chunk(r.Range.Low)
	if err != nil {
		fmt.Fprintf(t.detailView, "[red]%s", tview.Escape(err.Error()))
		return
	}
	lo, hi := heapBounds(t.rows)
	render.Chunk(tview.ANSIWriter(t.detailView), info.Chunk, r.State, lo, hi)
	t.detailView.ScrollToBeginning()
}

func regionCells(r glibc.HeapRegion) []string {
	origins := make([]string, 0, len(r.Origins))
	for _, o := range r.Origins {
		origins = append(origins, o.String())
	}
	return []string{
		fmt.Sprintf("%#x", r.Range.Low),
		fmt.Sprintf("%#x", r.Range.High),
		fmt.Sprintf("%#x", r.Range.Size()),
		r.Label(),
		strings.Join(origins, ","),
	}
}

// parseFilter reads "state:x", "origin:x" or free text.
func parseFilter(s string) inspect.Filter {
	var f inspect.Filter
	var text []string
	for _, field := range strings.Fields(s) {
		switch {
		case strings.HasPrefix(field, "state:"):
			f.State = strings.TrimPrefix(field, "state:")
		case strings.HasPrefix(field, "origin:"):
			f.Origin = strings.TrimPrefix(field, "origin:")
		default:
			text = append(text, field)
		}
	}
	f.Text = strings.Join(text, " ")
	return f
}

// stateCounts renders "label:count" pairs sorted by label.
func stateCounts(regions []glibc.HeapRegion) string {
	counts := make(map[string]int)
	for _, r := range regions {
		counts[r.Label()]++
	}
	labels := make([]string, 0, len(counts))
	for l := range counts {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, fmt.Sprintf("%s:%d", l, counts[l]))
	}
	return strings.Join(parts, " ")
}

// heapBounds is the smallest range covering every region, used to
// highlight words that point back into the heap.
func heapBounds(regions []glibc.HeapRegion) (lo, hi uint64) {
	for i, r := range regions {
		if i == 0 || r.Range.Low < lo {
			lo = r.Range.Low
		}
		if r.Range.High > hi {
			hi = r.Range.High
		}
	}
	return lo, hi
}
