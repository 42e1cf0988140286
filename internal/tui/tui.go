// Package tui is a terminal view of the same event stream internal/monitor
// serves over a websocket, built with gdamore/tcell and rivo/tview.
package tui

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/mountainstorm/flow/internal/monitor"
)

// TUI is a minimal live trace viewer: one scrolling panel of block and
// library-notification events, and a status line. It only observes a
// running trace, so it only needs the event log and a status line rather
// than the register/memory/disassembly panels an interactive debugger
// would need.
type TUI struct {
	App    *tview.Application
	Events *tview.TextView
	Status *tview.TextView

	sub       *monitor.Subscription
	blockSeen int
	libSeen   int
}

// New builds a TUI subscribed to broadcaster's event stream.
func New(broadcaster *monitor.Broadcaster) *TUI {
	t := &TUI{
		App: tview.NewApplication(),
		sub: broadcaster.Subscribe(),
	}
	t.initializeViews()
	t.buildLayout()
	t.setupKeyBindings()
	return t
}

func (t *TUI) initializeViews() {
	t.Events = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetChangedFunc(func() { t.App.Draw() })
	t.Events.SetBorder(true).SetTitle(" Trace ")

	t.Status = tview.NewTextView().SetDynamicColors(true)
	t.Status.SetBorder(true).SetTitle(" Status ")
}

func (t *TUI) buildLayout() {
	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(t.Events, 0, 5, true).
		AddItem(t.Status, 3, 1, false)
	t.App.SetRoot(layout, true)
}

func (t *TUI) setupKeyBindings() {
	t.App.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyCtrlC || event.Rune() == 'q' {
			t.App.Stop()
			return nil
		}
		return event
	})
}

// Run starts the event-consuming goroutine and blocks in tview's event
// loop until the user quits.
func (t *TUI) Run() error {
	go t.consume()
	return t.App.Run()
}

// Close does nothing and is safe to call after Run returns. It does not
// unsubscribe: TUI keeps no reference to the broadcaster, so its
// subscription stays registered until the broadcaster itself is closed.
func (t *TUI) Close() {
	// sub.Channel is closed by the broadcaster on Close; nothing to
	// release here.
}

func (t *TUI) consume() {
	for evt := range t.sub.Channel {
		line := formatEvent(evt)
		switch evt.Type {
		case monitor.EventBlock:
			t.blockSeen++
		case monitor.EventLibraryEvent:
			t.libSeen++
		}
		t.App.QueueUpdateDraw(func() {
			fmt.Fprintln(t.Events, line)
			t.Status.SetText(fmt.Sprintf("blocks: %d  library events: %d", t.blockSeen, t.libSeen))
		})
	}
}

func formatEvent(evt monitor.Event) string {
	switch evt.Type {
	case monitor.EventBlock:
		b := evt.Block
		return fmt.Sprintf("[green]block[-] %#x -> %#x (%v)", b.Entry, b.Branch, b.Type)
	case monitor.EventDyldLoad:
		return fmt.Sprintf("[yellow]dyld[-] loaded at %#x", evt.DyldAddr)
	case monitor.EventLibraryEvent:
		paths := make([]string, len(evt.Images))
		for i, img := range evt.Images {
			paths[i] = fmt.Sprintf("%#x %s", img.BaseAddress, img.Path)
		}
		return fmt.Sprintf("[cyan]library[-] mode=%d %s", evt.Mode, strings.Join(paths, ", "))
	default:
		return fmt.Sprintf("unknown event %+v", evt)
	}
}
