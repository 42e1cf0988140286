// Package monitor republishes the same Block and LibraryNotification
// stream the trace log records over a local websocket, using a fan-out
// pub/sub broadcaster.
package monitor

import "github.com/mountainstorm/flow/internal/tracelog"

// EventType distinguishes the three record kinds the tracer ever emits.
type EventType string

const (
	EventBlock        EventType = "block"
	EventDyldLoad     EventType = "dyld_load"
	EventLibraryEvent EventType = "library_notification"
)

// Event is one published record. It carries no timestamp.
type Event struct {
	Type     EventType            `json:"type"`
	Block    *tracelog.Block      `json:"block,omitempty"`
	DyldAddr uint64               `json:"dyldLoadAddress,omitempty"`
	Mode     tracelog.DyldMode    `json:"mode,omitempty"`
	Images   []tracelog.ImageInfo `json:"images,omitempty"`
}

// BlockEvent wraps a discovered block for publication.
func BlockEvent(b tracelog.Block) Event {
	return Event{Type: EventBlock, Block: &b}
}

// DyldLoadEvent wraps the loader's own base address for publication.
func DyldLoadEvent(addr uint64) Event {
	return Event{Type: EventDyldLoad, DyldAddr: addr}
}

// LibraryEvent wraps a library add/remove notification for publication.
func LibraryEvent(mode tracelog.DyldMode, images []tracelog.ImageInfo) Event {
	return Event{Type: EventLibraryEvent, Mode: mode, Images: images}
}
