package tui

import (
	"strings"
	"testing"

	"github.com/mountainstorm/flow/internal/monitor"
	"github.com/mountainstorm/flow/internal/tracelog"
)

func TestFormatEventBlock(t *testing.T) {
	evt := monitor.BlockEvent(tracelog.Block{Entry: 0x1000, Branch: 0x1010, Type: tracelog.BranchCall})
	line := formatEvent(evt)
	if !strings.Contains(line, "0x1000") || !strings.Contains(line, "0x1010") {
		t.Errorf("unexpected formatted line: %q", line)
	}
}

func TestFormatEventLibrary(t *testing.T) {
	evt := monitor.LibraryEvent(tracelog.DyldImageAdding, []tracelog.ImageInfo{
		{BaseAddress: 0x7000, Path: "/usr/lib/libSystem.B.dylib"},
	})
	line := formatEvent(evt)
	if !strings.Contains(line, "libSystem.B.dylib") {
		t.Errorf("unexpected formatted line: %q", line)
	}
}

func TestFormatEventDyldLoad(t *testing.T) {
	evt := monitor.DyldLoadEvent(0x123456)
	line := formatEvent(evt)
	if !strings.Contains(line, "0x123456") {
		t.Errorf("unexpected formatted line: %q", line)
	}
}
