// Package tracelog implements the append-only binary trace format written
// by the tracer: a header carrying the target's CPU type, followed by a
// stream of block, dyld-load-address, and library-notification records.
//
// Offline control-flow-graph reconstruction from the format is out of
// scope here, but the record layout is a straightforward bijection with
// the fields it was built from.
package tracelog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// BranchType classifies the instruction that ends a Block.
type BranchType uint8

const (
	BranchOther BranchType = iota
	BranchCall
	BranchReturn
	BranchSyscall
)

// recordType bit layout for a block record:
//
//	0b0mttooooo
//	m: 0 for a block record (the only record kind that uses the low bits)
//	tt: branch kind for a block record
//	ooooo: byte delta from entry to branch, or 0x1F if it doesn't fit
const (
	deltaMask      = 0x1F
	deltaOverflow  = 0x1F
	recordDyldLoad = 0x80
	recordLibNotif = 0x81
)

func branchBits(t BranchType) uint8 {
	switch t {
	case BranchCall:
		return 0x20
	case BranchReturn:
		return 0x40
	case BranchSyscall:
		return 0x60
	default:
		return 0x00
	}
}

// Block is one basic block observed in the target: entry is the address of
// its first instruction, branch is the address of the instruction that
// ends it, and typ classifies that terminating instruction.
type Block struct {
	Entry  uint64
	Branch uint64
	Type   BranchType
}

// ImageInfo is one dynamic-library add/remove entry within a
// LibraryNotification.
type ImageInfo struct {
	BaseAddress uint64
	Path        string
}

// DyldMode mirrors the loader's dyld_image_mode enum: adding vs. removing.
type DyldMode uint64

const (
	DyldImageAdding DyldMode = iota
	DyldImageRemoving
)

// Writer appends trace records to an underlying file. It is not safe for
// concurrent use: the tracer's exception callback is the only writer, and
// exceptions are processed one at a time.
type Writer struct {
	f   *os.File
	buf *bufio.Writer
}

// Open creates (truncating) the trace file at path and writes the header:
// a 32-bit CPU type, in host byte order, matching the target the trace was
// captured from.
func Open(path string, cpuType int32) (*Writer, error) {
	f, err := os.Create(path) // #nosec G304 -- operator-supplied trace output path
	if err != nil {
		return nil, fmt.Errorf("tracelog: create %q: %w", path, err)
	}
	w := &Writer{f: f, buf: bufio.NewWriter(f)}
	if err := binary.Write(w.buf, binary.LittleEndian, cpuType); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("tracelog: write header: %w", err)
	}
	return w, nil
}

// Close flushes any buffered records and closes the underlying file.
func (w *Writer) Close() error {
	if w == nil || w.f == nil {
		return nil
	}
	ferr := w.buf.Flush()
	cerr := w.f.Close()
	w.f = nil
	if ferr != nil {
		return fmt.Errorf("tracelog: flush: %w", ferr)
	}
	if cerr != nil {
		return fmt.Errorf("tracelog: close: %w", cerr)
	}
	return nil
}

// WriteDyldLoadAddress appends a dyld-load-address record.
func (w *Writer) WriteDyldLoadAddress(addr uint64) error {
	if err := w.writeByte(recordDyldLoad); err != nil {
		return err
	}
	return w.writeU64(addr)
}

// WriteBlock appends a block record. The branch address is always
// expected to lie at or after entry; callers that violate this will still
// get a syntactically valid, if semantically odd, record, since tracelog
// has no access to the decoded instruction stream to validate it.
//
// The 64-bit branch field is present only when the entry-to-branch delta
// doesn't fit in 5 bits — small deltas are encoded entirely in the type
// byte and nothing else follows entry.
func (w *Writer) WriteBlock(b Block) error {
	delta := b.Branch - b.Entry
	deltaBits := uint8(deltaOverflow)
	if delta < deltaOverflow {
		deltaBits = uint8(delta) & deltaMask
	}
	typ := branchBits(b.Type) | deltaBits
	if err := w.writeByte(typ); err != nil {
		return err
	}
	if err := w.writeU64(b.Entry); err != nil {
		return err
	}
	if deltaBits == deltaOverflow {
		if err := w.writeU64(b.Branch); err != nil {
			return err
		}
	}
	return nil
}

// WriteLibraryNotification appends a library-notification record: the
// notifier's mode and image count, followed by one sub-record per
// image (base address, path length, raw path bytes with no terminator).
func (w *Writer) WriteLibraryNotification(mode DyldMode, images []ImageInfo) error {
	if err := w.writeByte(recordLibNotif); err != nil {
		return err
	}
	if err := w.writeU64(uint64(mode)); err != nil {
		return err
	}
	if err := binary.Write(w.buf, binary.LittleEndian, uint32(len(images))); err != nil {
		return fmt.Errorf("tracelog: write infoCount: %w", err)
	}
	for i, img := range images {
		if err := w.writeU64(img.BaseAddress); err != nil {
			return fmt.Errorf("tracelog: write image %d base: %w", i, err)
		}
		if len(img.Path) > 0xFFFF {
			return fmt.Errorf("tracelog: image %d path too long (%d bytes)", i, len(img.Path))
		}
		if err := binary.Write(w.buf, binary.LittleEndian, uint16(len(img.Path))); err != nil {
			return fmt.Errorf("tracelog: write image %d path length: %w", i, err)
		}
		if _, err := io.WriteString(w.buf, img.Path); err != nil {
			return fmt.Errorf("tracelog: write image %d path: %w", i, err)
		}
	}
	return nil
}

func (w *Writer) writeByte(b uint8) error {
	if err := w.buf.WriteByte(b); err != nil {
		return fmt.Errorf("tracelog: write type byte: %w", err)
	}
	return nil
}

func (w *Writer) writeU64(v uint64) error {
	if err := binary.Write(w.buf, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("tracelog: write u64: %w", err)
	}
	return nil
}
