// Package tracer implements the basic-block tracing state machine: it
// alternates single-stepping and hardware breakpoints to discover basic
// blocks, watches for the dynamic loader's image-notification callback,
// and writes everything to a trace log.
package tracer

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/mountainstorm/flow/internal/excport"
	"github.com/mountainstorm/flow/internal/machkit"
	"github.com/mountainstorm/flow/internal/target"
	"github.com/mountainstorm/flow/internal/tracelog"
)

// TimingFunc receives the elapsed time since the previous library
// notification, for verbose-mode timing diagnostics.
type TimingFunc func(d time.Duration)

// Tracer drives one attached Task through its lifetime, turning Mach
// exceptions into Block and LibraryNotification records.
type Tracer struct {
	task *target.Task
	log  *tracelog.Writer

	dyldInfo             machkit.DyldInfo
	dyldNotificationFunc uint64
	dyldAddrLogged       bool

	onTiming   TimingFunc
	onBlock    func(tracelog.Block)
	onDyldLoad func(addr uint64)
	onLibrary  func(mode tracelog.DyldMode, images []tracelog.ImageInfo)
	lastTick   time.Time
}

// New creates a Tracer for an already-attached task, resolving dyld's
// bootstrap info up front.
func New(task *target.Task, log *tracelog.Writer, onTiming TimingFunc) (*Tracer, error) {
	info, err := machkit.DyldAllImageInfosAddr(task.Port)
	if err != nil {
		return nil, fmt.Errorf("tracer: resolve dyld info: %w", err)
	}
	return &Tracer{
		task:     task,
		log:      log,
		dyldInfo: info,
		onTiming: onTiming,
		lastTick: time.Now(),
	}, nil
}

// SetObservers installs optional live-feed callbacks, invoked alongside
// the trace log write for every record published. Any of them may be nil.
func (t *Tracer) SetObservers(onBlock func(tracelog.Block), onDyldLoad func(addr uint64), onLibrary func(mode tracelog.DyldMode, images []tracelog.ImageInfo)) {
	t.onBlock = onBlock
	t.onDyldLoad = onDyldLoad
	t.onLibrary = onLibrary
}

// OnException is the tracer's excport.OnException callback: one call per
// exception delivery, returning whether the target should keep running.
func (t *Tracer) OnException(exc excport.Exception) excport.ExceptionAction {
	action, err := t.step(exc)
	if err != nil {
		// Any unhandled failure here means the trace log or a kernel
		// primitive is broken under us; there's nothing better to do than
		// behavior of aborting the target.
		return excport.ActionAbortTask
	}
	return action
}

func (t *Tracer) step(exc excport.Exception) (excport.ExceptionAction, error) {
	if t.dyldNotificationFunc == 0 {
		if err := t.discoverDyldNotification(); err != nil {
			return excport.ActionAbortTask, err
		}
	}

	th := t.task.ThreadByPort(exc.Thread)
	th.RegState = exc.NewState

	pc, err := t.task.Arch.PC(th)
	if err != nil {
		return excport.ActionAbortTask, fmt.Errorf("tracer: get pc: %w", err)
	}

	if t.dyldNotificationFunc != 0 && pc == t.dyldNotificationFunc {
		if err := t.logLibraryNotification(th); err != nil {
			return excport.ActionAbortTask, fmt.Errorf("tracer: library notification: %w", err)
		}
		if t.onTiming != nil {
			now := time.Now()
			t.onTiming(now.Sub(t.lastTick))
			t.lastTick = now
		}
	}

	singleStep, err := t.task.Arch.GetSingleStep(th)
	if err != nil {
		return excport.ActionAbortTask, fmt.Errorf("tracer: get single-step: %w", err)
	}

	if singleStep {
		block, err := t.task.Arch.FindNextBranch(th)
		if err != nil {
			return excport.ActionAbortTask, fmt.Errorf("tracer: find next branch: %w", err)
		}
		if err := t.task.Arch.SetSingleStep(th, false); err != nil {
			return excport.ActionAbortTask, fmt.Errorf("tracer: clear single-step: %w", err)
		}
		if err := t.task.Arch.SetBreakpoint(th, block.Branch); err != nil {
			return excport.ActionAbortTask, fmt.Errorf("tracer: arm breakpoint: %w", err)
		}
		th.SingleStepPhase = false
		if err := t.log.WriteBlock(block); err != nil {
			return excport.ActionAbortTask, fmt.Errorf("tracer: write block: %w", err)
		}
		if t.onBlock != nil {
			t.onBlock(block)
		}
		return excport.ActionContinue, nil
	}

	// We've just hit the breakpoint at the end of a block: switch back to
	// single-step mode so the next exception lands one instruction later,
	// at the start of whatever block the branch took us to.
	if err := t.task.Arch.SetSingleStep(th, true); err != nil {
		return excport.ActionAbortTask, fmt.Errorf("tracer: set single-step: %w", err)
	}
	if err := t.task.Arch.ClearBreakpoint(th); err != nil {
		return excport.ActionAbortTask, fmt.Errorf("tracer: clear breakpoint: %w", err)
	}
	th.SingleStepPhase = true
	return excport.ActionContinue, nil
}

// discoverDyldNotification reads dyld's all_image_infos structure looking
// for the notification callback address and the loader's own load
// address. It's cheap enough to call on every exception until it succeeds,
// since before dyld finishes initializing the fields are just zero.
func (t *Tracer) discoverDyldNotification() error {
	var notif, loadAddr uint64
	var err error
	if t.dyldInfo.AllImageInfoFormat == machkit.DyldAllImageInfo64 {
		notif, loadAddr, err = t.readAllImageInfos64()
	} else {
		notif, loadAddr, err = t.readAllImageInfos32()
	}
	if err != nil {
		return err
	}

	t.dyldNotificationFunc = notif
	if !t.dyldAddrLogged && loadAddr != 0 {
		if err := t.log.WriteDyldLoadAddress(loadAddr); err != nil {
			return fmt.Errorf("write dyld load address: %w", err)
		}
		t.dyldAddrLogged = true
		if t.onDyldLoad != nil {
			t.onDyldLoad(loadAddr)
		}
	}
	return nil
}

// readAllImageInfos32 reads the architecture-independent prefix of
// struct dyld_all_image_infos with 32-bit pointers: version(4),
// infoArrayCount(4), infoArray(4), notification(4),
// processDetachedFromSharedRegion(1), libSystemInitialized(1), padding(2),
// dyldImageLoadAddress(4).
func (t *Tracer) readAllImageInfos32() (notification, loadAddress uint64, err error) {
	const size = 4 + 4 + 4 + 4 + 1 + 1 + 2 + 4
	b, err := t.task.ReadMemory(t.dyldInfo.AllImageInfoAddr, size)
	if err != nil {
		return 0, 0, err
	}
	notification = uint64(binary.LittleEndian.Uint32(b[12:16]))
	loadAddress = uint64(binary.LittleEndian.Uint32(b[20:24]))
	return notification, loadAddress, nil
}

func (t *Tracer) readAllImageInfos64() (notification, loadAddress uint64, err error) {
	const size = 4 + 4 + 8 + 8 + 1 + 1 + 6 + 8
	b, err := t.task.ReadMemory(t.dyldInfo.AllImageInfoAddr, size)
	if err != nil {
		return 0, 0, err
	}
	notification = binary.LittleEndian.Uint64(b[16:24])
	loadAddress = binary.LittleEndian.Uint64(b[32:40])
	return notification, loadAddress, nil
}

// logLibraryNotification decodes the (mode, infoCount, info[]) arguments
// dyld's image notifier was just called with, and writes them as one
// library-notification record.
func (t *Tracer) logLibraryNotification(th *target.Thread) error {
	wordWidth := t.task.Arch.WordWidth()
	wordBytes := wordWidth / 8

	cursor, err := t.task.Arch.NewArgsCursor(th, false)
	if err != nil {
		return fmt.Errorf("args cursor: %w", err)
	}

	mode, err := cursor.Next(wordBytes)
	if err != nil {
		return fmt.Errorf("read mode arg: %w", err)
	}
	infoCountWord, err := cursor.Next(4)
	if err != nil {
		return fmt.Errorf("read infoCount arg: %w", err)
	}
	infoCount := uint32(infoCountWord)
	infoAddrWord, err := cursor.Next(wordBytes)
	if err != nil {
		return fmt.Errorf("read info pointer arg: %w", err)
	}
	infoAddr := infoAddrWord

	images := make([]tracelog.ImageInfo, 0, infoCount)
	for i := uint32(0); i < infoCount; i++ {
		img, next, err := t.readDyldImageInfo(infoAddr, wordWidth)
		if err != nil {
			return fmt.Errorf("read image info %d: %w", i, err)
		}
		images = append(images, img)
		infoAddr = next
	}

	if err := t.log.WriteLibraryNotification(tracelog.DyldMode(mode), images); err != nil {
		return err
	}
	if t.onLibrary != nil {
		t.onLibrary(tracelog.DyldMode(mode), images)
	}
	return nil
}

// readDyldImageInfo reads one struct dyld_image_info entry at addr and
// returns it plus the address immediately after it.
func (t *Tracer) readDyldImageInfo(addr uint64, wordWidth int) (tracelog.ImageInfo, uint64, error) {
	if wordWidth == 64 {
		const size = 8 + 8 + 8 // load address, file path pointer, mod date
		b, err := t.task.ReadMemory(addr, size)
		if err != nil {
			return tracelog.ImageInfo{}, 0, err
		}
		base := binary.LittleEndian.Uint64(b[0:8])
		pathAddr := binary.LittleEndian.Uint64(b[8:16])
		path, err := t.task.ReadCString(pathAddr, 4096)
		if err != nil {
			return tracelog.ImageInfo{}, 0, err
		}
		return tracelog.ImageInfo{BaseAddress: base, Path: path}, addr + size, nil
	}

	const size = 4 + 4 + 4
	b, err := t.task.ReadMemory(addr, size)
	if err != nil {
		return tracelog.ImageInfo{}, 0, err
	}
	base := uint64(binary.LittleEndian.Uint32(b[0:4]))
	pathAddr := uint64(binary.LittleEndian.Uint32(b[4:8]))
	path, err := t.task.ReadCString(pathAddr, 4096)
	if err != nil {
		return tracelog.ImageInfo{}, 0, err
	}
	return tracelog.ImageInfo{BaseAddress: base, Path: path}, addr + size, nil
}
