// Command flow parses arguments, launches or attaches to a target, wires
// the exception port, tracer, and trace log together, and drives the
// target to completion.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mountainstorm/flow/internal/config"
	"github.com/mountainstorm/flow/internal/excport"
	"github.com/mountainstorm/flow/internal/launch"
	"github.com/mountainstorm/flow/internal/logging"
	"github.com/mountainstorm/flow/internal/machine"
	"github.com/mountainstorm/flow/internal/machkit"
	"github.com/mountainstorm/flow/internal/monitor"
	"github.com/mountainstorm/flow/internal/target"
	"github.com/mountainstorm/flow/internal/tracelog"
	"github.com/mountainstorm/flow/internal/tracer"
)

func main() {
	var (
		traceFile   = flag.String("o", "", "trace output filename (default: flow_<pid>.log)")
		attachPid   = flag.Int("a", -1, "attach to an already-running pid instead of launching prog")
		springboard = flag.Bool("s", false, "launch using springboard (not implemented)")
		cpuTypeStr  = flag.String("c", "", "launch this architecture from a fat binary: i386 or x86_64")
		verbose     = flag.Bool("verbose", false, "log exception names and per-notification timing")
		monitorFlag = flag.Bool("monitor", false, "serve a live trace feed over a websocket")
		monitorAddr = flag.String("monitor-addr", "", "override the configured monitor listen address")
	)
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "flow: load config: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.Logging.Verbose = true
	}
	log := logging.Default(cfg.Logging.Verbose)

	if *springboard {
		log.Error("springboard launch is not implemented")
		os.Exit(1)
	}

	if err := run(cfg, log, *traceFile, *attachPid, *cpuTypeStr, *monitorFlag, *monitorAddr); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: flow [-o tracefile] -a pid | [-c i386|x86_64] prog args")
	fmt.Fprintln(os.Stderr, "    -o: the name of the tracefile")
	fmt.Fprintln(os.Stderr, "    -a: attach to pid")
	fmt.Fprintln(os.Stderr, "    -c: launch this arch from a fat binary")
	fmt.Fprintln(os.Stderr, "    -verbose: log exception names and notification timing")
	fmt.Fprintln(os.Stderr, "    -monitor: serve a live trace feed over a websocket")
	flag.PrintDefaults()
}

func run(cfg *config.Config, log *logging.Logger, traceFile string, attachPid int, cpuTypeStr string, monitorEnabled bool, monitorAddr string) error {
	if cfg.Privilege.AcquireTaskport {
		if err := launch.AcquireTaskportRight(); err != nil {
			return fmt.Errorf("flow: %w (task_for_pid will fail against processes you don't own)", err)
		}
	}

	pid, err := startOrAttach(attachPid, cpuTypeStr)
	if err != nil {
		return err
	}
	log.Info("pid: %d", pid)

	task, err := machkit.TaskForPid(pid)
	if err != nil {
		return fmt.Errorf("flow: task_for_pid: %w", err)
	}
	if err := machkit.SuspendTask(task); err != nil {
		return fmt.Errorf("flow: task_suspend: %w", err)
	}
	// Whatever happens below, leave the task able to run again before we
	// ptrace-detach: an unresumed suspend count would leave it stuck.
	resumed := false
	resume := func() {
		if !resumed {
			resumed = true
			_ = machkit.ResumeTask(task)
		}
	}
	defer resume()

	if traceFile == "" {
		traceFile = filepath.Join(cfg.Trace.DefaultDir, fmt.Sprintf("flow_%d.log", pid))
	}

	cpuType, err := machkit.ProcessCPUType(pid)
	if err != nil {
		return fmt.Errorf("flow: determine target cpu type: %w", err)
	}
	arch, err := machine.BackendFor(cpuType)
	if err != nil {
		return err
	}

	var broadcaster *monitor.Broadcaster
	if monitorEnabled || cfg.Monitor.Enabled {
		addr := cfg.Monitor.Addr
		if monitorAddr != "" {
			addr = monitorAddr
		}
		broadcaster = monitor.NewBroadcaster()
		defer broadcaster.Close()
		srv := monitor.NewServer(broadcaster, log)
		httpSrv := &http.Server{Addr: addr, Handler: srv}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("monitor: %v", err)
			}
		}()
		defer httpSrv.Close()
		log.Info("monitor: serving on %s", addr)
	}

	attached, traceErr := processTaskExceptions(pid, task, cpuType, arch, traceFile, log, broadcaster)
	resume()
	if !attached {
		_ = machkit.AttachExc(pid)
	}
	_ = machkit.Kill(pid)
	_ = machkit.Detach(pid)
	if traceErr != nil {
		return fmt.Errorf("flow: %w", traceErr)
	}
	return nil
}

func startOrAttach(attachPid int, cpuTypeStr string) (machkit.Pid, error) {
	if attachPid >= 0 {
		return launch.AttachExisting(attachPid)
	}
	if flag.NArg() == 0 {
		usage()
		os.Exit(1)
	}
	cpuPref := launch.ParseCPUType(cpuTypeStr)
	return launch.PosixSpawnSuspended(flag.Arg(0), flag.Args()[1:], cpuPref)
}

// processTaskExceptions wires the exception port, tracer, and trace log
// together, ptrace-attaches, resumes the target, and pumps exceptions
// until the target stops running. The exception pump runs in its own
// goroutine tracked by a WaitGroup; Go has no way to cancel a goroutine
// blocked in a syscall via signal, so the pump instead unblocks naturally
// when Detach (called below once the target has stopped) tears down the
// port it's blocked receiving from.
func processTaskExceptions(pid machkit.Pid, task machkit.Port, cpuType machkit.CPUType, arch target.ArchBackend, traceFilename string, log *logging.Logger, broadcaster *monitor.Broadcaster) (bool, error) {
	tgt := target.NewTask(pid, task, cpuType, arch)

	w, err := tracelog.Open(traceFilename, int32(cpuType))
	if err != nil {
		return false, fmt.Errorf("flow: open trace log: %w", err)
	}
	defer w.Close()

	var onTiming tracer.TimingFunc
	if log != nil {
		onTiming = func(d time.Duration) {
			log.Verbose("library notification: %v since last", d)
		}
	}
	tr, err := tracer.New(tgt, w, onTiming)
	if err != nil {
		return false, fmt.Errorf("flow: create tracer: %w", err)
	}

	if broadcaster != nil {
		tr.SetObservers(
			func(b tracelog.Block) { broadcaster.Publish(monitor.BlockEvent(b)) },
			func(addr uint64) { broadcaster.Publish(monitor.DyldLoadEvent(addr)) },
			func(mode tracelog.DyldMode, images []tracelog.ImageInfo) {
				broadcaster.Publish(monitor.LibraryEvent(mode, images))
			},
		)
	}

	onException := tr.OnException
	if log != nil {
		onException = loggingHandler(onException, log)
	}

	ep, err := excport.AttachToTask(pid, task, onException)
	if err != nil {
		return false, fmt.Errorf("flow: attach exception port: %w", err)
	}

	// We must attach the exception port before ptrace-attaching: if the
	// target's first SIGTRAP arrives before the port is installed, it's
	// delivered as a BSD signal instead of a Mach exception, waitpid sees
	// it once, and there's no way to recover the target from there.
	if err := machkit.AttachExc(pid); err != nil {
		_ = ep.Detach()
		return false, fmt.Errorf("flow: ptrace(PT_ATTACHEXC): %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ep.Pump(); err != nil {
			log.Verbose("exception pump stopped: %v", err)
		}
	}()

	if err := machkit.ResumeTask(task); err != nil {
		_ = ep.Detach()
		wg.Wait()
		return true, fmt.Errorf("flow: task_resume: %w", err)
	}

	waitForStop(pid, log)

	detachErr := ep.Detach()
	wg.Wait()
	if detachErr != nil {
		return true, fmt.Errorf("flow: detach exception port: %w", detachErr)
	}
	return true, nil
}

// waitForStop blocks until the target stops for a reason other than a
// ptrace trace-stop, i.e. it exited or was killed.
func waitForStop(pid machkit.Pid, log *logging.Logger) {
	for {
		var status unix.WaitStatus
		p, err := unix.Wait4(int(pid), &status, 0, nil)
		if err != nil || p < 0 {
			return
		}
		if !status.Stopped() {
			return
		}
	}
}

func loggingHandler(next excport.OnException, log *logging.Logger) excport.OnException {
	return func(exc excport.Exception) excport.ExceptionAction {
		log.Verbose("exception %s (type %d) on thread %d", exc.Name(), exc.Type, exc.Thread)
		return next(exc)
	}
}

