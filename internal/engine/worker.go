// Package engine owns the per-device worker: a single external engine
// session spawned under a pty, driven over its stdin, with all output
// appended to the device's execution log. The session API blocks for
// the whole lifetime of a protocol run, so the worker never waits for
// run completion itself; the completion watcher infers it from the log.
package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/RatAcad/bpodacademy/internal/logging"
)

var (
	ErrAlreadyStopped  = errors.New("engine session already stopped")
	ErrAlreadyStarted  = errors.New("engine session already started")
	ErrNotStarted      = errors.New("engine session not started")
	ErrPortUnavailable = errors.New("serial port unavailable")
	ErrLaunchFailed    = errors.New("engine launch failed")
	ErrStartTimeout    = errors.New("engine start timed out")
)

const (
	DefaultStartTimeout = 30 * time.Second
	DefaultStopGrace    = 10 * time.Second

	// EmulatorLocator marks a device with no physical port; the engine
	// is started in emulation mode instead.
	EmulatorLocator = "EMU"

	readyMarker     = "engine ready"
	portErrorMarker = "port unavailable"
)

type Options struct {
	BoxID         string
	SerialLocator string
	Command       string
	LogDir        string
	StartTimeout  time.Duration
	StopGrace     time.Duration
	Logger        *logging.Logger
	Factory       PtyFactory
}

// Worker drives one engine session. Callers (the router) serialize
// commands per device; the mutex only guards the session handle against
// the exit-monitor goroutine.
type Worker struct {
	opts Options
	log  *ExecLog

	mu      sync.Mutex
	pty     Pty
	cmd     *exec.Cmd
	started bool
	console bool
	exited  chan struct{}
}

func NewWorker(opts Options) *Worker {
	if opts.Command == "" {
		opts.Command = "bpod-engine"
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = DefaultStartTimeout
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.Factory == nil {
		opts.Factory = DefaultPtyFactory()
	}
	return &Worker{opts: opts}
}

func (w *Worker) BoxID() string {
	return w.opts.BoxID
}

func (w *Worker) LogPath() string {
	return w.log.Path()
}

// Done is closed when the engine process exits, however that happens.
// Returns nil before Start.
func (w *Worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exited
}

func (w *Worker) Alive() bool {
	w.mu.Lock()
	exited := w.exited
	started := w.started
	w.mu.Unlock()
	if !started || exited == nil {
		return false
	}
	select {
	case <-exited:
		return false
	default:
		return true
	}
}

// Start spawns the engine session and blocks until it reports ready,
// the process dies, or the start timeout elapses.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	w.mu.Unlock()

	execLog, err := OpenExecLog(w.opts.LogDir, w.opts.BoxID)
	if err != nil {
		return err
	}
	w.log = execLog

	args := []string{"--box", w.opts.BoxID}
	if w.opts.SerialLocator == EmulatorLocator {
		args = append(args, "--emulate")
	} else {
		args = append(args, "--port", w.opts.SerialLocator)
	}

	logArgs := map[string]string{"port": w.opts.SerialLocator}

	ptmx, cmd, err := w.opts.Factory.Start(w.opts.Command, args...)
	if err != nil {
		w.log.Command("start", logArgs, "launch_failed")
		w.closeLog()
		return fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	exited := make(chan struct{})
	ready := make(chan struct{})
	portErr := make(chan struct{})
	go func() {
		w.readOutput(ptmx, ready, portErr)
		// Without a real process handle, pty EOF is the exit signal.
		if cmd == nil {
			close(exited)
		}
	}()
	go func() {
		if cmd == nil {
			return
		}
		_ = cmd.Wait()
		close(exited)
	}()

	w.mu.Lock()
	w.pty = ptmx
	w.cmd = cmd
	w.exited = exited
	w.mu.Unlock()

	timer := time.NewTimer(w.opts.StartTimeout)
	defer timer.Stop()

	select {
	case <-ready:
		w.mu.Lock()
		w.started = true
		w.mu.Unlock()
		w.log.Command("start", logArgs, "ok")
		w.logInfo("engine session started", nil)
		return nil
	case <-portErr:
		w.log.Command("start", logArgs, "port_unavailable")
		w.teardown(ptmx, cmd)
		return ErrPortUnavailable
	case <-exited:
		w.log.Command("start", logArgs, "launch_failed")
		_ = ptmx.Close()
		w.closeLog()
		return ErrLaunchFailed
	case <-timer.C:
		w.log.Command("start", logArgs, "timeout")
		w.teardown(ptmx, cmd)
		return ErrStartTimeout
	case <-ctx.Done():
		w.log.Command("start", logArgs, "canceled")
		w.teardown(ptmx, cmd)
		return ctx.Err()
	}
}

// Stop requests graceful session shutdown, force-killing the process
// group after the grace period. forced=true means the engine had to be
// killed and the device should be treated as faulted.
func (w *Worker) Stop(ctx context.Context) (forced bool, err error) {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return false, ErrAlreadyStopped
	}
	ptmx := w.pty
	cmd := w.cmd
	exited := w.exited
	w.started = false
	w.console = false
	w.mu.Unlock()

	w.log.Command("stop", nil, "requested")
	_, _ = ptmx.Write([]byte("end\n"))

	timer := time.NewTimer(w.opts.StopGrace)
	defer timer.Stop()

	select {
	case <-exited:
	case <-timer.C:
		forced = true
	case <-ctx.Done():
		forced = true
	}

	if forced {
		killProcessGroup(cmd)
		w.log.Command("stop", nil, "forced_kill")
		w.logWarn("engine session killed after grace period", nil)
	} else {
		w.log.Command("stop", nil, "ok")
		w.logInfo("engine session stopped", nil)
	}
	_ = ptmx.Close()
	w.closeLog()
	return forced, nil
}

// SetConsoleVisible toggles the engine's on-screen console.
func (w *Worker) SetConsoleVisible(visible bool) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return ErrNotStarted
	}
	ptmx := w.pty
	w.console = visible
	w.mu.Unlock()

	value := "off"
	if visible {
		value = "on"
	}
	if _, err := ptmx.Write([]byte("console " + value + "\n")); err != nil {
		w.log.Command("console", map[string]string{"visible": value}, "write_failed")
		return fmt.Errorf("send console command: %w", err)
	}
	w.log.Command("console", map[string]string{"visible": value}, "ok")
	return nil
}

func (w *Worker) ConsoleVisible() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.console
}

// Calibrate opens the engine's liquid calibration routine.
func (w *Worker) Calibrate() error {
	return w.send("calibrate", nil, "calibrate\n")
}

// RunProtocol issues a fire-and-forget run command. The engine call
// blocks inside the session for the whole run; completion surfaces only
// through the execution log.
func (w *Worker) RunProtocol(protocol, subject, settings string) error {
	args := map[string]string{
		"protocol": protocol,
		"subject":  subject,
		"settings": settings,
	}
	line := fmt.Sprintf("run %s %s %s\n", protocol, subject, settings)
	return w.send("run", args, line)
}

// StopProtocol interrupts the running protocol inside the session.
func (w *Worker) StopProtocol() error {
	return w.send("stop_protocol", nil, "stop\n")
}

func (w *Worker) send(verb string, args map[string]string, line string) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		w.log.Command(verb, args, "not_started")
		return ErrNotStarted
	}
	ptmx := w.pty
	w.mu.Unlock()

	if _, err := ptmx.Write([]byte(line)); err != nil {
		w.log.Command(verb, args, "write_failed")
		return fmt.Errorf("send %s command: %w", verb, err)
	}
	w.log.Command(verb, args, "ok")
	return nil
}

// readOutput copies engine session output into the execution log and
// watches the early lines for the ready / port-failure markers.
func (w *Worker) readOutput(ptmx Pty, ready, portErr chan struct{}) {
	scanner := bufio.NewScanner(ptmx)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	readySeen := false
	portErrSeen := false
	for scanner.Scan() {
		line := scanner.Text()
		_, _ = w.log.Write([]byte(line + "\n"))
		if !readySeen && strings.Contains(line, readyMarker) {
			readySeen = true
			close(ready)
		}
		if !readySeen && !portErrSeen && strings.Contains(line, portErrorMarker) {
			portErrSeen = true
			close(portErr)
		}
	}
}

func (w *Worker) teardown(ptmx Pty, cmd *exec.Cmd) {
	killProcessGroup(cmd)
	_ = ptmx.Close()
	w.closeLog()
	w.mu.Lock()
	w.started = false
	w.mu.Unlock()
}

func (w *Worker) closeLog() {
	_ = w.log.Close()
}

func (w *Worker) logInfo(message string, fields map[string]string) {
	if w.opts.Logger == nil {
		return
	}
	w.opts.Logger.Info(message, w.withBox(fields))
}

func (w *Worker) logWarn(message string, fields map[string]string) {
	if w.opts.Logger == nil {
		return
	}
	w.opts.Logger.Warn(message, w.withBox(fields))
}

func (w *Worker) withBox(fields map[string]string) map[string]string {
	merged := map[string]string{"box": w.opts.BoxID}
	for key, value := range fields {
		merged[key] = value
	}
	return merged
}
