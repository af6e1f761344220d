// Package router is the single authority over device state. Every
// command, wherever it originated, funnels through Execute; the router
// validates it against the device state machine, dispatches to the
// device's worker, and publishes a full-state snapshot for every
// change. Commands for different devices proceed concurrently; a
// command for a device that is already mid-command is rejected, never
// queued.
package router

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RatAcad/bpodacademy/internal/engine"
	"github.com/RatAcad/bpodacademy/internal/event"
	"github.com/RatAcad/bpodacademy/internal/library"
	"github.com/RatAcad/bpodacademy/internal/logging"
	"github.com/RatAcad/bpodacademy/internal/registry"
	"github.com/RatAcad/bpodacademy/internal/watcher"
)

// Worker is the per-device engine session surface the router drives.
// Implemented by engine.Worker; faked in tests.
type Worker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) (forced bool, err error)
	SetConsoleVisible(visible bool) error
	Calibrate() error
	RunProtocol(protocol, subject, settings string) error
	StopProtocol() error
	Alive() bool
	Done() <-chan struct{}
	LogPath() string
}

type WorkerFactory func(entry registry.Entry) Worker

type Options struct {
	Registry      *registry.Registry
	Library       *library.Library
	Watcher       *watcher.Watcher
	Logger        *logging.Logger
	Bus           *event.Bus[Snapshot]
	LogDir        string
	EngineCommand string
	StartTimeout  time.Duration
	StopGrace     time.Duration
	WorkerFactory WorkerFactory
}

type deviceSlot struct {
	// mu serializes commands for this one device. Commands use TryLock
	// so a busy device rejects instead of queueing; completion events
	// take the blocking path because they must never be lost.
	mu      sync.Mutex
	device  Device
	session *ProtocolSession
	worker  Worker
	seq     uint64
	// last holds the most recent published snapshot so late-joiner
	// syncs never wait on a device mid-start.
	last atomic.Pointer[Snapshot]
}

type Router struct {
	opts   Options
	bus    *event.Bus[Snapshot]
	logger *logging.Logger

	mu      sync.Mutex
	devices map[string]*deviceSlot
}

func New(opts Options) *Router {
	bus := opts.Bus
	if bus == nil {
		bus = event.NewBus[Snapshot](context.Background(), event.BusOptions{Name: "state"})
	}
	r := &Router{
		opts:    opts,
		bus:     bus,
		logger:  opts.Logger,
		devices: make(map[string]*deviceSlot),
	}
	if r.opts.WorkerFactory == nil {
		r.opts.WorkerFactory = r.defaultWorkerFactory
	}
	return r
}

func (r *Router) defaultWorkerFactory(entry registry.Entry) Worker {
	return engine.NewWorker(engine.Options{
		BoxID:         entry.BoxID,
		SerialLocator: entry.SerialLocator,
		Command:       r.opts.EngineCommand,
		LogDir:        r.opts.LogDir,
		StartTimeout:  r.opts.StartTimeout,
		StopGrace:     r.opts.StopGrace,
		Logger:        r.logger,
	})
}

// Bus carries one snapshot per device state change, in per-device order.
func (r *Router) Bus() *event.Bus[Snapshot] {
	return r.bus
}

// LoadDevices populates the fleet from the registry file.
func (r *Router) LoadDevices() error {
	if err := r.opts.Registry.Load(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.opts.Registry.Entries() {
		slot := r.newSlot(entry)
		r.devices[entry.BoxID] = slot
	}
	return nil
}

func (r *Router) newSlot(entry registry.Entry) *deviceSlot {
	slot := &deviceSlot{
		device: Device{
			BoxID:          entry.BoxID,
			SerialLocator:  entry.SerialLocator,
			State:          StateStopped,
			HasCalibration: r.hasCalibration(entry.BoxID),
		},
	}
	snapshot := r.buildSnapshot(slot)
	slot.last.Store(&snapshot)
	return slot
}

// Run consumes completion events until the context ends. Watcher
// failure on one device never blocks the others: events arrive on one
// ordered channel and non-matching ones are dropped.
func (r *Router) Run(ctx context.Context) {
	if r.opts.Watcher == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case evt, ok := <-r.opts.Watcher.Events():
			if !ok {
				return
			}
			r.handleCompletion(evt)
		case <-ctx.Done():
			return
		}
	}
}

// Snapshots returns the last published snapshot of every device, for
// late-joiner full sync. Never blocks on in-flight commands.
func (r *Router) Snapshots() []Snapshot {
	r.mu.Lock()
	slots := make([]*deviceSlot, 0, len(r.devices))
	for _, slot := range r.devices {
		slots = append(slots, slot)
	}
	r.mu.Unlock()

	snapshots := make([]Snapshot, 0, len(slots))
	for _, slot := range slots {
		if snapshot := slot.last.Load(); snapshot != nil {
			snapshots = append(snapshots, *snapshot)
		}
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Device.BoxID < snapshots[j].Device.BoxID
	})
	return snapshots
}

// Execute runs one command to its synchronous outcome. Asynchronous
// protocol completion arrives later through the watcher and is
// broadcast, not returned.
func (r *Router) Execute(ctx context.Context, req Request) (Result, error) {
	switch req.Verb {
	case VerbProtocols, VerbSubjects, VerbSettings, VerbAddSubject, VerbCopySettings:
		return r.executeLibrary(req)
	case VerbDeleteLogs:
		return r.executeDeleteLogs()
	case VerbAdd:
		return r.executeAdd(req)
	case VerbRemove:
		return r.executeRemove(req)
	case VerbChangePort:
		return r.executeChangePort(req)
	case VerbStart, VerbStop, VerbConsole, VerbCalibrate, VerbRun, VerbStopProtocol:
		return r.executeDevice(ctx, req)
	default:
		return Result{}, commandErr(CodeInvalidState, "unsupported verb %q", req.Verb)
	}
}

func (r *Router) executeDevice(ctx context.Context, req Request) (Result, error) {
	if req.Origin == RoleRemote && (req.Verb == VerbConsole || req.Verb == VerbCalibrate) {
		return Result{}, commandErr(CodePermissionDenied, "%s requires a local connection", req.Verb)
	}

	slot := r.slot(req.BoxID)
	if slot == nil {
		return Result{}, commandErr(CodeUnknownDevice, "unknown device %q", req.BoxID)
	}
	if !slot.mu.TryLock() {
		return Result{}, busyError(slot, req)
	}
	defer slot.mu.Unlock()

	switch req.Verb {
	case VerbStart:
		return r.startDevice(ctx, slot)
	case VerbStop:
		return r.stopDevice(ctx, slot)
	case VerbConsole:
		return r.setConsole(slot, req.arg("visible") == "true")
	case VerbCalibrate:
		return r.calibrate(slot)
	case VerbRun:
		return r.runProtocol(slot, req)
	case VerbStopProtocol:
		return r.stopProtocol(slot)
	default:
		return Result{}, commandErr(CodeInvalidState, "unsupported verb %q", req.Verb)
	}
}

func (r *Router) startDevice(ctx context.Context, slot *deviceSlot) (Result, error) {
	if slot.device.State != StateStopped {
		if slot.device.State == StateError {
			return Result{}, commandErr(CodeInvalidState, "device %s is faulted; stop it before starting", slot.device.BoxID)
		}
		return Result{}, commandErr(CodeInvalidState, "device %s is %s", slot.device.BoxID, slot.device.State)
	}

	entry, ok := r.opts.Registry.Lookup(slot.device.BoxID)
	if !ok {
		return Result{}, commandErr(CodeUnknownDevice, "unknown device %q", slot.device.BoxID)
	}

	slot.device.State = StateStarting
	slot.device.LastError = ""
	r.broadcast(slot)

	worker := r.opts.WorkerFactory(entry)
	if err := worker.Start(ctx); err != nil {
		slot.device.State = StateError
		slot.device.LastError = err.Error()
		r.broadcast(slot)
		return Result{}, startError(err)
	}

	slot.worker = worker
	slot.device.State = StateIdle
	slot.device.HasCalibration = r.hasCalibration(slot.device.BoxID)
	snapshot := r.broadcast(slot)

	if r.opts.Watcher != nil {
		if err := r.opts.Watcher.Watch(slot.device.BoxID, worker.LogPath()); err != nil {
			r.logWarn("completion watch failed", map[string]string{
				"box":   slot.device.BoxID,
				"error": err.Error(),
			})
		}
	}
	go r.monitorCrash(slot, worker)

	return Result{
		Snapshot:         &snapshot,
		NeedsCalibration: !slot.device.HasCalibration,
	}, nil
}

// busyError rejects a command racing an in-flight one. The
// state-dependent verbs report the state machine violation when the
// device is known to be mid-start or mid-run; everything else is a
// plain busy rejection.
func busyError(slot *deviceSlot, req Request) error {
	switch req.Verb {
	case VerbRun, VerbCalibrate, VerbConsole:
		if snapshot := slot.last.Load(); snapshot != nil {
			switch snapshot.Device.State {
			case StateStarting, StateRunning:
				return commandErr(CodeInvalidState, "cannot %s while device %s is %s", req.Verb, req.BoxID, snapshot.Device.State)
			}
		}
	}
	return commandErr(CodeDeviceBusy, "device %s has a command in progress", req.BoxID)
}

func startError(err error) error {
	switch {
	case errors.Is(err, engine.ErrPortUnavailable):
		return commandErr(CodePortUnavailable, "%v", err)
	case errors.Is(err, engine.ErrStartTimeout):
		return commandErr(CodeTimeout, "%v", err)
	default:
		return commandErr(CodeEngineLaunchFailed, "%v", err)
	}
}

func (r *Router) stopDevice(ctx context.Context, slot *deviceSlot) (Result, error) {
	if slot.device.State == StateStopped {
		return Result{}, commandErr(CodeAlreadyStopped, "device %s is already stopped", slot.device.BoxID)
	}

	worker := slot.worker
	slot.worker = nil

	if r.opts.Watcher != nil {
		r.opts.Watcher.Unwatch(slot.device.BoxID)
	}

	// Stopping a device with a live run finalizes the session as a
	// user stop; the engine is torn down underneath it either way.
	if slot.session != nil {
		slot.session.Status = SessionStoppedByUser
	}

	forced := false
	if worker != nil {
		var err error
		forced, err = worker.Stop(ctx)
		if err != nil && !errors.Is(err, engine.ErrAlreadyStopped) {
			forced = true
		}
	}

	if forced {
		slot.device.State = StateError
		slot.device.LastError = "engine session killed after grace period"
	} else {
		slot.device.State = StateStopped
		slot.device.LastError = ""
	}
	slot.device.ConsoleVisible = false
	snapshot := r.broadcast(slot)
	slot.session = nil
	return Result{Snapshot: &snapshot}, nil
}

func (r *Router) setConsole(slot *deviceSlot, visible bool) (Result, error) {
	if slot.device.State != StateIdle {
		return Result{}, commandErr(CodeInvalidState, "console requires an idle session, device is %s", slot.device.State)
	}
	if err := slot.worker.SetConsoleVisible(visible); err != nil {
		return Result{}, r.faultDevice(slot, err)
	}
	slot.device.ConsoleVisible = visible
	snapshot := r.broadcast(slot)
	return Result{Snapshot: &snapshot}, nil
}

func (r *Router) calibrate(slot *deviceSlot) (Result, error) {
	if slot.device.State != StateIdle {
		return Result{}, commandErr(CodeInvalidState, "calibration requires an idle session, device is %s", slot.device.State)
	}
	if err := slot.worker.Calibrate(); err != nil {
		return Result{}, r.faultDevice(slot, err)
	}
	// Calibration changes no state: no seq bump, no broadcast.
	snapshot := r.buildSnapshot(slot)
	return Result{Snapshot: &snapshot}, nil
}

func (r *Router) runProtocol(slot *deviceSlot, req Request) (Result, error) {
	if slot.device.State != StateIdle {
		return Result{}, commandErr(CodeInvalidState, "cannot run a protocol while device is %s", slot.device.State)
	}

	protocol := req.arg("protocol")
	subject := req.arg("subject")
	settings := req.arg("settings")
	if settings == "" {
		settings = library.DefaultSettingsName
	}

	if r.opts.Library != nil {
		if err := r.opts.Library.Validate(protocol, subject, settings); err != nil {
			return Result{}, libraryError(err)
		}
	}

	if err := slot.worker.RunProtocol(protocol, subject, settings); err != nil {
		return Result{}, r.faultDevice(slot, err)
	}

	slot.session = &ProtocolSession{
		Protocol:  protocol,
		Subject:   subject,
		Settings:  settings,
		StartedAt: time.Now().UTC(),
		Status:    SessionRunning,
	}
	slot.device.State = StateRunning
	snapshot := r.broadcast(slot)
	return Result{Snapshot: &snapshot}, nil
}

func (r *Router) stopProtocol(slot *deviceSlot) (Result, error) {
	if slot.device.State != StateRunning || slot.session == nil {
		return Result{}, commandErr(CodeNotRunning, "no protocol running on device %s", slot.device.BoxID)
	}
	if err := slot.worker.StopProtocol(); err != nil {
		return Result{}, r.faultDevice(slot, err)
	}

	slot.session.Status = SessionStoppedByUser
	slot.device.State = StateIdle
	snapshot := r.broadcast(slot)
	slot.session = nil
	return Result{Snapshot: &snapshot}, nil
}

// handleCompletion finalizes the active session from a watcher event.
// Takes the blocking per-device lock: completion must not be lost just
// because a command is in flight.
func (r *Router) handleCompletion(evt watcher.Event) {
	slot := r.slot(evt.BoxID)
	if slot == nil {
		return
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.device.State != StateRunning || slot.session == nil {
		return
	}

	switch evt.Kind {
	case watcher.KindCompleted:
		slot.session.Status = SessionCompleted
		slot.device.State = StateIdle
	case watcher.KindFailed:
		slot.session.Status = SessionFailed
		slot.session.Error = evt.Detail
		slot.device.State = StateError
		slot.device.LastError = evt.Detail
	default:
		// UnknownStatus: the run may still be going. Leave the device
		// in RunningProtocol for an operator stop_protocol.
		r.logWarn("protocol outcome unknown", map[string]string{
			"box":    evt.BoxID,
			"detail": evt.Detail,
		})
		return
	}

	r.broadcast(slot)
	slot.session = nil
}

// monitorCrash surfaces unexpected engine exits as Error. No automatic
// respawn: recovery is an explicit operator stop+start so hardware
// faults are never masked.
func (r *Router) monitorCrash(slot *deviceSlot, worker Worker) {
	done := worker.Done()
	if done == nil {
		return
	}
	<-done

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.worker != worker {
		// Already stopped or replaced through the normal path.
		return
	}
	slot.worker = nil
	if slot.session != nil {
		slot.session.Status = SessionFailed
		slot.session.Error = "engine session exited unexpectedly"
	}
	slot.device.State = StateError
	slot.device.LastError = "engine session exited unexpectedly"
	if r.opts.Watcher != nil {
		r.opts.Watcher.Unwatch(slot.device.BoxID)
	}
	r.logWarn("engine session crashed", map[string]string{"box": slot.device.BoxID})
	r.broadcast(slot)
	slot.session = nil
}

func (r *Router) executeAdd(req Request) (Result, error) {
	boxID := req.arg("box_id")
	locator := req.arg("serial_locator")

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.opts.Registry.Add(boxID, locator); err != nil {
		if errors.Is(err, registry.ErrDuplicateBoxID) {
			return Result{}, commandErr(CodeDuplicateBoxID, "box id %q already registered", boxID)
		}
		return Result{}, commandErr(CodeInternal, "%v", err)
	}
	if err := r.opts.Registry.Save(); err != nil {
		return Result{}, commandErr(CodeInternal, "save device table: %v", err)
	}

	slot := r.newSlot(registry.Entry{BoxID: boxID, SerialLocator: locator})
	r.devices[boxID] = slot
	snapshot := r.broadcast(slot)
	return Result{Snapshot: &snapshot}, nil
}

func (r *Router) executeRemove(req Request) (Result, error) {
	boxID := req.arg("box_id")

	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.devices[boxID]
	if !ok {
		return Result{}, commandErr(CodeUnknownDevice, "unknown device %q", boxID)
	}
	if !slot.mu.TryLock() {
		return Result{}, commandErr(CodeDeviceBusy, "device %s has a command in progress", boxID)
	}
	defer slot.mu.Unlock()

	if slot.device.State != StateStopped {
		return Result{}, commandErr(CodeDeviceBusy, "device %s is %s; stop it before removing", boxID, slot.device.State)
	}

	if err := r.opts.Registry.Remove(boxID); err != nil {
		return Result{}, commandErr(CodeInternal, "%v", err)
	}
	if err := r.opts.Registry.Save(); err != nil {
		return Result{}, commandErr(CodeInternal, "save device table: %v", err)
	}
	delete(r.devices, boxID)

	slot.seq++
	snapshot := Snapshot{Device: slot.device, Seq: slot.seq, Removed: true}
	slot.last.Store(&snapshot)
	r.bus.Publish(snapshot)
	return Result{Snapshot: &snapshot}, nil
}

func (r *Router) executeChangePort(req Request) (Result, error) {
	boxID := req.arg("box_id")
	locator := req.arg("serial_locator")

	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.devices[boxID]
	if !ok {
		return Result{}, commandErr(CodeUnknownDevice, "unknown device %q", boxID)
	}
	if !slot.mu.TryLock() {
		return Result{}, commandErr(CodeDeviceBusy, "device %s has a command in progress", boxID)
	}
	defer slot.mu.Unlock()

	if slot.device.State != StateStopped {
		return Result{}, commandErr(CodeDeviceBusy, "device %s is %s; stop it before changing its port", boxID, slot.device.State)
	}

	if err := r.opts.Registry.SetSerialLocator(boxID, locator); err != nil {
		if errors.Is(err, registry.ErrUnknownDevice) {
			return Result{}, commandErr(CodeUnknownDevice, "unknown device %q", boxID)
		}
		return Result{}, commandErr(CodeInternal, "%v", err)
	}
	if err := r.opts.Registry.Save(); err != nil {
		return Result{}, commandErr(CodeInternal, "save device table: %v", err)
	}

	slot.device.SerialLocator = locator
	snapshot := r.broadcast(slot)
	return Result{Snapshot: &snapshot}, nil
}

func (r *Router) executeLibrary(req Request) (Result, error) {
	if r.opts.Library == nil {
		return Result{}, commandErr(CodeInternal, "library not configured")
	}
	switch req.Verb {
	case VerbProtocols:
		listing, err := r.opts.Library.Protocols()
		if err != nil {
			return Result{}, commandErr(CodeInternal, "%v", err)
		}
		return Result{Listing: listing}, nil
	case VerbSubjects:
		listing, err := r.opts.Library.Subjects(req.arg("protocol"))
		if err != nil {
			return Result{}, commandErr(CodeInternal, "%v", err)
		}
		return Result{Listing: listing}, nil
	case VerbSettings:
		listing, err := r.opts.Library.Settings(req.arg("protocol"), req.arg("subject"))
		if err != nil {
			return Result{}, commandErr(CodeInternal, "%v", err)
		}
		return Result{Listing: listing}, nil
	case VerbAddSubject:
		if err := r.opts.Library.AddSubject(req.arg("protocol"), req.arg("subject")); err != nil {
			return Result{}, commandErr(CodeInternal, "%v", err)
		}
		return Result{}, nil
	case VerbCopySettings:
		err := r.opts.Library.CopySettings(
			req.arg("from_protocol"), req.arg("from_subject"), req.arg("settings"),
			req.arg("to_protocol"), req.arg("to_subject"),
		)
		if err != nil {
			return Result{}, libraryError(err)
		}
		return Result{}, nil
	default:
		return Result{}, commandErr(CodeInvalidState, "unsupported verb %q", req.Verb)
	}
}

func libraryError(err error) error {
	switch {
	case errors.Is(err, library.ErrUnknownProtocol):
		return commandErr(CodeUnknownProtocol, "%v", err)
	case errors.Is(err, library.ErrUnknownSubject):
		return commandErr(CodeUnknownSubject, "%v", err)
	case errors.Is(err, library.ErrUnknownSettings):
		return commandErr(CodeUnknownSettings, "%v", err)
	default:
		return commandErr(CodeInternal, "%v", err)
	}
}

// executeDeleteLogs clears every execution log, refused while any
// device is running.
func (r *Router) executeDeleteLogs() (Result, error) {
	r.mu.Lock()
	for _, slot := range r.devices {
		if snapshot := slot.last.Load(); snapshot != nil && snapshot.Device.State != StateStopped {
			boxID := snapshot.Device.BoxID
			r.mu.Unlock()
			return Result{}, commandErr(CodeDeviceBusy, "device %s is active; stop the fleet before deleting logs", boxID)
		}
	}
	r.mu.Unlock()

	entries, err := os.ReadDir(r.opts.LogDir)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, nil
		}
		return Result{}, commandErr(CodeInternal, "read log dir: %v", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(r.opts.LogDir, entry.Name())); err != nil {
			return Result{}, commandErr(CodeInternal, "delete log: %v", err)
		}
	}
	return Result{}, nil
}

// faultDevice marks the device Error after a dispatch failure and
// broadcasts so every client sees the fault, not just the requester.
func (r *Router) faultDevice(slot *deviceSlot, err error) error {
	slot.device.State = StateError
	slot.device.LastError = err.Error()
	r.broadcast(slot)
	slot.session = nil
	return commandErr(CodeEngineLaunchFailed, "%v", err)
}

func (r *Router) slot(boxID string) *deviceSlot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices[boxID]
}

func (r *Router) buildSnapshot(slot *deviceSlot) Snapshot {
	snapshot := Snapshot{Device: slot.device, Seq: slot.seq}
	if slot.session != nil {
		session := *slot.session
		snapshot.Session = &session
	}
	return snapshot
}

// broadcast stamps the next per-device sequence number, records the
// snapshot as the device's latest, and publishes it to all subscribers.
func (r *Router) broadcast(slot *deviceSlot) Snapshot {
	slot.seq++
	snapshot := r.buildSnapshot(slot)
	slot.last.Store(&snapshot)
	r.bus.Publish(snapshot)
	return snapshot
}

func (r *Router) hasCalibration(boxID string) bool {
	if r.opts.Library == nil {
		return false
	}
	return r.opts.Library.HasCalibration(boxID)
}

func (r *Router) logWarn(message string, fields map[string]string) {
	if r.logger == nil {
		return
	}
	r.logger.Warn(message, fields)
}

var _ Worker = (*engine.Worker)(nil)
