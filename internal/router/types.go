package router

import (
	"fmt"
	"time"
)

// BoxState is the device lifecycle state machine:
//
//	Stopped --start--> Starting --(engine ready)--> Idle
//	Idle --run--> RunningProtocol --(completion | stop_protocol)--> Idle
//	any --stop--> Stopped; any failure --> Error --stop--> Stopped
type BoxState string

const (
	StateStopped  BoxState = "stopped"
	StateStarting BoxState = "starting"
	StateIdle     BoxState = "idle"
	StateRunning  BoxState = "running_protocol"
	StateError    BoxState = "error"
)

type SessionStatus string

const (
	SessionRunning       SessionStatus = "running"
	SessionCompleted     SessionStatus = "completed"
	SessionFailed        SessionStatus = "failed"
	SessionStoppedByUser SessionStatus = "stopped_by_user"
)

// Device is the client-visible identity and state of one box.
type Device struct {
	BoxID          string   `json:"box_id"`
	SerialLocator  string   `json:"serial_locator"`
	State          BoxState `json:"state"`
	ConsoleVisible bool     `json:"gui_visible"`
	LastError      string   `json:"last_error,omitempty"`
	HasCalibration bool     `json:"has_calibration"`
}

// ProtocolSession is one timed protocol run on one device.
type ProtocolSession struct {
	Protocol  string        `json:"protocol"`
	Subject   string        `json:"subject"`
	Settings  string        `json:"settings_file"`
	StartedAt time.Time     `json:"started_at"`
	Status    SessionStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
}

// Snapshot is the full-state broadcast payload for one device. Seq
// increases monotonically per device; clients discard snapshots whose
// Seq is not newer than the last one applied, which makes the
// late-joiner full sync race-free.
type Snapshot struct {
	Device  Device           `json:"device"`
	Session *ProtocolSession `json:"session,omitempty"`
	Seq     uint64           `json:"seq"`
	Removed bool             `json:"removed,omitempty"`
}

type Role string

const (
	RoleLocal  Role = "local"
	RoleRemote Role = "remote"
)

type Verb string

const (
	VerbStart        Verb = "start"
	VerbStop         Verb = "stop"
	VerbConsole      Verb = "console"
	VerbCalibrate    Verb = "calibrate"
	VerbRun          Verb = "run"
	VerbStopProtocol Verb = "stop_protocol"
	VerbAdd          Verb = "add"
	VerbRemove       Verb = "remove"
	VerbChangePort   Verb = "change_port"
	VerbProtocols    Verb = "protocols"
	VerbSubjects     Verb = "subjects"
	VerbSettings     Verb = "settings"
	VerbAddSubject   Verb = "add_subject"
	VerbCopySettings Verb = "copy_settings"
	VerbDeleteLogs   Verb = "delete_logs"
)

// Request is one command addressed to the router. Immutable once
// issued; RequestID correlates the ack with the requester.
type Request struct {
	RequestID string            `json:"request_id"`
	BoxID     string            `json:"device,omitempty"`
	Verb      Verb              `json:"verb"`
	Args      map[string]string `json:"args,omitempty"`
	Origin    Role              `json:"-"`
}

func (r Request) arg(key string) string {
	if r.Args == nil {
		return ""
	}
	return r.Args[key]
}

// Result is the synchronous outcome of a command.
type Result struct {
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Listing  []string  `json:"listing,omitempty"`
	// NeedsCalibration is set on a successful start when no liquid
	// calibration file exists for the box.
	NeedsCalibration bool `json:"needs_calibration,omitempty"`
}

type Code string

const (
	CodeConfigCorrupt      Code = "config_corrupt"
	CodeDuplicateBoxID     Code = "duplicate_box_id"
	CodeUnknownDevice      Code = "unknown_device"
	CodeDeviceBusy         Code = "device_busy"
	CodePortUnavailable    Code = "port_unavailable"
	CodeEngineLaunchFailed Code = "engine_launch_failed"
	CodeTimeout            Code = "timeout"
	CodeInvalidState       Code = "invalid_state"
	CodePermissionDenied   Code = "permission_denied"
	CodeUnknownProtocol    Code = "unknown_protocol"
	CodeUnknownSubject     Code = "unknown_subject"
	CodeUnknownSettings    Code = "unknown_settings"
	CodeUnknownStatus      Code = "unknown_status"
	CodeAlreadyStopped     Code = "already_stopped"
	CodeNotRunning         Code = "not_running"
	CodeInternal           Code = "internal"
)

// CommandError is a rejected or failed command, carried to clients with
// its taxonomy code.
type CommandError struct {
	Code    Code
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func commandErr(code Code, format string, args ...any) *CommandError {
	return &CommandError{Code: code, Message: fmt.Sprintf(format, args...)}
}
