package academy

import (
	"errors"

	"github.com/RatAcad/bpodacademy/internal/router"
)

// Wire message types exchanged on the /ws endpoint. Clients send
// commands and sync requests; the server answers each command with an
// ack and pushes state snapshots to every connected client.
const (
	messageCommand = "command"
	messageSync    = "sync"
	messageAck     = "ack"
	messageState   = "state"
	messageSynced  = "synced"
)

type clientMessage struct {
	Type      string            `json:"type"`
	RequestID string            `json:"request_id,omitempty"`
	Device    string            `json:"device,omitempty"`
	Verb      router.Verb       `json:"verb,omitempty"`
	Args      map[string]string `json:"args,omitempty"`
}

// ackMessage answers exactly one command, correlated by request id.
type ackMessage struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	OK        bool           `json:"ok"`
	Code      router.Code    `json:"code,omitempty"`
	Error     string         `json:"error,omitempty"`
	Result    *router.Result `json:"result,omitempty"`
}

// stateMessage carries one device snapshot. Snapshots are full
// replacements; clients apply them by seq, never by diffing.
type stateMessage struct {
	Type     string          `json:"type"`
	Snapshot router.Snapshot `json:"snapshot"`
}

// syncedMessage carries the whole fleet, sent on connect and whenever
// the server had to drop broadcasts for this client.
type syncedMessage struct {
	Type      string            `json:"type"`
	Role      router.Role       `json:"role"`
	Snapshots []router.Snapshot `json:"snapshots"`
}

func newAck(requestID string, result router.Result, err error) ackMessage {
	ack := ackMessage{Type: messageAck, RequestID: requestID, OK: err == nil}
	if err == nil {
		if result.Snapshot != nil || result.Listing != nil || result.NeedsCalibration {
			ack.Result = &result
		}
		return ack
	}
	ack.Error = err.Error()
	var cmdErr *router.CommandError
	if errors.As(err, &cmdErr) {
		ack.Code = cmdErr.Code
		ack.Error = cmdErr.Message
	}
	return ack
}
