// Package client maintains a live connection to an academy server: a
// seq-gated local view of the fleet, synchronous command round-trips,
// and automatic reconnect with a fresh full sync.
package client

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/RatAcad/bpodacademy/internal/logging"
	"github.com/RatAcad/bpodacademy/internal/router"
)

var ErrClosed = errors.New("session closed")

const (
	defaultRequestTimeout = 45 * time.Second
	reconnectMinDelay     = 250 * time.Millisecond
	reconnectMaxDelay     = 5 * time.Second
)

type serverMessage struct {
	Type      string            `json:"type"`
	RequestID string            `json:"request_id"`
	OK        bool              `json:"ok"`
	Code      router.Code       `json:"code"`
	Error     string            `json:"error"`
	Role      router.Role       `json:"role"`
	Snapshot  *router.Snapshot  `json:"snapshot"`
	Snapshots []router.Snapshot `json:"snapshots"`
	Result    *router.Result    `json:"result"`
}

type commandMessage struct {
	Type      string            `json:"type"`
	RequestID string            `json:"request_id,omitempty"`
	Device    string            `json:"device,omitempty"`
	Verb      router.Verb       `json:"verb,omitempty"`
	Args      map[string]string `json:"args,omitempty"`
}

type Options struct {
	URL            string
	Logger         *logging.Logger
	RequestTimeout time.Duration
	// Reconnect keeps the session alive across server restarts. Off by
	// default in tests, on in the CLI.
	Reconnect bool
}

// Session is safe for concurrent use. The view holds the last snapshot
// per device and applies updates only when their seq is newer, so
// broadcasts racing a full sync can never roll state backwards.
type Session struct {
	opts   Options
	logger *logging.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	view    map[string]router.Snapshot
	role    router.Role
	synced  bool
	pending map[string]chan serverMessage
	closed  bool

	done    chan struct{}
	updates chan router.Snapshot
}

// Dial connects and blocks until the initial full sync arrives.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	s := &Session{
		opts:    opts,
		logger:  opts.Logger,
		view:    make(map[string]router.Snapshot),
		pending: make(map[string]chan serverMessage),
		done:    make(chan struct{}),
		updates: make(chan router.Snapshot, 64),
	}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	go s.run()
	return s, nil
}

func (s *Session) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.synced = false
	s.mu.Unlock()

	// The server's first frame is the full fleet; wait for it so the
	// caller never observes an empty view on a populated server.
	deadline := time.Now().Add(s.opts.RequestTimeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		var message serverMessage
		if err := conn.ReadJSON(&message); err != nil {
			_ = conn.Close()
			return err
		}
		s.apply(message)
		if message.Type == "synced" {
			_ = conn.SetReadDeadline(time.Time{})
			return nil
		}
	}
}

func (s *Session) run() {
	for {
		s.mu.Lock()
		conn := s.conn
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		err := s.readLoop(conn)
		s.failPending(err)
		if s.isClosed() || !s.opts.Reconnect {
			s.Close()
			return
		}
		if !s.reconnect() {
			return
		}
	}
}

func (s *Session) readLoop(conn *websocket.Conn) error {
	for {
		var message serverMessage
		if err := conn.ReadJSON(&message); err != nil {
			return err
		}
		s.apply(message)
	}
}

// reconnect retries with capped backoff until the session closes.
func (s *Session) reconnect() bool {
	delay := reconnectMinDelay
	for {
		select {
		case <-s.done:
			return false
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
		err := s.connect(ctx)
		cancel()
		if err == nil {
			if s.logger != nil {
				s.logger.Info("reconnected to academy server", nil)
			}
			return true
		}
		if s.logger != nil {
			s.logger.Debug("reconnect failed", map[string]string{"error": err.Error()})
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

func (s *Session) apply(message serverMessage) {
	switch message.Type {
	case "state":
		if message.Snapshot != nil {
			s.applySnapshot(*message.Snapshot)
		}
	case "synced":
		// A full sync is authoritative: it replaces the view wholesale
		// and starts a fresh seq epoch. A restarted server hands out
		// seqs from 1 again, so merging through the seq gate would
		// freeze the view on pre-restart state; devices removed while
		// disconnected also only disappear through replacement.
		fresh := make(map[string]router.Snapshot, len(message.Snapshots))
		for _, snapshot := range message.Snapshots {
			if snapshot.Removed {
				continue
			}
			fresh[snapshot.Device.BoxID] = snapshot
		}
		s.mu.Lock()
		s.role = message.Role
		s.synced = true
		s.view = fresh
		s.mu.Unlock()
		for _, snapshot := range message.Snapshots {
			s.notify(snapshot)
		}
	case "ack":
		s.mu.Lock()
		waiter := s.pending[message.RequestID]
		delete(s.pending, message.RequestID)
		s.mu.Unlock()
		if waiter != nil {
			waiter <- message
		}
	}
}

func (s *Session) applySnapshot(snapshot router.Snapshot) {
	boxID := snapshot.Device.BoxID

	s.mu.Lock()
	previous, known := s.view[boxID]
	if known && snapshot.Seq <= previous.Seq {
		s.mu.Unlock()
		return
	}
	if snapshot.Removed {
		delete(s.view, boxID)
	} else {
		s.view[boxID] = snapshot
	}
	s.mu.Unlock()

	s.notify(snapshot)
}

func (s *Session) notify(snapshot router.Snapshot) {
	select {
	case s.updates <- snapshot:
	default:
	}
}

func (s *Session) failPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]chan serverMessage)
	s.mu.Unlock()

	for _, waiter := range pending {
		waiter <- serverMessage{Type: "ack", OK: false, Code: router.CodeInternal, Error: err.Error()}
	}
}

// Do sends one command and waits for its ack.
func (s *Session) Do(ctx context.Context, verb router.Verb, device string, args map[string]string) (router.Result, error) {
	requestID := uuid.NewString()
	waiter := make(chan serverMessage, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return router.Result{}, ErrClosed
	}
	conn := s.conn
	s.pending[requestID] = waiter
	s.mu.Unlock()

	err := conn.WriteJSON(commandMessage{
		Type:      "command",
		RequestID: requestID,
		Device:    device,
		Verb:      verb,
		Args:      args,
	})
	if err != nil {
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
		return router.Result{}, err
	}

	timeout := time.NewTimer(s.opts.RequestTimeout)
	defer timeout.Stop()

	select {
	case ack := <-waiter:
		if !ack.OK {
			return router.Result{}, &router.CommandError{Code: ack.Code, Message: ack.Error}
		}
		if ack.Result != nil {
			return *ack.Result, nil
		}
		return router.Result{}, nil
	case <-timeout.C:
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
		return router.Result{}, errors.New("command timed out")
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
		return router.Result{}, ctx.Err()
	case <-s.done:
		return router.Result{}, ErrClosed
	}
}

// Sync requests a fresh full-fleet snapshot from the server.
func (s *Session) Sync() error {
	s.mu.Lock()
	conn := s.conn
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return conn.WriteJSON(commandMessage{Type: "sync"})
}

// Devices returns the current fleet view sorted by box id.
func (s *Session) Devices() []router.Snapshot {
	s.mu.Lock()
	snapshots := make([]router.Snapshot, 0, len(s.view))
	for _, snapshot := range s.view {
		snapshots = append(snapshots, snapshot)
	}
	s.mu.Unlock()

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Device.BoxID < snapshots[j].Device.BoxID
	})
	return snapshots
}

func (s *Session) Device(boxID string) (router.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, ok := s.view[boxID]
	return snapshot, ok
}

// Role reports whether the server classified this connection as local.
func (s *Session) Role() router.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Updates delivers applied snapshots; slow consumers miss intermediate
// ones but Devices always has the latest.
func (s *Session) Updates() <-chan router.Snapshot {
	return s.updates
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	close(s.done)
	if conn != nil {
		return conn.Close()
	}
	return nil
}
