package academy

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/RatAcad/bpodacademy/internal/logging"
	"github.com/RatAcad/bpodacademy/internal/router"
)

const defaultClientBuffer = 64

// client is one websocket connection. Outbound messages pass through a
// bounded queue; when the queue overflows the hub stops queueing for
// this client and flags it for a full resync, so one stalled reader
// never blocks fleet broadcasts.
type client struct {
	id     string
	conn   *websocket.Conn
	role   router.Role
	send   chan any
	resync chan struct{}
	done   chan struct{}

	closeOnce sync.Once
	dropped   atomic.Int64
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// enqueue offers a message without blocking. A full queue marks the
// client for resync instead.
func (c *client) enqueue(message any) {
	select {
	case c.send <- message:
	default:
		c.dropped.Add(1)
		c.requestResync()
	}
}

func (c *client) requestResync() {
	select {
	case c.resync <- struct{}{}:
	default:
	}
}

// hub owns the client set and fans router snapshots out to every
// connection.
type hub struct {
	logger *logging.Logger

	mu      sync.Mutex
	clients map[string]*client
}

func newHub(logger *logging.Logger) *hub {
	return &hub{
		logger:  logger,
		clients: make(map[string]*client),
	}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.close()
}

func (h *hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// broadcast queues one snapshot for every connected client.
func (h *hub) broadcast(snapshot router.Snapshot) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	message := stateMessage{Type: messageState, Snapshot: snapshot}
	for _, c := range clients {
		c.enqueue(message)
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// writeLoop drains the client's queue onto the wire. A pending resync
// takes priority over queued snapshots: the fresh fleet state is
// authoritative and seq gating on the client discards anything stale
// still sitting in the queue.
func (h *hub) writeLoop(c *client, snapshots func() []router.Snapshot, writeTimeout time.Duration) {
	// A dead writer means a dead client; closing unblocks the reader.
	defer c.close()
	for {
		select {
		case <-c.resync:
			payload := syncedMessage{Type: messageSynced, Role: c.role, Snapshots: snapshots()}
			if h.write(c, payload, writeTimeout) != nil {
				return
			}
		case message := <-c.send:
			if h.write(c, message, writeTimeout) != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *hub) write(c *client, payload any, timeout time.Duration) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(payload); err != nil {
		if h.logger != nil {
			h.logger.Debug("client write failed", map[string]string{
				"client": c.id,
				"error":  err.Error(),
			})
		}
		return err
	}
	return nil
}
