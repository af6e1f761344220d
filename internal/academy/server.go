// Package academy is the websocket surface of the orchestration server.
// Every client, local or remote, speaks the same protocol on /ws:
// commands in, acks and full-state snapshots out. The server trusts the
// router for all state; it only moves messages.
package academy

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/RatAcad/bpodacademy/internal/logging"
	"github.com/RatAcad/bpodacademy/internal/router"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024
	wsWriteTimeout    = 10 * time.Second
)

type Options struct {
	Router         *router.Router
	Logger         *logging.Logger
	ListenAddr     string
	AllowedOrigins []string
	// ClientBuffer bounds each client's outbound queue; overflow
	// triggers a full resync instead of blocking the fleet.
	ClientBuffer int
	WriteTimeout time.Duration
}

type Server struct {
	opts   Options
	logger *logging.Logger
	hub    *hub
	mux    *http.ServeMux
}

func New(opts Options) *Server {
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = defaultClientBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = wsWriteTimeout
	}
	s := &Server{
		opts:   opts,
		logger: opts.Logger,
		hub:    newHub(opts.Logger),
	}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return s
}

// Handler exposes the HTTP surface for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until the context ends, pumping router snapshots to every
// client for its whole lifetime.
func (s *Server) Run(ctx context.Context) error {
	snapshots, cancel := s.opts.Router.Bus().Subscribe()
	defer cancel()
	go s.pump(ctx, snapshots)

	httpServer := &http.Server{
		Addr:              s.opts.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		errs <- httpServer.ListenAndServe()
	}()

	s.logInfo("academy server listening", map[string]string{"addr": s.opts.ListenAddr})

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		err := httpServer.Shutdown(shutdownCtx)
		s.hub.closeAll()
		return err
	}
}

// StartPump wires snapshot fan-out without serving HTTP, for embedding
// the handler in another server or in tests.
func (s *Server) StartPump(ctx context.Context) {
	snapshots, cancel := s.opts.Router.Bus().Subscribe()
	go func() {
		defer cancel()
		s.pump(ctx, snapshots)
	}()
}

func (s *Server) pump(ctx context.Context, snapshots <-chan router.Snapshot) {
	for {
		select {
		case snapshot, ok := <-snapshots:
			if !ok {
				return
			}
			s.hub.broadcast(snapshot)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logWarn("websocket upgrade failed", map[string]string{
			"remote": r.RemoteAddr,
			"error":  err.Error(),
		})
		return
	}

	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		role:   roleForAddr(r.RemoteAddr),
		send:   make(chan any, s.opts.ClientBuffer),
		resync: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	s.hub.add(c)
	s.logInfo("client connected", map[string]string{
		"client": c.id,
		"remote": r.RemoteAddr,
		"role":   string(c.role),
	})

	// The first frame a client sees is the full fleet state.
	c.requestResync()
	go s.hub.writeLoop(c, s.opts.Router.Snapshots, s.opts.WriteTimeout)

	s.readLoop(c)

	s.hub.remove(c)
	s.logInfo("client disconnected", map[string]string{
		"client":  c.id,
		"dropped": strconv.FormatInt(c.dropped.Load(), 10),
	})
}

func (s *Server) readLoop(c *client) {
	for {
		var message clientMessage
		if err := c.conn.ReadJSON(&message); err != nil {
			return
		}
		switch message.Type {
		case messageSync:
			c.requestResync()
		case messageCommand:
			// Commands can block for a device start; never stall the
			// read loop on them.
			go s.handleCommand(c, message)
		default:
			s.logWarn("unknown client message", map[string]string{
				"client": c.id,
				"type":   message.Type,
			})
		}
	}
}

func (s *Server) handleCommand(c *client, message clientMessage) {
	requestID := message.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	result, err := s.opts.Router.Execute(context.Background(), router.Request{
		RequestID: requestID,
		BoxID:     message.Device,
		Verb:      message.Verb,
		Args:      message.Args,
		Origin:    c.role,
	})
	if err != nil {
		s.logWarn("command rejected", map[string]string{
			"client": c.id,
			"verb":   string(message.Verb),
			"device": message.Device,
			"error":  err.Error(),
		})
	}

	// Acks are delivered even when the broadcast queue is saturated; a
	// lost ack would strand the requester.
	select {
	case c.send <- newAck(requestID, result, err):
	case <-c.done:
	}
}

func (s *Server) originAllowed(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// roleForAddr classifies a connection: loopback peers get the local
// role and with it the console and calibration verbs.
func roleForAddr(remoteAddr string) router.Role {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return router.RoleLocal
	}
	return router.RoleRemote
}

func (s *Server) logInfo(message string, fields map[string]string) {
	if s.logger == nil {
		return
	}
	s.logger.Info(message, fields)
}

func (s *Server) logWarn(message string, fields map[string]string) {
	if s.logger == nil {
		return
	}
	s.logger.Warn(message, fields)
}
