// Package server accepts WebSocket connections and routes their frames into
// per-connection sessions. All protocol handling and every outbound write is
// funneled through a single-threaded control executor because the WebSocket
// write path is not safe for concurrent use; decode-heavy work runs on the
// shared work executor.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/zighouse/zasr/pkg/executor"
	"github.com/zighouse/zasr/pkg/metrics"
	"github.com/zighouse/zasr/pkg/session"
)

// Config carries the transport-level settings.
type Config struct {
	Host              string
	Port              int
	MaxConnections    int
	WorkerThreads     int
	ConnectionTimeout time.Duration
	Session           session.Config
	Logger            *slog.Logger
	Observer          metrics.Observer
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 2026
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 256
	}
	if c.WorkerThreads <= 0 {
		c.WorkerThreads = 4
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Observer == nil {
		c.Observer = metrics.NoopObserver{}
	}
	return c
}

// Server is the WebSocket front end.
type Server struct {
	cfg      Config
	log      *slog.Logger
	obs      metrics.Observer
	upgrader websocket.Upgrader

	control *executor.Executor
	work    *executor.Executor
	reaper  *executor.Reaper

	httpServer *http.Server

	mu       sync.Mutex
	sessions map[*websocket.Conn]*session.Session
	draining bool
}

// New builds a server and its executors. Call Run to serve.
func New(cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg: cfg,
		log: cfg.Logger.With(slog.String("component", "server")),
		obs: cfg.Observer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		control:  executor.New("control", 1),
		work:     executor.New("work", cfg.WorkerThreads),
		sessions: make(map[*websocket.Conn]*session.Session),
	}
	s.reaper = executor.NewReaper(s.work, time.Second, s.sweepTimeouts)
	s.reaper.Start()
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
}

// Run serves until ctx is cancelled, then drains and stops the executors.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.Addr(), err)
	}
	s.log.Info("server listening", "addr", s.Addr(), "max_connections", s.cfg.MaxConnections, "workers", s.cfg.WorkerThreads)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.Shutdown()
		return nil
	})
	return g.Wait()
}

// Shutdown stops accepting, cancels the reaper, closes every session and
// joins both executors.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()

	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	s.reaper.Stop()

	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.sessions))
	sess := make([]*session.Session, 0, len(s.sessions))
	for conn, se := range s.sessions {
		conns = append(conns, conn)
		sess = append(sess, se)
	}
	s.mu.Unlock()

	for i, se := range sess {
		se.Close()
		s.closeConn(conns[i], "Server shutting down")
	}

	// let queued sends flush before stopping the lanes: the control lane is
	// single-threaded, so once this marker runs every earlier task has run
	flushed := make(chan struct{})
	if s.control.Post(func() { close(flushed) }) {
		<-flushed
	}
	s.mu.Lock()
	s.sessions = make(map[*websocket.Conn]*session.Session)
	s.mu.Unlock()
	s.work.Stop()
	s.control.Stop()
	s.log.Info("server stopped")
}

// ServeHTTP upgrades one WebSocket connection and runs its read loop.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "WebSocket connection required", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err.Error())
		return
	}

	s.mu.Lock()
	if s.draining || len(s.sessions) >= s.cfg.MaxConnections {
		draining := s.draining
		s.mu.Unlock()
		reason := "Too many connections"
		if draining {
			reason = "Server shutting down"
		}
		s.record(metrics.Event{Name: metrics.ConnRefused, Remote: r.RemoteAddr})
		s.closeConn(conn, reason)
		return
	}
	sess := session.New(&connSender{server: s, conn: conn}, s.work, s.cfg.Session)
	s.sessions[conn] = sess
	active := len(s.sessions)
	s.mu.Unlock()

	s.record(metrics.Event{Name: metrics.ConnOpen, Remote: r.RemoteAddr})
	s.log.Info("connection opened", "remote", r.RemoteAddr, "active", active)
	go s.readLoop(conn, sess)
}

// readLoop pumps inbound frames onto the control executor so text handling
// and binary enqueueing keep their arrival order per connection.
func (s *Server) readLoop(conn *websocket.Conn, sess *session.Session) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			s.control.Post(func() { s.dropConn(conn, sess) })
			return
		}
		switch msgType {
		case websocket.TextMessage:
			payload := data
			s.control.Post(func() { sess.HandleText(payload) })
		case websocket.BinaryMessage:
			payload := data
			s.control.Post(func() { sess.HandleBinary(payload) })
		default:
			s.log.Warn("unsupported message type", "type", msgType)
		}
	}
}

// dropConn removes a closed connection's session and frees its resources.
// Transport errors emit no events; any sends the session attempts hit a dead
// socket and are discarded.
func (s *Server) dropConn(conn *websocket.Conn, sess *session.Session) {
	s.mu.Lock()
	_, known := s.sessions[conn]
	delete(s.sessions, conn)
	active := len(s.sessions)
	s.mu.Unlock()
	if !known {
		return
	}
	sess.Close()
	_ = conn.Close()
	s.record(metrics.Event{Name: metrics.ConnClose, SID: sess.SessionID()})
	s.log.Info("connection closed", "active", active)
}

// sweepTimeouts runs on the work executor once per second.
func (s *Server) sweepTimeouts() {
	cutoff := time.Now().Add(-s.cfg.ConnectionTimeout)

	s.mu.Lock()
	var expiredConns []*websocket.Conn
	var expiredSess []*session.Session
	for conn, sess := range s.sessions {
		if sess.LastActivity().Before(cutoff) {
			expiredConns = append(expiredConns, conn)
			expiredSess = append(expiredSess, sess)
		}
	}
	for _, conn := range expiredConns {
		delete(s.sessions, conn)
	}
	s.mu.Unlock()

	for i, sess := range expiredSess {
		s.log.Warn("connection timeout", "sid", sess.SessionID())
		s.record(metrics.Event{Name: metrics.SessionTimeout, SID: sess.SessionID()})
		sess.Close()
		s.closeConn(expiredConns[i], "Connection timeout")
	}
}

// closeConn performs the close handshake on the control executor.
func (s *Server) closeConn(conn *websocket.Conn, reason string) {
	s.control.Post(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	})
}

func (s *Server) contains(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[conn]
	return ok
}

func (s *Server) record(ev metrics.Event) {
	ev.Time = time.Now()
	s.obs.Record(ev)
}

// connSender is a session's outbound lane: every write hops onto the control
// executor before touching the connection.
type connSender struct {
	server *Server
	conn   *websocket.Conn
}

func (c *connSender) Send(data []byte) {
	c.server.control.Post(func() {
		if !c.server.contains(c.conn) {
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.server.log.Error("send failed", "error", err.Error())
			c.server.mu.Lock()
			sess := c.server.sessions[c.conn]
			delete(c.server.sessions, c.conn)
			c.server.mu.Unlock()
			_ = c.conn.Close()
			if sess != nil {
				sess.Close()
			}
		} else {
			c.server.record(metrics.Event{Name: metrics.EventOut})
		}
	})
}

func (c *connSender) Close(reason string) {
	c.server.closeConn(c.conn, reason)
}
