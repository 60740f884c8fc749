// Package proxy implements the plain proxy front-ends: TCP forwarding,
// SOCKS5, HTTP CONNECT and the private WebSocket tunnel. Every front-end is
// a Server per configured listener, run by a Service that follows config
// reloads.
package proxy

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/socketproxy/internal/httpx"
	"github.com/matst80/socketproxy/internal/obs"
	"github.com/matst80/socketproxy/internal/ratelimit"
	"github.com/matst80/socketproxy/internal/reactor"
	"github.com/matst80/socketproxy/internal/report"
)

// transmitBuffer is the per-direction pump buffer.
const transmitBuffer = 32 * 1024

var errIdle = errors.New("proxy: connection idle")

// handler takes over an accepted connection.
type handler func(s *Server, conn net.Conn)

// Server is one listener of a front-end together with its live sessions.
type Server struct {
	service   string
	name      string
	addr      string
	direction string
	rs        *reactor.Set
	limiter   *ratelimit.Limiter
	handle    handler
	maxIdle   atomic.Int64

	// onStart and onClose let a front-end wrap the listener, as PWS does
	// with an HTTP server.
	onStart func(s *Server) error
	onClose func(s *Server)

	mu       sync.Mutex
	ln       net.Listener
	sessions map[uint64]*session
	nextID   uint64
	sweep    *reactor.Timer
	closed   bool
}

func (s *Server) Name() string { return s.name }

// Addr returns the bound address once started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// SetMaxIdle changes the idle threshold used by later sweeps.
func (s *Server) SetMaxIdle(d time.Duration) { s.maxIdle.Store(int64(d)) }

func (s *Server) start(sweepInterval time.Duration) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("%s listen %s: %w", s.service, s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	if sweepInterval > 0 {
		s.sweep = s.rs.Delay.Every(sweepInterval, s.onSweep, nil)
	}
	s.mu.Unlock()
	if s.onStart != nil {
		if err := s.onStart(s); err != nil {
			s.Close()
			return err
		}
	}
	s.rs.Acceptor.Accept(ln, s.onAccept, func(err error) {
		obs.ErrorsTotal.WithLabelValues(s.service + ".accept").Inc()
		obs.Error("proxy.accept", obs.Fields{"service": s.service, "name": s.name, "err": err.Error()})
	})
	obs.Info("proxy.start", obs.Fields{"service": s.service, "name": s.name, "addr": ln.Addr().String(), "direction": s.direction})
	return nil
}

func (s *Server) onAccept(conn net.Conn) {
	if !s.limiter.Allow(httpx.RemoteIPFromConn(conn)) {
		obs.Warn("proxy.rate_limited", obs.Fields{"service": s.service, "remote": conn.RemoteAddr().String()})
		obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
		conn.Close()
		return
	}
	s.handle(s, conn)
}

// track registers a new session over conn. It returns nil when the server
// is already closed, in which case conn has been closed.
func (s *Server) track(conn net.Conn) *session {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.nextID++
	sess := &session{id: s.nextID, srv: s, conns: []net.Conn{conn}, opened: time.Now()}
	sess.direction.Store(conn.RemoteAddr().String() + "->" + s.name)
	sess.touch()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	obs.ConnectionsTotal.WithLabelValues(s.service).Inc()
	obs.ActiveConnections.WithLabelValues(s.service).Inc()
	return sess
}

func (s *Server) onSweep() error {
	maxIdle := time.Duration(s.maxIdle.Load())
	if maxIdle <= 0 {
		return nil
	}
	now := time.Now()
	var idle []*session
	s.mu.Lock()
	for _, sess := range s.sessions {
		if sess.idleFor(now) >= maxIdle {
			idle = append(idle, sess)
		}
	}
	s.mu.Unlock()
	for _, sess := range idle {
		sess.close(errIdle)
	}
	return nil
}

// Close stops the listener and every session.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ln := s.ln
	s.rs.Delay.Cancel(s.sweep)
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	if s.onClose != nil {
		s.onClose(s)
	}
	if ln != nil {
		ln.Close()
	}
	for _, sess := range sessions {
		sess.close(nil)
	}
	obs.Info("proxy.stop", obs.Fields{"service": s.service, "name": s.name})
}

// Info lists live sessions. It never blocks on I/O.
func (s *Server) Info() report.ServerInfo {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	info := report.ServerInfo{Name: s.name, Direction: s.direction, Connections: make([]report.ConnInfo, 0, len(s.sessions))}
	for _, sess := range s.sessions {
		info.Connections = append(info.Connections, report.ConnInfo{
			ID:        sess.id,
			Direction: sess.direction.Load().(string),
			Since:     sess.opened,
			Idle:      sess.idleFor(now).Seconds(),
		})
	}
	sort.Slice(info.Connections, func(i, j int) bool { return info.Connections[i].ID < info.Connections[j].ID })
	return info
}

// session is one proxied client: its own connection plus the upstream leg
// once connected.
type session struct {
	id         uint64
	srv        *Server
	opened     time.Time
	lastActive atomic.Int64
	direction  atomic.Value // string

	mu     sync.Mutex
	conns  []net.Conn
	closed bool
}

func (sess *session) touch() { sess.lastActive.Store(time.Now().UnixNano()) }

func (sess *session) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, sess.lastActive.Load()))
}

func (sess *session) setDirection(d string) { sess.direction.Store(d) }

// attach adds an upstream connection. A session closed in the meantime
// closes conn right away and reports false.
func (sess *session) attach(conn net.Conn) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		conn.Close()
		return false
	}
	sess.conns = append(sess.conns, conn)
	return true
}

// close tears the session down once; later calls are no-ops.
func (sess *session) close(err error) {
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	sess.closed = true
	conns := sess.conns
	sess.mu.Unlock()

	s := sess.srv
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	obs.ActiveConnections.WithLabelValues(s.service).Dec()
	obs.ConnectionDuration.WithLabelValues(s.service).Observe(time.Since(sess.opened).Seconds())
	f := obs.Fields{"service": s.service, "id": sess.id, "direction": sess.direction.Load()}
	if err == nil {
		obs.Info("proxy.disconnected", f)
		return
	}
	obs.Err("proxy.disconnected", err, func(err error) bool {
		return reactor.IsCloseError(err) || errors.Is(err, errIdle)
	}, f)
}

// bridge pumps both directions between the client and upstream until
// either side ends, then closes the session.
func (sess *session) bridge(client, upstream net.Conn) {
	s := sess.srv
	up := obs.TransferredBytesTotal.WithLabelValues(s.service, "up")
	down := obs.TransferredBytesTotal.WithLabelValues(s.service, "down")
	s.rs.Transmitter.Transmit(client, upstream, transmitBuffer, func(leg reactor.Leg, n int) {
		sess.touch()
		if leg == reactor.LegWrite {
			up.Add(float64(n))
		}
	}, sess.close)
	s.rs.Transmitter.Transmit(upstream, client, transmitBuffer, func(leg reactor.Leg, n int) {
		sess.touch()
		if leg == reactor.LegWrite {
			down.Add(float64(n))
		}
	}, sess.close)
}

// fail logs a handshake problem and closes the session.
func (sess *session) fail(stage string, err error) {
	if !reactor.IsCloseError(err) {
		err = fmt.Errorf("%s: %w", stage, err)
	}
	sess.close(err)
}
