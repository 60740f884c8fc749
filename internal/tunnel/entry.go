package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/socketproxy/internal/config"
	"github.com/matst80/socketproxy/internal/httpx"
	"github.com/matst80/socketproxy/internal/obs"
	"github.com/matst80/socketproxy/internal/proto"
	"github.com/matst80/socketproxy/internal/ratelimit"
	"github.com/matst80/socketproxy/internal/reactor"
	"github.com/matst80/socketproxy/internal/report"
)

// Entry accepts public clients and exactly one relay link at a time, and
// multiplexes every client over that link.
type Entry struct {
	cfg     config.IntranetConfig
	rs      *reactor.Set
	limiter *ratelimit.Limiter
	maxIdle atomic.Int64

	mu        sync.Mutex
	publicLn  net.Listener
	relayLn   net.Listener
	link      *link
	conns     map[uint32]*muxConn
	nextID    uint32
	closed    bool
	heartbeat *reactor.Timer
	sweep     *reactor.Timer
}

func NewEntry(cfg config.IntranetConfig, rs *reactor.Set, opts Options, limiter *ratelimit.Limiter) *Entry {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = config.DefaultHeartbeatInterval
	}
	e := &Entry{cfg: cfg, rs: rs, limiter: limiter, conns: make(map[uint32]*muxConn)}
	e.maxIdle.Store(int64(opts.MaxIdle))
	return e
}

func (e *Entry) Name() string { return e.cfg.Name() }

// SetMaxIdle changes the idle threshold used by later sweeps.
func (e *Entry) SetMaxIdle(d time.Duration) { e.maxIdle.Store(int64(d)) }

// Start binds both listeners and starts the heartbeat and idle sweep.
func (e *Entry) Start(opts Options) error {
	publicLn, err := net.Listen("tcp", e.cfg.PublicAddr())
	if err != nil {
		return fmt.Errorf("entry listen %s: %w", e.cfg.PublicAddr(), err)
	}
	relayLn, err := net.Listen("tcp", e.cfg.RelayAddr())
	if err != nil {
		publicLn.Close()
		return fmt.Errorf("entry relay listen %s: %w", e.cfg.RelayAddr(), err)
	}
	if e.cfg.RelayTLS.Enabled() {
		tlsConfig, err := serverTLSConfig(e.cfg.RelayTLS)
		if err != nil {
			publicLn.Close()
			relayLn.Close()
			return err
		}
		relayLn = tls.NewListener(relayLn, tlsConfig)
	}

	e.mu.Lock()
	e.publicLn, e.relayLn = publicLn, relayLn
	e.heartbeat = e.rs.Delay.Every(e.cfg.HeartbeatInterval, e.onHeartbeat, nil)
	if opts.SweepInterval > 0 {
		e.sweep = e.rs.Delay.Every(opts.SweepInterval, e.onSweep, nil)
	}
	e.mu.Unlock()

	e.rs.Acceptor.Accept(relayLn, e.onRelay, e.acceptError("relay"))
	e.rs.Acceptor.Accept(publicLn, e.onClient, e.acceptError("public"))
	obs.Info("tunnel.entry.start", obs.Fields{"name": e.Name(), "public": publicLn.Addr().String(), "relay": relayLn.Addr().String(), "tls": e.cfg.RelayTLS.Enabled()})
	return nil
}

// PublicAddr and RelayAddr return the bound listener addresses.
func (e *Entry) PublicAddr() net.Addr { e.mu.Lock(); defer e.mu.Unlock(); return e.publicLn.Addr() }
func (e *Entry) RelayAddr() net.Addr  { e.mu.Lock(); defer e.mu.Unlock(); return e.relayLn.Addr() }

// HasRelay reports whether a relay link is active.
func (e *Entry) HasRelay() bool { e.mu.Lock(); defer e.mu.Unlock(); return e.link != nil }

func (e *Entry) acceptError(which string) func(error) {
	return func(err error) {
		obs.ErrorsTotal.WithLabelValues("entry.accept").Inc()
		obs.Error("tunnel.entry.accept", obs.Fields{"name": e.Name(), "listener": which, "err": err.Error()})
	}
}

// onRelay installs conn as the active link once a TLS handshake, if any,
// has succeeded.
func (e *Entry) onRelay(conn net.Conn) {
	tc, ok := conn.(*tls.Conn)
	if !ok {
		e.installLink(conn)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		defer cancel()
		if err := tc.HandshakeContext(ctx); err != nil {
			tc.Close()
			obs.ErrorsTotal.WithLabelValues("entry.handshake").Inc()
			obs.Warn("tunnel.entry.handshake", obs.Fields{"name": e.Name(), "relay": conn.RemoteAddr().String(), "err": err.Error()})
			return
		}
		e.installLink(conn)
	}()
}

// installLink makes conn the active link. Clients riding a previous link
// lose their multiplexing context and are closed without ConnectClose.
func (e *Entry) installLink(conn net.Conn) {
	nl := newLink(conn)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		conn.Close()
		return
	}
	old := e.link
	e.link = nl
	dropped := e.takeConnsLocked()
	e.mu.Unlock()

	if old != nil {
		old.conn.Close()
		logDisconnect("tunnel.entry.relay_disconnected", errSuperseded, obs.Fields{"name": e.Name(), "relay": old.remote})
	} else {
		obs.RelayLinks.WithLabelValues("entry").Inc()
	}
	e.closeAll(dropped)
	obs.Info("tunnel.entry.relay_connected", obs.Fields{"name": e.Name(), "relay": nl.remote})
	go e.readLink(nl)
}

func (e *Entry) readLink(l *link) {
	dec := proto.NewDecoder(l.conn)
	for {
		f, err := dec.Next()
		if err != nil {
			e.dropLink(l, err)
			return
		}
		l.touch()
		obs.FramesTotal.WithLabelValues(proto.TypeName(f.Type), "in").Inc()
		switch f.Type {
		case proto.TypeTransmit:
			e.toClient(l, f.ID, f.Payload)
		case proto.TypeConnectClose:
			e.remoteClose(l, f.ID)
		}
	}
}

func (e *Entry) toClient(l *link, id uint32, payload []byte) {
	e.mu.Lock()
	var c *muxConn
	if e.link == l {
		c = e.conns[id]
	}
	e.mu.Unlock()
	if c == nil {
		obs.Debug("tunnel.entry.unknown_id", obs.Fields{"name": e.Name(), "id": id})
		return
	}
	c.touch()
	obs.TransferredBytesTotal.WithLabelValues("intranet", "down").Add(float64(len(payload)))
	e.rs.Writer.Write(c.conn, payload, nil, func(err error) { e.closeClient(c, true, err) })
}

func (e *Entry) remoteClose(l *link, id uint32) {
	e.mu.Lock()
	var c *muxConn
	if e.link == l {
		c = e.conns[id]
	}
	e.mu.Unlock()
	if c != nil {
		e.closeClient(c, false, nil)
	}
}

// dropLink tears down l if it is still the active link.
func (e *Entry) dropLink(l *link, err error) {
	e.mu.Lock()
	if e.link != l {
		e.mu.Unlock()
		l.conn.Close()
		return
	}
	e.link = nil
	dropped := e.takeConnsLocked()
	e.mu.Unlock()

	l.conn.Close()
	obs.RelayLinks.WithLabelValues("entry").Dec()
	logDisconnect("tunnel.entry.relay_disconnected", err, obs.Fields{"name": e.Name(), "relay": l.remote, "connections": len(dropped)})
	e.closeAll(dropped)
}

func (e *Entry) onClient(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	if !e.limiter.Allow(httpx.RemoteIPFromConn(conn)) {
		obs.Warn("tunnel.entry.rate_limited", obs.Fields{"name": e.Name(), "remote": remote})
		obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
		conn.Close()
		return
	}
	e.mu.Lock()
	if e.closed || e.link == nil {
		e.mu.Unlock()
		conn.Close()
		obs.Info("tunnel.entry.refused", obs.Fields{"name": e.Name(), "remote": remote, "err": ErrNoRelay.Error()})
		return
	}
	id := e.allocIDLocked()
	c := newMuxConn(id, conn, e.link, fmt.Sprintf("%s->%d", remote, e.cfg.Port))
	e.conns[id] = c
	e.mu.Unlock()

	obs.ConnectionsTotal.WithLabelValues("intranet").Inc()
	obs.ActiveConnections.WithLabelValues("intranet").Inc()
	obs.Info("tunnel.entry.connected", obs.Fields{"name": e.Name(), "id": id, "remote": remote})
	e.pump(c, make([]byte, readChunk))
}

// allocIDLocked returns the next id that is neither zero nor in use.
func (e *Entry) allocIDLocked() uint32 {
	for {
		e.nextID++
		if e.nextID == 0 {
			continue
		}
		if _, used := e.conns[e.nextID]; !used {
			return e.nextID
		}
	}
}

// pump forwards everything the client sends as Transmit frames.
func (e *Entry) pump(c *muxConn, buf []byte) {
	e.rs.Reader.ReadAny(c.conn, buf, func(b []byte) {
		c.touch()
		e.mu.Lock()
		if e.conns[c.id] != c || e.link != c.link {
			e.mu.Unlock()
			return
		}
		l := c.link
		l.send(e.rs.Writer, func(err error) { e.dropLink(l, err) }, proto.TransmitHeader(c.id, len(b)), b)
		e.mu.Unlock()
		obs.TransferredBytesTotal.WithLabelValues("intranet", "up").Add(float64(len(b)))
		e.pump(c, buf)
	}, func(err error) { e.closeClient(c, true, err) })
}

// closeClient retires c exactly once. sendClose tells the relay about it
// when the close originated on this side. Otherwise the relay closed it, and
// payloads already queued for the client are written before the socket
// closes.
func (e *Entry) closeClient(c *muxConn, sendClose bool, err error) {
	e.mu.Lock()
	if e.conns[c.id] != c {
		e.mu.Unlock()
		return
	}
	delete(e.conns, c.id)
	if sendClose && e.link != nil && e.link == c.link {
		l := e.link
		l.send(e.rs.Writer, func(err error) { e.dropLink(l, err) }, proto.ConnectClose(c.id))
	}
	e.mu.Unlock()
	e.finish(c, err, !sendClose)
}

func (e *Entry) finish(c *muxConn, err error, drain bool) {
	if drain {
		e.rs.Writer.CloseAfterFlush(c.conn)
	} else {
		c.conn.Close()
	}
	obs.ActiveConnections.WithLabelValues("intranet").Dec()
	obs.ConnectionDuration.WithLabelValues("intranet").Observe(time.Since(c.opened).Seconds())
	logDisconnect("tunnel.entry.disconnected", err, obs.Fields{"name": e.Name(), "id": c.id, "direction": c.direction.Load()})
}

func (e *Entry) takeConnsLocked() []*muxConn {
	out := make([]*muxConn, 0, len(e.conns))
	for id, c := range e.conns {
		out = append(out, c)
		delete(e.conns, id)
	}
	return out
}

func (e *Entry) closeAll(conns []*muxConn) {
	for _, c := range conns {
		e.finish(c, nil, false)
	}
}

// onHeartbeat drops a silent link or sends the next heartbeat.
func (e *Entry) onHeartbeat() error {
	e.mu.Lock()
	l := e.link
	if l == nil {
		e.mu.Unlock()
		return nil
	}
	if miss := e.cfg.HeartbeatMissTimeout; miss > 0 && l.silentFor(time.Now()) > miss {
		e.mu.Unlock()
		e.dropLink(l, errHeartbeatMissed)
		return nil
	}
	l.send(e.rs.Writer, func(err error) { e.dropLink(l, err) }, proto.HeartBeat())
	e.mu.Unlock()
	return nil
}

func (e *Entry) onSweep() error {
	maxIdle := time.Duration(e.maxIdle.Load())
	if maxIdle <= 0 {
		return nil
	}
	now := time.Now()
	var idle []*muxConn
	e.mu.Lock()
	for _, c := range e.conns {
		if c.idleFor(now) >= maxIdle {
			idle = append(idle, c)
		}
	}
	e.mu.Unlock()
	for _, c := range idle {
		e.closeClient(c, true, errIdle)
	}
	return nil
}

// Close stops both listeners, the timers, the link and every client.
func (e *Entry) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	l := e.link
	e.link = nil
	dropped := e.takeConnsLocked()
	publicLn, relayLn := e.publicLn, e.relayLn
	e.rs.Delay.Cancel(e.heartbeat)
	e.rs.Delay.Cancel(e.sweep)
	e.mu.Unlock()

	if publicLn != nil {
		publicLn.Close()
	}
	if relayLn != nil {
		relayLn.Close()
	}
	if l != nil {
		l.conn.Close()
		obs.RelayLinks.WithLabelValues("entry").Dec()
	}
	e.closeAll(dropped)
	obs.Info("tunnel.entry.stop", obs.Fields{"name": e.Name()})
}

// Info lists active connections. It never blocks on I/O.
func (e *Entry) Info() report.ServerInfo {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	direction := strconv.Itoa(e.cfg.Port) + "->" + strconv.Itoa(e.cfg.Relay)
	if e.link != nil {
		direction += "->" + e.link.remote
	}
	info := report.ServerInfo{Name: e.Name(), Direction: direction, Connections: make([]report.ConnInfo, 0, len(e.conns))}
	for _, c := range e.conns {
		info.Connections = append(info.Connections, c.info(now))
	}
	sortConns(info.Connections)
	return info
}
