package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/matst80/socketproxy/internal/config"
	"github.com/matst80/socketproxy/internal/obs"
	"github.com/matst80/socketproxy/internal/proto"
	"github.com/matst80/socketproxy/internal/reactor"
	"github.com/matst80/socketproxy/internal/report"
)

// Relay dials its Entry from inside the private network and opens one
// target connection per tunnelled id. Lost or refused links are retried
// after a constant delay for as long as the relay runs.
type Relay struct {
	cfg     config.IntranetConfig
	rs      *reactor.Set
	maxIdle atomic.Int64
	tls     *tls.Config

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	link      *link
	conns     map[uint32]*muxConn
	retry     *reactor.Timer
	backoff   *backoff.Backoff
	attempts  int
	closed    bool
	heartbeat *reactor.Timer
	sweep     *reactor.Timer
}

func NewRelay(cfg config.IntranetConfig, rs *reactor.Set, opts Options) *Relay {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = config.DefaultHeartbeatInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = config.DefaultReconnectDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		cfg:    cfg,
		rs:     rs,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[uint32]*muxConn),
		// Factor 1 without jitter keeps the delay constant.
		backoff: &backoff.Backoff{Min: cfg.ReconnectDelay, Max: cfg.ReconnectDelay, Factor: 1},
	}
	r.maxIdle.Store(int64(opts.MaxIdle))
	return r
}

func (r *Relay) Name() string { return r.cfg.Name() }

// SetMaxIdle changes the idle threshold used by later sweeps.
func (r *Relay) SetMaxIdle(d time.Duration) { r.maxIdle.Store(int64(d)) }

// Start begins connecting to the entry. Connect failures are not returned;
// they feed the reconnect cycle.
func (r *Relay) Start(opts Options) error {
	if r.cfg.EntryTLS.Enabled {
		tlsConfig, err := clientTLSConfig(r.cfg.EntryTLS)
		if err != nil {
			return err
		}
		if tlsConfig.ServerName == "" {
			host, _, _ := net.SplitHostPort(r.cfg.Entry)
			tlsConfig.ServerName = host
		}
		r.tls = tlsConfig
	}
	r.mu.Lock()
	r.heartbeat = r.rs.Delay.Every(r.cfg.HeartbeatInterval, r.onHeartbeat, nil)
	if opts.SweepInterval > 0 {
		r.sweep = r.rs.Delay.Every(opts.SweepInterval, r.onSweep, nil)
	}
	r.mu.Unlock()
	obs.Info("tunnel.relay.start", obs.Fields{"name": r.Name(), "entry": r.cfg.Entry, "target": r.cfg.Target, "tls": r.tls != nil})
	r.connect()
	return nil
}

// Connected reports whether the link to the entry is up.
func (r *Relay) Connected() bool { r.mu.Lock(); defer r.mu.Unlock(); return r.link != nil }

func (r *Relay) connect() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.attempts++
	r.mu.Unlock()
	r.rs.Connector.ConnectWith(r.ctx, r.dialEntry, r.onLinkConnected, func(err error) {
		obs.Warn("tunnel.relay.connect_failed", obs.Fields{"name": r.Name(), "entry": r.cfg.Entry, "err": err.Error()})
		r.scheduleReconnect()
	})
}

func (r *Relay) dialEntry(ctx context.Context) (net.Conn, error) {
	if r.tls != nil {
		d := tls.Dialer{NetDialer: &r.rs.Connector.Dialer, Config: r.tls}
		return d.DialContext(ctx, "tcp", r.cfg.Entry)
	}
	return r.rs.Connector.Dialer.DialContext(ctx, "tcp", r.cfg.Entry)
}

func (r *Relay) onLinkConnected(conn net.Conn) {
	l := newLink(conn)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close()
		return
	}
	r.link = l
	r.backoff.Reset()
	r.attempts = 0
	r.mu.Unlock()
	obs.RelayLinks.WithLabelValues("relay").Inc()
	obs.Info("tunnel.relay.connected", obs.Fields{"name": r.Name(), "entry": r.cfg.Entry, "local": conn.LocalAddr().String()})
	go r.readLink(l)
}

// scheduleReconnect replaces any pending retry with a new one.
func (r *Relay) scheduleReconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.rs.Delay.Cancel(r.retry)
	d := r.backoff.Duration()
	r.retry = r.rs.Delay.Run(d, func() error { r.connect(); return nil }, nil)
	obs.RelayReconnectsTotal.Inc()
	obs.Debug("tunnel.relay.reconnect_scheduled", obs.Fields{"name": r.Name(), "delay": d.String(), "attempt": r.attempts})
}

func (r *Relay) readLink(l *link) {
	dec := proto.NewDecoder(l.conn)
	for {
		f, err := dec.Next()
		if err != nil {
			r.dropLink(l, err)
			return
		}
		l.touch()
		obs.FramesTotal.WithLabelValues(proto.TypeName(f.Type), "in").Inc()
		switch f.Type {
		case proto.TypeTransmit:
			r.toTarget(l, f.ID, f.Payload)
		case proto.TypeConnectClose:
			r.remoteClose(l, f.ID)
		}
	}
}

// toTarget delivers payload to the target connection for id, opening it on
// first sight. Payloads that arrive while the connect is pending are queued
// and flushed in arrival order.
func (r *Relay) toTarget(l *link, id uint32, payload []byte) {
	obs.TransferredBytesTotal.WithLabelValues("intranet", "up").Add(float64(len(payload)))
	r.mu.Lock()
	if r.link != l {
		r.mu.Unlock()
		return
	}
	c, ok := r.conns[id]
	if !ok {
		c = newMuxConn(id, nil, l, fmt.Sprintf("%s->connecting->%s", r.cfg.Entry, r.cfg.Target))
		c.pending = append(c.pending, payload)
		r.conns[id] = c
		r.mu.Unlock()
		obs.ConnectionsTotal.WithLabelValues("intranet").Inc()
		obs.ActiveConnections.WithLabelValues("intranet").Inc()
		r.dialTarget(c)
		return
	}
	c.touch()
	if c.conn == nil {
		c.pending = append(c.pending, payload)
		r.mu.Unlock()
		return
	}
	conn := c.conn
	r.mu.Unlock()
	r.rs.Writer.Write(conn, payload, nil, func(err error) { r.closeTarget(c, true, err) })
}

func (r *Relay) dialTarget(c *muxConn) {
	r.rs.Connector.Connect(r.ctx, r.cfg.Target, func(conn net.Conn) {
		r.mu.Lock()
		if r.conns[c.id] != c {
			drain, pending := c.drain, c.pending
			c.pending = nil
			r.mu.Unlock()
			if !drain {
				conn.Close()
				return
			}
			for _, p := range pending {
				r.rs.Writer.Write(conn, p, nil, nil)
			}
			r.rs.Writer.CloseAfterFlush(conn)
			return
		}
		c.conn = conn
		c.direction.Store(fmt.Sprintf("%s->%s->%s", r.cfg.Entry, conn.LocalAddr().String(), r.cfg.Target))
		pending := c.pending
		c.pending = nil
		for _, p := range pending {
			r.rs.Writer.Write(conn, p, nil, func(err error) { r.closeTarget(c, true, err) })
		}
		r.mu.Unlock()
		c.touch()
		obs.Info("tunnel.relay.target_connected", obs.Fields{"name": r.Name(), "id": c.id, "queued": len(pending)})
		r.pump(c, make([]byte, readChunk))
	}, func(err error) {
		r.closeTarget(c, true, fmt.Errorf("connect target %s: %w", r.cfg.Target, err))
	})
}

// pump forwards target output to the entry as Transmit frames.
func (r *Relay) pump(c *muxConn, buf []byte) {
	r.rs.Reader.ReadAny(c.conn, buf, func(b []byte) {
		c.touch()
		r.mu.Lock()
		if r.conns[c.id] != c || r.link != c.link {
			r.mu.Unlock()
			return
		}
		l := c.link
		l.send(r.rs.Writer, func(err error) { r.dropLink(l, err) }, proto.TransmitHeader(c.id, len(b)), b)
		r.mu.Unlock()
		obs.TransferredBytesTotal.WithLabelValues("intranet", "down").Add(float64(len(b)))
		r.pump(c, buf)
	}, func(err error) { r.closeTarget(c, true, err) })
}

func (r *Relay) remoteClose(l *link, id uint32) {
	r.mu.Lock()
	var c *muxConn
	if r.link == l {
		c = r.conns[id]
	}
	r.mu.Unlock()
	if c != nil {
		r.closeTarget(c, false, nil)
	}
}

// closeTarget retires c exactly once, telling the entry when sendClose is
// set and the link that carried c is still up. Without sendClose the entry
// closed the id: queued payloads still reach the target, including those
// waiting for a connect in flight.
func (r *Relay) closeTarget(c *muxConn, sendClose bool, err error) {
	r.mu.Lock()
	if r.conns[c.id] != c {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c.id)
	if sendClose && r.link != nil && r.link == c.link {
		l := r.link
		l.send(r.rs.Writer, func(err error) { r.dropLink(l, err) }, proto.ConnectClose(c.id))
	}
	conn := c.conn
	drain := !sendClose
	if conn == nil && drain {
		c.drain = true
	}
	r.mu.Unlock()
	r.finish(c, conn, err, drain)
}

func (r *Relay) finish(c *muxConn, conn net.Conn, err error, drain bool) {
	switch {
	case conn == nil:
	case drain:
		r.rs.Writer.CloseAfterFlush(conn)
	default:
		conn.Close()
	}
	obs.ActiveConnections.WithLabelValues("intranet").Dec()
	obs.ConnectionDuration.WithLabelValues("intranet").Observe(time.Since(c.opened).Seconds())
	logDisconnect("tunnel.relay.disconnected", err, obs.Fields{"name": r.Name(), "id": c.id, "direction": c.direction.Load()})
}

// dropLink tears down l and every target riding it, then reconnects.
func (r *Relay) dropLink(l *link, err error) {
	r.mu.Lock()
	if r.link != l {
		r.mu.Unlock()
		l.conn.Close()
		return
	}
	r.link = nil
	dropped := r.takeConnsLocked()
	r.mu.Unlock()

	l.conn.Close()
	obs.RelayLinks.WithLabelValues("relay").Dec()
	logDisconnect("tunnel.relay.link_lost", err, obs.Fields{"name": r.Name(), "entry": r.cfg.Entry, "connections": len(dropped)})
	for _, d := range dropped {
		r.finish(d.c, d.conn, nil, false)
	}
	r.scheduleReconnect()
}

type droppedConn struct {
	c    *muxConn
	conn net.Conn
}

func (r *Relay) takeConnsLocked() []droppedConn {
	out := make([]droppedConn, 0, len(r.conns))
	for id, c := range r.conns {
		out = append(out, droppedConn{c: c, conn: c.conn})
		delete(r.conns, id)
	}
	return out
}

func (r *Relay) onHeartbeat() error {
	r.mu.Lock()
	l := r.link
	if l == nil {
		r.mu.Unlock()
		return nil
	}
	if miss := r.cfg.HeartbeatMissTimeout; miss > 0 && l.silentFor(time.Now()) > miss {
		r.mu.Unlock()
		r.dropLink(l, errHeartbeatMissed)
		return nil
	}
	l.send(r.rs.Writer, func(err error) { r.dropLink(l, err) }, proto.HeartBeat())
	r.mu.Unlock()
	return nil
}

func (r *Relay) onSweep() error {
	maxIdle := time.Duration(r.maxIdle.Load())
	if maxIdle <= 0 {
		return nil
	}
	now := time.Now()
	var idle []*muxConn
	r.mu.Lock()
	for _, c := range r.conns {
		if c.idleFor(now) >= maxIdle {
			idle = append(idle, c)
		}
	}
	r.mu.Unlock()
	for _, c := range idle {
		r.closeTarget(c, true, errIdle)
	}
	return nil
}

// Close stops reconnecting and tears down the link and every target.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.rs.Delay.Cancel(r.retry)
	r.rs.Delay.Cancel(r.heartbeat)
	r.rs.Delay.Cancel(r.sweep)
	l := r.link
	r.link = nil
	dropped := r.takeConnsLocked()
	r.mu.Unlock()

	r.cancel()
	if l != nil {
		l.conn.Close()
		obs.RelayLinks.WithLabelValues("relay").Dec()
	}
	for _, d := range dropped {
		r.finish(d.c, d.conn, nil, false)
	}
	obs.Info("tunnel.relay.stop", obs.Fields{"name": r.Name()})
}

// Info lists active connections. It never blocks on I/O.
func (r *Relay) Info() report.ServerInfo {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	direction := r.cfg.Entry + "->connecting->" + r.cfg.Target
	if r.link != nil {
		direction = fmt.Sprintf("%s->%s->%s", r.cfg.Entry, r.link.conn.LocalAddr().String(), r.cfg.Target)
	}
	info := report.ServerInfo{Name: r.Name(), Direction: direction, Connections: make([]report.ConnInfo, 0, len(r.conns))}
	for _, c := range r.conns {
		info.Connections = append(info.Connections, c.info(now))
	}
	sortConns(info.Connections)
	return info
}
