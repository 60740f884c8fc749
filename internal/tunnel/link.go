// Package tunnel multiplexes many client connections over one entry/relay
// link. The Entry listens for public clients and for its Relay; the Relay
// dials out from the private network and connects each tunnelled id to the
// target service.
package tunnel

import (
	"errors"
	"net"
	"sort"
	"sync/atomic"
	"time"

	"github.com/matst80/socketproxy/internal/obs"
	"github.com/matst80/socketproxy/internal/proto"
	"github.com/matst80/socketproxy/internal/reactor"
	"github.com/matst80/socketproxy/internal/report"
)

var (
	// ErrNoRelay is logged when a public client arrives while no relay is
	// connected.
	ErrNoRelay         = errors.New("tunnel: no relay connected")
	errHeartbeatMissed = errors.New("tunnel: heartbeat missed")
	errIdle            = errors.New("tunnel: connection idle")
	errSuperseded      = errors.New("tunnel: relay link superseded")
)

// readChunk is the buffer size for reading from tunnelled connections.
const readChunk = 32 * 1024

// link is the physical entry<->relay socket.
type link struct {
	conn      net.Conn
	remote    string
	since     time.Time
	lastFrame atomic.Int64
}

func newLink(conn net.Conn) *link {
	l := &link{conn: conn, remote: conn.RemoteAddr().String(), since: time.Now()}
	l.touch()
	return l
}

func (l *link) touch() { l.lastFrame.Store(time.Now().UnixNano()) }

func (l *link) silentFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, l.lastFrame.Load()))
}

// send queues one frame on the link. Callers hold the server lock so that
// frames of one id keep their order relative to its ConnectClose.
func (l *link) send(w *reactor.Writer, onError func(error), parts ...[]byte) {
	obs.FramesTotal.WithLabelValues(proto.TypeName(parts[0][0]), "out").Inc()
	w.WriteContinuous(l.conn, onError, parts...)
}

// muxConn is one tunnelled connection: a public client on the Entry side, a
// target connection on the Relay side.
type muxConn struct {
	id         uint32
	conn       net.Conn
	link       *link
	opened     time.Time
	lastActive atomic.Int64
	direction  atomic.Value // string

	// payloads received before the target connection was established, and
	// whether they must still be delivered after the entry closed the id;
	// both guarded by the server lock
	pending [][]byte
	drain   bool
}

func newMuxConn(id uint32, conn net.Conn, l *link, direction string) *muxConn {
	c := &muxConn{id: id, conn: conn, link: l, opened: time.Now()}
	c.direction.Store(direction)
	c.touch()
	return c
}

func (c *muxConn) touch() { c.lastActive.Store(time.Now().UnixNano()) }

func (c *muxConn) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActive.Load()))
}

func (c *muxConn) info(now time.Time) report.ConnInfo {
	return report.ConnInfo{
		ID:        uint64(c.id),
		Direction: c.direction.Load().(string),
		Since:     c.opened,
		Idle:      c.idleFor(now).Seconds(),
	}
}

// Options are shared by every tunnel instance of one Service.
type Options struct {
	MaxIdle       time.Duration
	SweepInterval time.Duration
}

func logDisconnect(event string, err error, f obs.Fields) {
	if err == nil || errors.Is(err, errSuperseded) {
		obs.Info(event, f)
		return
	}
	obs.Err(event, err, isExpectedClose, f)
}

// isExpectedClose covers every way a tunnel connection ends without a fault.
func isExpectedClose(err error) bool {
	return reactor.IsCloseError(err) || errors.Is(err, errHeartbeatMissed) || errors.Is(err, errIdle)
}

func sortConns(c []report.ConnInfo) {
	sort.Slice(c, func(i, j int) bool { return c[i].ID < c[j].ID })
}
