package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/socketproxy/internal/config"
	"github.com/matst80/socketproxy/internal/obs"
	"github.com/matst80/socketproxy/internal/ratelimit"
	"github.com/matst80/socketproxy/internal/reactor"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  transmitBuffer,
	WriteBufferSize: transmitBuffer,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// NewPWSService runs a PWS server per configured port. A client upgrades to
// a WebSocket naming its target in the X-Pws-Target header; the server
// dials the target and relays binary messages to and from it.
func NewPWSService(rs *reactor.Set, limiter *ratelimit.Limiter) *Service {
	return newService("pws", rs, limiter, func(c *config.Config) []listenerSpec {
		specs := portSpecs(c.PWS, nil)
		for i := range specs {
			p := &pwsFrontend{}
			specs[i].handle = p.handle
			specs[i].onStart = p.start
			specs[i].onClose = p.close
		}
		return specs
	})
}

// pwsFrontend feeds connections from the reactor acceptor into an HTTP
// server that performs the upgrade.
type pwsFrontend struct {
	ln   *queueListener
	http *http.Server
}

func (p *pwsFrontend) start(s *Server) error {
	p.ln = newQueueListener(s.Addr())
	p.http = &http.Server{
		Handler:           http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { p.serve(s, w, r) }),
		ReadHeaderTimeout: 30 * time.Second,
	}
	go func() {
		if err := p.http.Serve(p.ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			obs.Error("proxy.pws.serve", obs.Fields{"name": s.name, "err": err.Error()})
		}
	}()
	return nil
}

func (p *pwsFrontend) close(*Server) {
	if p.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.http.Shutdown(ctx)
	}
	if p.ln != nil {
		p.ln.Close()
	}
}

func (p *pwsFrontend) handle(s *Server, conn net.Conn) {
	if !p.ln.push(conn) {
		conn.Close()
	}
}

func (p *pwsFrontend) serve(s *Server, w http.ResponseWriter, r *http.Request) {
	target := r.Header.Get(PWSTargetHeader)
	if err := config.ValidHostPort(target); err != nil {
		http.Error(w, "missing or invalid "+PWSTargetHeader, http.StatusBadRequest)
		obs.Warn("proxy.pws.bad_target", obs.Fields{"name": s.name, "remote": r.RemoteAddr, "target": target})
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.Warn("proxy.pws.upgrade", obs.Fields{"name": s.name, "remote": r.RemoteAddr, "err": err.Error()})
		return
	}
	client := newWSConn(ws)
	sess := s.track(client)
	if sess == nil {
		return
	}
	sess.setDirection(fmt.Sprintf("%s->%s->%s", r.RemoteAddr, s.name, target))
	s.rs.Connector.Connect(context.Background(), target, func(upstream net.Conn) {
		if !sess.attach(upstream) {
			return
		}
		sess.bridge(client, upstream)
	}, func(err error) { sess.fail("connect "+target, err) })
}

// queueListener is a net.Listener fed by push.
type queueListener struct {
	addr  net.Addr
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func newQueueListener(addr net.Addr) *queueListener {
	return &queueListener{addr: addr, conns: make(chan net.Conn, 64), done: make(chan struct{})}
}

func (l *queueListener) push(c net.Conn) bool {
	select {
	case <-l.done:
		return false
	case l.conns <- c:
		return true
	}
}

func (l *queueListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *queueListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *queueListener) Addr() net.Addr { return l.addr }
