package reactor

import (
	"errors"
	"net"
	"time"

	"github.com/matst80/socketproxy/internal/obs"
)

// acceptRetryPause is how long the accept loop waits after a temporary error.
const acceptRetryPause = 50 * time.Millisecond

// Acceptor turns listeners into a stream of accepted connection callbacks.
type Acceptor struct {
	loop *Loop
}

func NewAcceptor() *Acceptor { return &Acceptor{loop: NewLoop("acceptor")} }

// Accept keeps accepting from ln until it is closed. Every accepted
// connection is handed to onAccept on the acceptor loop. A non-temporary
// accept failure is reported to onError once and ends the registration;
// closing ln ends it silently. Once the acceptor is closed the next
// connection is closed and onError gets ErrLoopClosed.
func (a *Acceptor) Accept(ln net.Listener, onAccept func(net.Conn), onError func(error)) {
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					obs.Warn("reactor.accept_retry", obs.Fields{"addr": ln.Addr().String(), "err": err.Error()})
					time.Sleep(acceptRetryPause)
					continue
				}
				if onError != nil {
					a.loop.submitOrFail(func() { onError(err) }, onError)
				}
				return
			}
			tuneConn(c)
			if !a.loop.submitOrFail(func() { onAccept(c) }, onError) {
				_ = c.Close()
				return
			}
		}
	}()
}

func (a *Acceptor) Close() { a.loop.Close() }

// tuneConn applies the socket options every proxied TCP stream wants.
func tuneConn(c net.Conn) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(30 * time.Second)
}
