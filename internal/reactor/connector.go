package reactor

import (
	"context"
	"net"
	"time"
)

// DialFunc opens a connection. It lets callers connect through TLS or an
// upstream proxy while keeping the connector's completion semantics.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Connector completes outbound connects and reports them on its loop.
type Connector struct {
	loop   *Loop
	Dialer net.Dialer
}

func NewConnector() *Connector {
	return &Connector{
		loop:   NewLoop("connector"),
		Dialer: net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second},
	}
}

// Connect dials addr over TCP. Exactly one of onConnected or onError runs.
func (c *Connector) Connect(ctx context.Context, addr string, onConnected func(net.Conn), onError func(error)) {
	c.ConnectWith(ctx, func(ctx context.Context) (net.Conn, error) {
		return c.Dialer.DialContext(ctx, "tcp", addr)
	}, onConnected, onError)
}

// ConnectWith runs dial and reports its outcome like Connect. Once the
// connector is closed a late connection is closed and onError gets
// ErrLoopClosed.
func (c *Connector) ConnectWith(ctx context.Context, dial DialFunc, onConnected func(net.Conn), onError func(error)) {
	go func() {
		conn, err := dial(ctx)
		if err != nil {
			c.loop.submitOrFail(func() { onError(err) }, onError)
			return
		}
		tuneConn(conn)
		if !c.loop.submitOrFail(func() { onConnected(conn) }, onError) {
			_ = conn.Close()
		}
	}()
}

func (c *Connector) Close() { c.loop.Close() }
