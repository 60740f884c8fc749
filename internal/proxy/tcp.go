package proxy

import (
	"context"
	"fmt"
	"net"

	"github.com/matst80/socketproxy/internal/config"
	"github.com/matst80/socketproxy/internal/obs"
	"github.com/matst80/socketproxy/internal/ratelimit"
	"github.com/matst80/socketproxy/internal/reactor"
)

// NewTCPService forwards each configured port to its fixed target, directly
// or through an upstream proxy.
func NewTCPService(rs *reactor.Set, limiter *ratelimit.Limiter) *Service {
	return newService("tcp", rs, limiter, func(c *config.Config) []listenerSpec {
		specs := make([]listenerSpec, 0, len(c.TCP))
		for _, tc := range c.TCP {
			dial, err := upstreamDial(&rs.Connector.Dialer, tc.Proxy, tc.Target)
			if err != nil {
				obs.Error("proxy.tcp.upstream", obs.Fields{"direction": tc.Direction(), "err": err.Error()})
				continue
			}
			tc := tc
			specs = append(specs, listenerSpec{
				key:       fmt.Sprintf("%+v", tc),
				name:      tc.Addr(),
				addr:      tc.Addr(),
				direction: tc.Direction(),
				handle:    forwardTo(tc, dial),
			})
		}
		return specs
	})
}

func forwardTo(tc config.TCPConfig, dial reactor.DialFunc) handler {
	return func(s *Server, conn net.Conn) {
		sess := s.track(conn)
		if sess == nil {
			return
		}
		sess.setDirection(fmt.Sprintf("%s->%s", conn.RemoteAddr(), tc.Direction()))
		s.rs.Connector.ConnectWith(context.Background(), dial, func(upstream net.Conn) {
			if !sess.attach(upstream) {
				return
			}
			sess.bridge(conn, upstream)
		}, func(err error) { sess.fail("connect "+tc.Target, err) })
	}
}
