package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/matst80/socketproxy/internal/config"
	"github.com/matst80/socketproxy/internal/httpx"
	"github.com/matst80/socketproxy/internal/ratelimit"
	"github.com/matst80/socketproxy/internal/reactor"
)

// maxHeadSize bounds the request head read before a target is known.
const maxHeadSize = 32 * 1024

var (
	establishedReply = []byte("HTTP/1.0 200 Connection established\r\nProxy-Agent: socketproxy\r\n\r\n")
	badGatewayReply  = []byte("HTTP/1.0 502 Bad Gateway\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
	badRequestReply  = []byte("HTTP/1.0 400 Bad Request\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
)

// NewHTTPService runs an HTTP proxy per configured port. CONNECT requests
// become raw tunnels; absolute-form requests are forwarded to their origin
// server and the connection is then relayed as is.
func NewHTTPService(rs *reactor.Set, limiter *ratelimit.Limiter) *Service {
	return newService("http", rs, limiter, func(c *config.Config) []listenerSpec {
		return portSpecs(c.HTTP, handleHTTP)
	})
}

func handleHTTP(s *Server, conn net.Conn) {
	sess := s.track(conn)
	if sess == nil {
		return
	}
	var head []byte
	var readLine func()
	readLine = func() {
		s.rs.Reader.ReadUntilByte(conn, '\n', func(line []byte) {
			head = append(head, line...)
			if len(head) > maxHeadSize {
				replyAndClose(s, sess, conn, badRequestReply, fmt.Errorf("http: request head over %d bytes", maxHeadSize))
				return
			}
			if !httpx.HeadComplete(head) {
				readLine()
				return
			}
			dispatchHTTP(s, sess, conn, head)
		}, func(err error) { sess.fail("request head", err) })
	}
	readLine()
}

func dispatchHTTP(s *Server, sess *session, conn net.Conn, head []byte) {
	req, err := httpx.ParseHead(head)
	if err != nil {
		replyAndClose(s, sess, conn, badRequestReply, err)
		return
	}
	var (
		target string
		first  []byte
	)
	if req.Method == http.MethodConnect {
		target, err = req.ConnectTarget()
	} else {
		target, err = req.ToOriginForm()
		req.AugmentXFF(httpx.RemoteIPFromConn(conn))
		first = req.Bytes()
	}
	if err != nil {
		replyAndClose(s, sess, conn, badRequestReply, err)
		return
	}
	sess.setDirection(fmt.Sprintf("%s->%s->%s", conn.RemoteAddr(), s.name, target))
	s.rs.Connector.Connect(context.Background(), target, func(upstream net.Conn) {
		if !sess.attach(upstream) {
			return
		}
		onErr := func(err error) { sess.fail("http relay", err) }
		if first == nil {
			s.rs.Writer.Write(conn, append([]byte(nil), establishedReply...), func() { sess.bridge(conn, upstream) }, onErr)
			return
		}
		s.rs.Writer.Write(upstream, first, func() { sess.bridge(conn, upstream) }, onErr)
	}, func(err error) {
		replyAndClose(s, sess, conn, badGatewayReply, fmt.Errorf("connect %s: %w", target, err))
	})
}

func replyAndClose(s *Server, sess *session, conn net.Conn, b []byte, err error) {
	s.rs.Writer.Write(conn, append([]byte(nil), b...), func() { sess.close(err) }, func(werr error) { sess.fail("reply", werr) })
}
