package proxy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/matst80/socketproxy/internal/config"
	"github.com/matst80/socketproxy/internal/ratelimit"
	"github.com/matst80/socketproxy/internal/reactor"
)

const (
	socks5Version    = 5
	socks5NoAuth     = 0
	socks5NoAccept   = 0xff
	socks5CmdConnect = 1

	atypIPv4   = 1
	atypDomain = 3
	atypIPv6   = 4
)

var (
	socks5Accept   = []byte{socks5Version, socks5NoAuth}
	socks5Refuse   = []byte{socks5Version, socks5NoAccept}
	socks5Failure  = []byte{socks5Version, 1, 0, atypIPv4, 0, 0, 0, 0, 0, 0}
	socks5Success  = []byte{socks5Version, 0, 0, atypIPv4, 0, 0, 0, 0, 0, 0}
	errSocksMethod = errors.New("socks5: no acceptable auth method")
)

// NewSocks5Service runs a no-auth SOCKS5 CONNECT server per configured port.
func NewSocks5Service(rs *reactor.Set, limiter *ratelimit.Limiter) *Service {
	return newService("socks5", rs, limiter, func(c *config.Config) []listenerSpec {
		return portSpecs(c.Socks5, handleSocks5)
	})
}

func portSpecs(ports []int, h handler) []listenerSpec {
	specs := make([]listenerSpec, 0, len(ports))
	for _, p := range ports {
		addr := net.JoinHostPort("", strconv.Itoa(p))
		specs = append(specs, listenerSpec{key: strconv.Itoa(p), name: strconv.Itoa(p), addr: addr, direction: strconv.Itoa(p), handle: h})
	}
	return specs
}

// handleSocks5 walks the RFC 1928 handshake as a chain of reads and writes.
func handleSocks5(s *Server, conn net.Conn) {
	sess := s.track(conn)
	if sess == nil {
		return
	}
	r, w := s.rs.Reader, s.rs.Writer
	fail := func(stage string) func(error) { return func(err error) { sess.fail(stage, err) } }
	// reply writes b and then closes the session with err.
	reply := func(b []byte, err error) {
		w.Write(conn, append([]byte(nil), b...), func() { sess.close(err) }, fail("reply"))
	}

	r.ReadUntilLength(conn, 2, func(head []byte) {
		if head[0] != socks5Version {
			sess.fail("greeting", fmt.Errorf("socks5: unsupported version %d", head[0]))
			return
		}
		r.ReadUntilLength(conn, int(head[1]), func(methods []byte) {
			if !containsByte(methods, socks5NoAuth) {
				reply(socks5Refuse, errSocksMethod)
				return
			}
			w.Write(conn, append([]byte(nil), socks5Accept...), nil, fail("method reply"))
			r.ReadUntilLength(conn, 4, func(req []byte) {
				if req[0] != socks5Version {
					sess.fail("request", fmt.Errorf("socks5: unsupported version %d", req[0]))
					return
				}
				if req[1] != socks5CmdConnect {
					reply(socks5Failure, fmt.Errorf("socks5: unsupported command %d", req[1]))
					return
				}
				readSocksAddr(r, conn, req[3], func(target string) {
					sess.setDirection(fmt.Sprintf("%s->%s->%s", conn.RemoteAddr(), s.name, target))
					s.rs.Connector.Connect(context.Background(), target, func(upstream net.Conn) {
						if !sess.attach(upstream) {
							return
						}
						w.Write(conn, append([]byte(nil), socks5Success...), func() { sess.bridge(conn, upstream) }, fail("success reply"))
					}, func(err error) {
						reply(socks5Failure, fmt.Errorf("connect %s: %w", target, err))
					})
				}, func(err error) {
					if errors.Is(err, errBadAddrType) {
						reply(socks5Failure, err)
						return
					}
					sess.fail("address", err)
				})
			}, fail("request"))
		}, fail("methods"))
	}, fail("greeting"))
}

var errBadAddrType = errors.New("socks5: unsupported address type")

func readSocksAddr(r *reactor.Reader, conn net.Conn, atyp byte, onAddr func(string), onError func(error)) {
	port := func(b []byte) string { return strconv.Itoa(int(binary.BigEndian.Uint16(b))) }
	switch atyp {
	case atypIPv4, atypIPv6:
		n := net.IPv4len
		if atyp == atypIPv6 {
			n = net.IPv6len
		}
		r.ReadUntilLength(conn, n+2, func(b []byte) {
			onAddr(net.JoinHostPort(net.IP(b[:n]).String(), port(b[n:])))
		}, onError)
	case atypDomain:
		r.ReadOne(conn, func(n byte) {
			r.ReadUntilLength(conn, int(n)+2, func(b []byte) {
				onAddr(net.JoinHostPort(string(b[:n]), port(b[n:])))
			}, onError)
		}, onError)
	default:
		onError(fmt.Errorf("%w %d", errBadAddrType, atyp))
	}
}

func containsByte(b []byte, v byte) bool {
	for _, x := range b {
		if x == v {
			return true
		}
	}
	return false
}
