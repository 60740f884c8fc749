package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/socketproxy/internal/config"
	"github.com/matst80/socketproxy/internal/reactor"
	"golang.org/x/net/proxy"
)

// PWSTargetHeader names the header that carries the PWS dial target.
const PWSTargetHeader = "X-Pws-Target"

// upstreamDial returns how to reach target: directly when proxyURI is
// empty, otherwise through the given SOCKS5, HTTP CONNECT or PWS proxy.
func upstreamDial(d *net.Dialer, proxyURI, target string) (reactor.DialFunc, error) {
	if proxyURI == "" {
		return func(ctx context.Context) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", target)
		}, nil
	}
	u, err := config.ParseProxy(proxyURI)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case config.SchemeSocks5:
		var auth *proxy.Auth
		if u.User != nil {
			pass, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: pass}
		}
		dialer, err := proxy.SOCKS5("tcp", u.Host, auth, d)
		if err != nil {
			return nil, fmt.Errorf("socks5 upstream %s: %w", u.Host, err)
		}
		cd, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 upstream %s: dialer lacks context support", u.Host)
		}
		return func(ctx context.Context) (net.Conn, error) {
			return cd.DialContext(ctx, "tcp", target)
		}, nil
	case config.SchemeHTTP:
		return func(ctx context.Context) (net.Conn, error) {
			return dialHTTPConnect(ctx, d, u.Host, target)
		}, nil
	default:
		return func(ctx context.Context) (net.Conn, error) {
			return DialPWS(ctx, d, u, target)
		}, nil
	}
}

// dialHTTPConnect opens a tunnel through an HTTP proxy with CONNECT.
func dialHTTPConnect(ctx context.Context, d *net.Dialer, proxyAddr, target string) (net.Conn, error) {
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(30 * time.Second))
	}
	req := fmt.Sprintf("CONNECT %s HTTP/1.0\r\nHost: %s\r\n\r\n", target, proxyAddr)
	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("http upstream %s: %w", proxyAddr, err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("http upstream %s: %w", proxyAddr, err)
	}
	// The body of a successful CONNECT reply is the tunnel itself.
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("http upstream %s: CONNECT %s: %s", proxyAddr, target, resp.Status)
	}
	_ = conn.SetDeadline(time.Time{})
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn serves bytes that arrived together with a handshake reply.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	if c.r != nil {
		if c.r.Buffered() > 0 {
			return c.r.Read(p)
		}
		c.r = nil
	}
	return c.Conn.Read(p)
}

// DialPWS connects to a PWS server and asks it to dial target. pws:// maps
// to ws:// and pwss:// to wss://; user info becomes basic credentials.
func DialPWS(ctx context.Context, d *net.Dialer, u *url.URL, target string) (net.Conn, error) {
	wsURL := *u
	wsURL.User = nil
	if u.Scheme == config.SchemePWSS {
		wsURL.Scheme = "wss"
	} else {
		wsURL.Scheme = "ws"
	}
	header := http.Header{}
	header.Set(PWSTargetHeader, target)
	if u.User != nil {
		pass, _ := u.User.Password()
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(u.User.Username()+":"+pass)))
	}
	dialer := websocket.Dialer{
		NetDialContext:   d.DialContext,
		HandshakeTimeout: 30 * time.Second,
		TLSClientConfig:  &tls.Config{ServerName: u.Hostname(), MinVersion: tls.VersionTLS12},
	}
	ws, resp, err := dialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("pws upstream %s: %s: %w", u.Host, resp.Status, err)
		}
		return nil, fmt.Errorf("pws upstream %s: %w", u.Host, err)
	}
	return newWSConn(ws), nil
}

// Dial connects to target through proxyURI, or directly when it is empty.
func Dial(ctx context.Context, proxyURI, target string) (net.Conn, error) {
	dial, err := upstreamDial(&net.Dialer{}, proxyURI, target)
	if err != nil {
		return nil, err
	}
	return dial(ctx)
}
