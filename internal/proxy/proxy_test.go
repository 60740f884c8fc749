package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/matst80/socketproxy/internal/config"
	"github.com/matst80/socketproxy/internal/reactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"
)

func newSet(t *testing.T) *reactor.Set {
	t.Helper()
	rs := reactor.NewSet()
	t.Cleanup(rs.Close)
	return rs
}

// echoServer echoes every connection back to itself.
func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}

func apply(t *testing.T, svc *Service, c *config.Config) *Server {
	t.Helper()
	require.NoError(t, svc.Apply(c))
	t.Cleanup(svc.Close)
	servers := svc.Servers()
	require.Len(t, servers, 1)
	return servers[0]
}

func localAddr(t *testing.T, srv *Server) string {
	t.Helper()
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.Addr().(*net.TCPAddr).Port))
}

func assertEcho(t *testing.T, c net.Conn, msg string) {
	t.Helper()
	require.NoError(t, c.SetDeadline(time.Now().Add(3*time.Second)))
	_, err := c.Write([]byte(msg))
	require.NoError(t, err)
	got := make([]byte, len(msg))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	assert.Equal(t, msg, string(got))
}

func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err := io.Copy(io.Discard, c)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("connection still open")
	}
}

func TestTCPForwardDirect(t *testing.T) {
	rs := newSet(t)
	echo := echoServer(t)
	srv := apply(t, NewTCPService(rs, nil), &config.Config{TCP: []config.TCPConfig{{Host: "127.0.0.1", Target: echo}}})

	c, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	assertEcho(t, c, "hello")

	info := srv.Info()
	require.Len(t, info.Connections, 1)
	assert.Contains(t, info.Connections[0].Direction, echo)
}

func TestTCPForwardTargetDown(t *testing.T) {
	rs := newSet(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	ln.Close()
	srv := apply(t, NewTCPService(rs, nil), &config.Config{TCP: []config.TCPConfig{{Host: "127.0.0.1", Target: dead}}})

	c, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	expectClosed(t, c)
	require.Eventually(t, func() bool { return len(srv.Info().Connections) == 0 }, time.Second, 5*time.Millisecond)
}

func TestTCPForwardThroughUpstreams(t *testing.T) {
	rs := newSet(t)
	echo := echoServer(t)

	socks := apply(t, NewSocks5Service(rs, nil), &config.Config{Socks5: []int{0}})
	httpProxy := apply(t, NewHTTPService(rs, nil), &config.Config{HTTP: []int{0}})
	pws := apply(t, NewPWSService(rs, nil), &config.Config{PWS: []int{0}})

	for _, upstream := range []string{
		"socks5://" + localAddr(t, socks),
		"http://" + localAddr(t, httpProxy),
		"pws://user:secret@" + localAddr(t, pws),
	} {
		t.Run(upstream[:4], func(t *testing.T) {
			svc := NewTCPService(rs, nil)
			srv := apply(t, svc, &config.Config{TCP: []config.TCPConfig{{Host: "127.0.0.1", Target: echo, Proxy: upstream}}})
			c, err := net.Dial("tcp", srv.Addr().String())
			require.NoError(t, err)
			defer c.Close()
			assertEcho(t, c, "via "+upstream)
			assertEcho(t, c, "second round")
		})
	}
}

func TestSocks5WithXNetClient(t *testing.T) {
	rs := newSet(t)
	echo := echoServer(t)
	srv := apply(t, NewSocks5Service(rs, nil), &config.Config{Socks5: []int{0}})

	dialer, err := proxy.SOCKS5("tcp", localAddr(t, srv), nil, proxy.Direct)
	require.NoError(t, err)
	c, err := dialer.Dial("tcp", echo)
	require.NoError(t, err)
	defer c.Close()
	assertEcho(t, c, "socks5 payload")

	// domain names are resolved by the proxy
	_, port, _ := net.SplitHostPort(echo)
	c2, err := dialer.Dial("tcp", net.JoinHostPort("localhost", port))
	require.NoError(t, err)
	defer c2.Close()
	assertEcho(t, c2, "by name")
}

func TestSocks5RefusesAuthOnlyClients(t *testing.T) {
	rs := newSet(t)
	srv := apply(t, NewSocks5Service(rs, nil), &config.Config{Socks5: []int{0}})

	c, err := net.Dial("tcp", localAddr(t, srv))
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte{5, 1, 2})
	require.NoError(t, err)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	reply := make([]byte, 2)
	_, err = io.ReadFull(c, reply)
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 0xff}, reply)
	expectClosed(t, c)
}

func TestSocks5ReportsConnectFailure(t *testing.T) {
	rs := newSet(t)
	srv := apply(t, NewSocks5Service(rs, nil), &config.Config{Socks5: []int{0}})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c, err := net.Dial("tcp", localAddr(t, srv))
	require.NoError(t, err)
	defer c.Close()
	req := []byte{5, 1, 0, 5, 1, 0, 1, 127, 0, 0, 1, byte(port >> 8), byte(port)}
	_, err = c.Write(req)
	require.NoError(t, err)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	reply := make([]byte, 12)
	_, err = io.ReadFull(c, reply)
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 0}, reply[:2])
	assert.Equal(t, socks5Failure, reply[2:])
	expectClosed(t, c)
}

func TestHTTPConnect(t *testing.T) {
	rs := newSet(t)
	echo := echoServer(t)
	srv := apply(t, NewHTTPService(rs, nil), &config.Config{HTTP: []int{0}})

	c, err := net.Dial("tcp", localAddr(t, srv))
	require.NoError(t, err)
	defer c.Close()
	_, err = fmt.Fprintf(c, "CONNECT %s HTTP/1.1\r\nHost: %s\r\nProxy-Connection: keep-alive\r\n\r\n", echo, echo)
	require.NoError(t, err)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	reply := make([]byte, len(establishedReply))
	_, err = io.ReadFull(c, reply)
	require.NoError(t, err)
	assert.Equal(t, string(establishedReply), string(reply))
	assertEcho(t, c, "tunnelled")
}

func TestHTTPConnectBadGateway(t *testing.T) {
	rs := newSet(t)
	srv := apply(t, NewHTTPService(rs, nil), &config.Config{HTTP: []int{0}})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	ln.Close()

	c, err := net.Dial("tcp", localAddr(t, srv))
	require.NoError(t, err)
	defer c.Close()
	_, err = fmt.Fprintf(c, "CONNECT %s HTTP/1.1\r\n\r\n", dead)
	require.NoError(t, err)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, string(badGatewayReply), string(got))
}

func TestHTTPForwardsAbsoluteRequests(t *testing.T) {
	rs := newSet(t)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/path", r.URL.Path)
		assert.Empty(t, r.Header.Get("Proxy-Connection"))
		assert.Equal(t, "127.0.0.1", r.Header.Get("X-Forwarded-For"))
		_, _ = w.Write([]byte("from origin"))
	}))
	defer origin.Close()
	srv := apply(t, NewHTTPService(rs, nil), &config.Config{HTTP: []int{0}})

	proxyURL, err := url.Parse("http://" + localAddr(t, srv))
	require.NoError(t, err)
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL), DisableKeepAlives: true},
		Timeout:   3 * time.Second,
	}
	resp, err := client.Get(origin.URL + "/path")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "from origin", string(body))
}

func TestPWSRelaysAndClosesCleanly(t *testing.T) {
	rs := newSet(t)
	echo := echoServer(t)
	srv := apply(t, NewPWSService(rs, nil), &config.Config{PWS: []int{0}})

	u, err := url.Parse("pws://" + localAddr(t, srv))
	require.NoError(t, err)
	c, err := DialPWS(context.Background(), &net.Dialer{}, u, echo)
	require.NoError(t, err)
	assertEcho(t, c, "over websocket")
	require.Eventually(t, func() bool { return len(srv.Info().Connections) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return len(srv.Info().Connections) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestPWSRejectsMissingTarget(t *testing.T) {
	rs := newSet(t)
	srv := apply(t, NewPWSService(rs, nil), &config.Config{PWS: []int{0}})
	resp, err := http.Get("http://" + localAddr(t, srv) + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIdleSweepClosesQuietSessions(t *testing.T) {
	rs := newSet(t)
	echo := echoServer(t)
	srv := apply(t, NewTCPService(rs, nil), &config.Config{
		MaxIdleTime:   100 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
		TCP:           []config.TCPConfig{{Host: "127.0.0.1", Target: echo}},
	})

	quiet, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer quiet.Close()
	assertEcho(t, quiet, "x")
	expectClosed(t, quiet)
}

func TestServiceApplyFollowsConfig(t *testing.T) {
	rs := newSet(t)
	svc := NewSocks5Service(rs, nil)
	t.Cleanup(svc.Close)

	require.NoError(t, svc.Apply(&config.Config{Socks5: []int{0}}))
	first := svc.Servers()[0]
	addr := localAddr(t, first)

	require.NoError(t, svc.Apply(&config.Config{Socks5: []int{0}}))
	assert.Same(t, first, svc.Servers()[0])

	require.NoError(t, svc.Apply(&config.Config{}))
	assert.Empty(t, svc.Servers())
	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
}
