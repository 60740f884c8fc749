package tunnel

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/matst80/socketproxy/internal/config"
	"github.com/matst80/socketproxy/internal/proto"
	"github.com/matst80/socketproxy/internal/reactor"
	"github.com/stretchr/testify/require"
)

func newSet(t *testing.T) *reactor.Set {
	t.Helper()
	rs := reactor.NewSet()
	t.Cleanup(rs.Close)
	return rs
}

func entryConfig() config.IntranetConfig {
	return config.IntranetConfig{
		Type:                 config.TypeEntry,
		Host:                 "127.0.0.1",
		HeartbeatInterval:    time.Hour,
		HeartbeatMissTimeout: -1,
	}
}

func relayConfig(entry, target string) config.IntranetConfig {
	return config.IntranetConfig{
		Type:                 config.TypeRelay,
		Entry:                entry,
		Target:               target,
		HeartbeatInterval:    time.Hour,
		HeartbeatMissTimeout: -1,
		ReconnectDelay:       30 * time.Millisecond,
	}
}

func startEntry(t *testing.T, rs *reactor.Set, cfg config.IntranetConfig, opts Options) *Entry {
	t.Helper()
	e := NewEntry(cfg, rs, opts, nil)
	require.NoError(t, e.Start(opts))
	t.Cleanup(e.Close)
	return e
}

func startRelay(t *testing.T, rs *reactor.Set, cfg config.IntranetConfig, opts Options) *Relay {
	t.Helper()
	r := NewRelay(cfg, rs, opts)
	require.NoError(t, r.Start(opts))
	t.Cleanup(r.Close)
	return r
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func accept(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		t.Cleanup(func() { r.c.Close() })
		return r.c
	case <-time.After(3 * time.Second):
		t.Fatal("accept timed out")
		return nil
	}
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func readN(t *testing.T, c net.Conn, n int) string {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	b := make([]byte, n)
	_, err := io.ReadFull(c, b)
	require.NoError(t, err)
	return string(b)
}

// expectClosed drains c until the peer closes it.
func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err := io.Copy(io.Discard, c)
	if err == nil {
		return
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("connection still open")
	}
}

// peer plays the other side of a tunnel link with raw frames.
type peer struct {
	t    *testing.T
	conn net.Conn
	dec  *proto.Decoder
}

func newPeer(t *testing.T, c net.Conn) *peer {
	return &peer{t: t, conn: c, dec: proto.NewDecoder(c)}
}

func (p *peer) send(b []byte) {
	p.t.Helper()
	_, err := p.conn.Write(b)
	require.NoError(p.t, err)
}

// next returns the next non-heartbeat frame.
func (p *peer) next(timeout time.Duration) (proto.Frame, error) {
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(timeout)))
	for {
		f, err := p.dec.Next()
		if err != nil || f.Type != proto.TypeHeartBeat {
			return f, err
		}
	}
}

func (p *peer) mustNext() proto.Frame {
	p.t.Helper()
	f, err := p.next(3 * time.Second)
	require.NoError(p.t, err)
	return f
}

// expectSilence asserts no frame other than heartbeats arrives for d.
func (p *peer) expectSilence(d time.Duration) {
	p.t.Helper()
	f, err := p.next(d)
	var ne net.Error
	require.True(p.t, errors.As(err, &ne) && ne.Timeout(), "unexpected frame %+v err %v", f, err)
}
