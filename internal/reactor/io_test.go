package reactor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok)
	t.Cleanup(func() { client.Close(); server.Close() })
	return client, server
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func TestAcceptorAndConnector(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	a := NewAcceptor()
	defer a.Close()
	c := NewConnector()
	defer c.Close()

	accepted := make(chan net.Conn, 2)
	a.Accept(ln, func(conn net.Conn) { accepted <- conn }, func(err error) { t.Errorf("accept: %v", err) })

	for i := 0; i < 2; i++ {
		connected := make(chan net.Conn, 1)
		c.Connect(context.Background(), ln.Addr().String(), func(conn net.Conn) { connected <- conn }, func(err error) { t.Errorf("connect: %v", err) })
		out := wait(t, connected)
		in := wait(t, accepted)
		out.Close()
		in.Close()
	}
	// closing the listener ends the registration without an error callback
	require.NoError(t, ln.Close())
	time.Sleep(20 * time.Millisecond)
}

func TestConnectorRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := NewConnector()
	defer c.Close()
	errs := make(chan error, 1)
	c.Connect(context.Background(), addr, func(conn net.Conn) { conn.Close(); t.Error("unexpected connect") }, func(err error) { errs <- err })
	assert.Error(t, wait(t, errs))
}

func TestReaderStrategies(t *testing.T) {
	r := NewReader()
	defer r.Close()
	client, server := tcpPair(t)

	_, err := client.Write([]byte("xline\nabcdefgh"))
	require.NoError(t, err)

	one := make(chan byte, 1)
	r.ReadOne(server, func(b byte) { one <- b }, func(err error) { t.Error(err) })
	assert.Equal(t, byte('x'), wait(t, one))

	line := make(chan []byte, 1)
	r.ReadUntilByte(server, '\n', func(b []byte) { line <- b }, func(err error) { t.Error(err) })
	assert.Equal(t, "line\n", string(wait(t, line)))

	fixed := make(chan []byte, 1)
	r.ReadUntilLength(server, 3, func(b []byte) { fixed <- b }, func(err error) { t.Error(err) })
	assert.Equal(t, "abc", string(wait(t, fixed)))

	buf := make([]byte, 64)
	anyc := make(chan []byte, 1)
	r.ReadAny(server, buf, func(b []byte) { anyc <- append([]byte(nil), b...) }, func(err error) { t.Error(err) })
	assert.Equal(t, "defgh", string(wait(t, anyc)))
}

func TestReaderChainsFromCallback(t *testing.T) {
	r := NewReader()
	defer r.Close()
	client, server := tcpPair(t)
	_, err := client.Write([]byte{5, 1, 0})
	require.NoError(t, err)

	got := make(chan []byte, 1)
	r.ReadOne(server, func(ver byte) {
		r.ReadOne(server, func(n byte) {
			r.ReadUntilLength(server, int(n), func(methods []byte) {
				got <- append([]byte{ver, n}, methods...)
			}, func(err error) { t.Error(err) })
		}, func(err error) { t.Error(err) })
	}, func(err error) { t.Error(err) })
	assert.Equal(t, []byte{5, 1, 0}, wait(t, got))
}

func TestReaderSecondPendingRead(t *testing.T) {
	r := NewReader()
	defer r.Close()
	_, server := tcpPair(t)

	r.ReadOne(server, func(byte) {}, func(error) {})
	errs := make(chan error, 1)
	r.ReadOne(server, func(byte) { t.Error("second read completed") }, func(err error) { errs <- err })
	assert.ErrorIs(t, wait(t, errs), ErrReadPending)
}

func TestReaderShortStreamIsError(t *testing.T) {
	r := NewReader()
	defer r.Close()
	client, server := tcpPair(t)
	_, err := client.Write([]byte("ab"))
	require.NoError(t, err)
	client.Close()

	errs := make(chan error, 1)
	r.ReadUntilLength(server, 4, func([]byte) { t.Error("completed") }, func(err error) { errs <- err })
	err = wait(t, errs)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.True(t, IsCloseError(err))

	errs2 := make(chan error, 1)
	r.ReadAny(server, make([]byte, 8), func([]byte) { t.Error("completed") }, func(err error) { errs2 <- err })
	assert.ErrorIs(t, wait(t, errs2), io.EOF)
}

func TestWriterPreservesOrder(t *testing.T) {
	w := NewWriter()
	defer w.Close()
	client, server := tcpPair(t)

	var (
		want bytes.Buffer
		mu   sync.Mutex
		done []int
	)
	const n = 200
	finished := make(chan struct{})
	for i := 0; i < n; i++ {
		i := i
		chunk := []byte(fmt.Sprintf("chunk-%03d;", i))
		want.Write(chunk)
		w.Write(client, chunk, func() {
			mu.Lock()
			done = append(done, i)
			if len(done) == n {
				close(finished)
			}
			mu.Unlock()
		}, func(err error) { t.Error(err) })
	}
	got := make([]byte, want.Len())
	_, err := io.ReadFull(server, got)
	require.NoError(t, err)
	assert.Equal(t, want.String(), string(got))

	wait(t, finished)
	for i, v := range done {
		require.Equal(t, i, v)
	}
}

func TestWriterContinuousCoalesces(t *testing.T) {
	w := NewWriter()
	defer w.Close()
	client, server := tcpPair(t)

	var want bytes.Buffer
	for i := 0; i < 500; i++ {
		head := []byte{byte(i)}
		body := []byte(fmt.Sprintf("payload-%d", i))
		want.Write(head)
		want.Write(body)
		w.WriteContinuous(client, func(err error) { t.Error(err) }, head, body)
	}
	big := bytes.Repeat([]byte{'z'}, coalesceSize+10)
	want.Write(big)
	w.WriteContinuous(client, func(err error) { t.Error(err) }, big)

	got := make([]byte, want.Len())
	_, err := io.ReadFull(server, got)
	require.NoError(t, err)
	assert.Equal(t, want.Bytes(), got)
	require.Eventually(t, func() bool { return w.queued(client) == 0 }, time.Second, 5*time.Millisecond)
}

func TestWriterErrorOnClosedConn(t *testing.T) {
	w := NewWriter()
	defer w.Close()
	client, _ := tcpPair(t)
	client.Close()

	errs := make(chan error, 1)
	w.Write(client, []byte("x"), func() { t.Error("done on closed conn") }, func(err error) { errs <- err })
	err := wait(t, errs)
	assert.True(t, IsCloseError(err), "%v", err)
}

func TestWriterCloseAfterFlush(t *testing.T) {
	w := NewWriter()
	defer w.Close()
	client, server := tcpPair(t)

	payload := bytes.Repeat([]byte("abcdefgh"), 128*1024)
	w.Write(client, payload, nil, func(err error) { t.Error(err) })
	w.CloseAfterFlush(client)
	w.Write(client, []byte("dropped"), nil, nil)

	require.NoError(t, server.SetReadDeadline(time.Now().Add(3*time.Second)))
	got, err := io.ReadAll(server)
	require.NoError(t, err)
	assert.Equal(t, len(payload), len(got))
	assert.True(t, bytes.Equal(payload, got))
}

func TestWriterCloseAfterFlushWithEmptyQueue(t *testing.T) {
	w := NewWriter()
	defer w.Close()
	client, server := tcpPair(t)

	w.CloseAfterFlush(client)
	require.NoError(t, server.SetReadDeadline(time.Now().Add(3*time.Second)))
	got, err := io.ReadAll(server)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestClosedRolesReportErrLoopClosed(t *testing.T) {
	t.Run("reader", func(t *testing.T) {
		r := NewReader()
		r.Close()
		client, server := tcpPair(t)
		errs := make(chan error, 1)
		r.ReadAny(server, make([]byte, 8), func([]byte) { t.Error("read completed on closed reader") }, func(err error) { errs <- err })
		_, err := client.Write([]byte("x"))
		require.NoError(t, err)
		assert.ErrorIs(t, wait(t, errs), ErrLoopClosed)
	})
	t.Run("connector", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()
		c := NewConnector()
		c.Close()
		errs := make(chan error, 1)
		c.Connect(context.Background(), ln.Addr().String(), func(net.Conn) { t.Error("connected on closed connector") }, func(err error) { errs <- err })
		assert.ErrorIs(t, wait(t, errs), ErrLoopClosed)
	})
	t.Run("delay", func(t *testing.T) {
		d := NewDelay()
		d.Close()
		errs := make(chan error, 1)
		d.Run(time.Millisecond, func() error { t.Error("ran on closed delay"); return nil }, func(err error) { errs <- err })
		assert.ErrorIs(t, wait(t, errs), ErrLoopClosed)
	})
	assert.True(t, IsCloseError(ErrLoopClosed))
}

func TestTransmitter(t *testing.T) {
	tr := NewTransmitter()
	defer tr.Close()
	srcClient, srcServer := tcpPair(t)
	dstClient, dstServer := tcpPair(t)

	var (
		mu    sync.Mutex
		reads int
		wrote int
	)
	errs := make(chan error, 1)
	tr.Transmit(srcServer, dstClient, 4, func(leg Leg, n int) {
		mu.Lock()
		defer mu.Unlock()
		if leg == LegRead {
			reads += n
		} else {
			wrote += n
		}
	}, func(err error) { errs <- err })

	_, err := srcClient.Write([]byte("hello world"))
	require.NoError(t, err)
	got := make([]byte, 11)
	_, err = io.ReadFull(dstServer, got)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	srcClient.Close()
	assert.ErrorIs(t, wait(t, errs), io.EOF)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reads == 11 && wrote == 11
	}, time.Second, 5*time.Millisecond)
}
