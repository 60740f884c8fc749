package reactor

import (
	"io"
	"net"
	"sync"
)

// Reader performs one-shot staged reads. At most one read may be pending per
// connection; the pending mark is cleared before the completion callback runs
// so callbacks can chain the next read directly.
type Reader struct {
	loop *Loop

	mu   sync.Mutex
	busy map[net.Conn]struct{}
}

func NewReader() *Reader {
	return &Reader{loop: NewLoop("reader"), busy: make(map[net.Conn]struct{})}
}

func (r *Reader) Close() { r.loop.Close() }

// ReadOne completes with the next byte from conn.
func (r *Reader) ReadOne(conn net.Conn, onByte func(byte), onError func(error)) {
	r.start(conn, onError, func() ([]byte, error) {
		var b [1]byte
		_, err := io.ReadFull(conn, b[:])
		return b[:], err
	}, func(b []byte) { onByte(b[0]) })
}

// ReadUntilByte accumulates bytes up to and including delim. It reads one
// byte per call so nothing past delim is consumed: handshake code hands the
// same conn to a Transmitter afterwards, which must see every later byte.
func (r *Reader) ReadUntilByte(conn net.Conn, delim byte, onBytes func([]byte), onError func(error)) {
	r.start(conn, onError, func() ([]byte, error) {
		var (
			out []byte
			b   [1]byte
		)
		for {
			if _, err := io.ReadFull(conn, b[:]); err != nil {
				return nil, err
			}
			out = append(out, b[0])
			if b[0] == delim {
				return out, nil
			}
		}
	}, onBytes)
}

// ReadUntilLength completes once exactly n bytes were read. A stream that
// ends early is reported as io.ErrUnexpectedEOF.
func (r *Reader) ReadUntilLength(conn net.Conn, n int, onBytes func([]byte), onError func(error)) {
	r.start(conn, onError, func() ([]byte, error) {
		buf := make([]byte, n)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}, onBytes)
}

// ReadAny completes with whatever is available, at least one byte and at most
// len(buf). The callback receives a prefix of buf, which must not be reused
// until then; passing the same buf to the next ReadAny is fine.
func (r *Reader) ReadAny(conn net.Conn, buf []byte, onBuffer func([]byte), onError func(error)) {
	r.start(conn, onError, func() ([]byte, error) {
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				return buf[:n], nil
			}
			if err != nil {
				return nil, err
			}
		}
	}, onBuffer)
}

func (r *Reader) start(conn net.Conn, onError func(error), read func() ([]byte, error), onDone func([]byte)) {
	r.mu.Lock()
	if _, ok := r.busy[conn]; ok {
		r.mu.Unlock()
		r.loop.submitOrFail(func() { onError(ErrReadPending) }, onError)
		return
	}
	r.busy[conn] = struct{}{}
	r.mu.Unlock()
	go func() {
		b, err := read()
		r.mu.Lock()
		delete(r.busy, conn)
		r.mu.Unlock()
		if err != nil {
			r.loop.submitOrFail(func() { onError(err) }, onError)
			return
		}
		r.loop.submitOrFail(func() { onDone(b) }, onError)
	}()
}
