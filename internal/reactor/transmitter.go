package reactor

import "net"

// Leg identifies which half of a transfer step completed.
type Leg int

const (
	LegRead Leg = iota
	LegWrite
)

func (l Leg) String() string {
	if l == LegRead {
		return "read"
	}
	return "write"
}

// Transmitter pumps bytes in one direction between two connections.
type Transmitter struct {
	loop *Loop
}

func NewTransmitter() *Transmitter { return &Transmitter{loop: NewLoop("transmitter")} }

func (t *Transmitter) Close() { t.loop.Close() }

// Transmit copies from -> to until either side fails, reusing one buffer of
// bufSize bytes. onTransferred, when non-nil, runs after every read and every
// completed write with the byte count of that leg. The terminating error,
// io.EOF included, goes to onError once. Neither connection is closed here.
func (t *Transmitter) Transmit(from, to net.Conn, bufSize int, onTransferred func(Leg, int), onError func(error)) {
	if bufSize <= 0 {
		bufSize = 32 * 1024
	}
	go func() {
		buf := make([]byte, bufSize)
		for {
			n, err := from.Read(buf)
			if n > 0 {
				t.notify(onTransferred, LegRead, n)
				if _, werr := to.Write(buf[:n]); werr != nil {
					t.loop.submitOrFail(func() { onError(werr) }, onError)
					return
				}
				t.notify(onTransferred, LegWrite, n)
			}
			if err != nil {
				t.loop.submitOrFail(func() { onError(err) }, onError)
				return
			}
		}
	}()
}

func (t *Transmitter) notify(fn func(Leg, int), leg Leg, n int) {
	if fn == nil {
		return
	}
	t.loop.Submit(func() { fn(leg, n) })
}
