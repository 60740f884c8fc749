// Package proto implements the entry/relay tunnel framing. All integers are
// big-endian:
//
//	HeartBeat:    type(1)=0
//	Transmit:     type(1)=1 id(4) length(4) payload(length)
//	ConnectClose: type(1)=2 id(4)
package proto

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	TypeHeartBeat    byte = 0
	TypeTransmit     byte = 1
	TypeConnectClose byte = 2
)

// TransmitHeaderLen is the size of a Transmit frame without its payload.
const TransmitHeaderLen = 9

// MaxPayload bounds a single Transmit payload accepted by the Decoder.
const MaxPayload = 16 << 20

var (
	ErrUnknownFrame    = errors.New("proto: unknown frame type")
	ErrPayloadTooLarge = errors.New("proto: transmit payload too large")
)

// Frame is one decoded tunnel message.
type Frame struct {
	Type    byte
	ID      uint32
	Payload []byte
}

// TypeName returns a short label for metrics and logs.
func TypeName(t byte) string {
	switch t {
	case TypeHeartBeat:
		return "heartbeat"
	case TypeTransmit:
		return "transmit"
	case TypeConnectClose:
		return "connect_close"
	}
	return "unknown"
}

var heartBeat = []byte{TypeHeartBeat}

// HeartBeat returns the one byte heartbeat frame. The slice is shared and
// must not be modified.
func HeartBeat() []byte { return heartBeat }

// TransmitHeader returns the header that precedes an n byte payload.
func TransmitHeader(id uint32, n int) []byte {
	b := make([]byte, TransmitHeaderLen)
	b[0] = TypeTransmit
	binary.BigEndian.PutUint32(b[1:5], id)
	binary.BigEndian.PutUint32(b[5:9], uint32(n))
	return b
}

// Transmit encodes a complete Transmit frame.
func Transmit(id uint32, payload []byte) []byte {
	b := make([]byte, TransmitHeaderLen+len(payload))
	b[0] = TypeTransmit
	binary.BigEndian.PutUint32(b[1:5], id)
	binary.BigEndian.PutUint32(b[5:9], uint32(len(payload)))
	copy(b[TransmitHeaderLen:], payload)
	return b
}

// ConnectClose encodes the close notification for id.
func ConnectClose(id uint32) []byte {
	b := make([]byte, 5)
	b[0] = TypeConnectClose
	binary.BigEndian.PutUint32(b[1:5], id)
	return b
}

// Decoder reads frames from a stream.
type Decoder struct {
	r   *bufio.Reader
	hdr [8]byte
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 32*1024)}
}

// Next blocks for the next frame. A stream that ends between frames returns
// io.EOF; one that ends inside a frame returns io.ErrUnexpectedEOF. Each
// Transmit payload is freshly allocated and owned by the caller.
func (d *Decoder) Next() (Frame, error) {
	t, err := d.r.ReadByte()
	if err != nil {
		return Frame{}, err
	}
	switch t {
	case TypeHeartBeat:
		return Frame{Type: t}, nil
	case TypeConnectClose:
		if _, err := io.ReadFull(d.r, d.hdr[:4]); err != nil {
			return Frame{}, unexpected(err)
		}
		return Frame{Type: t, ID: binary.BigEndian.Uint32(d.hdr[:4])}, nil
	case TypeTransmit:
		if _, err := io.ReadFull(d.r, d.hdr[:8]); err != nil {
			return Frame{}, unexpected(err)
		}
		id := binary.BigEndian.Uint32(d.hdr[:4])
		n := binary.BigEndian.Uint32(d.hdr[4:8])
		if n > MaxPayload {
			return Frame{}, fmt.Errorf("%w: %d bytes for id %d", ErrPayloadTooLarge, n, id)
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(d.r, payload); err != nil {
			return Frame{}, unexpected(err)
		}
		return Frame{Type: t, ID: id, Payload: payload}, nil
	}
	return Frame{}, fmt.Errorf("%w: %d", ErrUnknownFrame, t)
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
