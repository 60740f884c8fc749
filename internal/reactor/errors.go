package reactor

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
)

var (
	// ErrReadPending is reported when a read is started on a connection that
	// already has one outstanding.
	ErrReadPending = errors.New("reactor: read already pending on connection")
	// ErrLoopClosed goes to onError when a completion arrives after the
	// owning role was closed and can no longer run on its loop.
	ErrLoopClosed = errors.New("reactor: loop closed")
)

// IsCloseError reports whether err is an ordinary end of a connection rather
// than a failure worth logging.
func IsCloseError(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, ErrLoopClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNABORTED):
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset by peer")
}
