package reactor

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsCloseError(t *testing.T) {
	closeClass := []error{
		io.EOF,
		fmt.Errorf("read: %w", io.ErrUnexpectedEOF),
		net.ErrClosed,
		&net.OpError{Op: "read", Err: syscall.ECONNRESET},
		&net.OpError{Op: "write", Err: syscall.EPIPE},
		errors.New("write tcp 1.2.3.4: use of closed network connection"),
	}
	for _, err := range closeClass {
		assert.True(t, IsCloseError(err), "%v", err)
	}
	assert.False(t, IsCloseError(nil))
	assert.False(t, IsCloseError(errors.New("malformed frame")))
	assert.False(t, IsCloseError(ErrReadPending))
}
