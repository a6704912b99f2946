package tcp

import "github.com/pkg/errors"

var (
	// ErrProtocolViolation is returned for a segment that breaks the
	// protocol in the connection's current state.
	ErrProtocolViolation = errors.New("tcp: protocol violation")

	// ErrSequenceOutOfWindow is returned for a segment that falls outside
	// the receive window. It is handled internally by re-sending an ACK.
	ErrSequenceOutOfWindow = errors.New("tcp: sequence number out of window")

	// ErrConnectionReset is returned once the peer has reset the connection.
	ErrConnectionReset = errors.New("tcp: connection reset")

	// ErrConnectionTimeout is returned once retransmission limits are exceeded.
	ErrConnectionTimeout = errors.New("tcp: connection timed out")

	// ErrBufferFull is returned by Send when no byte could be queued.
	ErrBufferFull = errors.New("tcp: send buffer full")

	// ErrConnectionNotOpen is returned for operations that need an open connection.
	ErrConnectionNotOpen = errors.New("tcp: connection not open")

	// ErrConnectionRefused is returned when the peer answers a SYN with RST.
	ErrConnectionRefused = errors.New("tcp: connection refused")

	// ErrConnectionClosing is returned by Send and Close after Close was called.
	ErrConnectionClosing = errors.New("tcp: connection closing")

	// ErrListenReturn tells the owner of a passively opened control block
	// that the embryonic connection was abandoned and the listener should
	// carry on.
	ErrListenReturn = errors.New("tcp: return to listen")
)

// IsTerminal reports whether err ends the connection.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrConnectionReset) ||
		errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionRefused) ||
		errors.Is(err, ErrListenReturn)
}
