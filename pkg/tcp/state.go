package tcp

// State is a connection state from RFC 9293 §3.3.2.
type State uint8

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateCloseWait
	StateLastAck
)

var stateNames = [...]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN-SENT",
	StateSynReceived: "SYN-RECEIVED",
	StateEstablished: "ESTABLISHED",
	StateFinWait1:    "FIN-WAIT-1",
	StateFinWait2:    "FIN-WAIT-2",
	StateClosing:     "CLOSING",
	StateTimeWait:    "TIME-WAIT",
	StateCloseWait:   "CLOSE-WAIT",
	StateLastAck:     "LAST-ACK",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// IsSynchronized reports whether the handshake has completed in s.
func (s State) IsSynchronized() bool {
	return s >= StateEstablished
}

// CanSend reports whether a user may still queue data in s.
func (s State) CanSend() bool {
	switch s {
	case StateSynSent, StateSynReceived, StateEstablished, StateCloseWait:
		return true
	}
	return false
}

// acceptsText reports whether segment text is delivered to the user in s.
func (s State) acceptsText() bool {
	switch s {
	case StateEstablished, StateFinWait1, StateFinWait2:
		return true
	}
	return false
}
