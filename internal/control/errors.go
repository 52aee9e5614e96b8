package control

import "errors"

// ErrHandshakeFailed is returned when the server's first message does not
// carry the "QMP" greeting key.
var ErrHandshakeFailed = errors.New("control: handshake failed: no QMP greeting")

// ErrConnectionRefused is returned when dialing the control socket fails.
var ErrConnectionRefused = errors.New("control: connection refused")

// ProtocolError is returned when a request receives neither a "return"
// nor an "event". The verbatim offending message is retained for logs.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return "control: protocol error: " + e.Message
}

func newProtocolError(raw []byte) error {
	return &ProtocolError{Message: string(raw)}
}
