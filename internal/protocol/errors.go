package protocol

import "fmt"

// ErrorKind classifies request failures reported back to the sender
type ErrorKind int

const (
	// KindProtocol covers malformed frames, unknown types and invalid fields
	KindProtocol ErrorKind = iota
	// KindAuthorization covers messages sent by a connection lacking the required role
	KindAuthorization
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindAuthorization:
		return "authorization"
	default:
		return "unknown"
	}
}

// Error is a request failure. Message is what the client sees.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ProtocolErrorf creates a KindProtocol error
func ProtocolErrorf(format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Message: fmt.Sprintf(format, args...)}
}

// AuthorizationError creates a KindAuthorization error
func AuthorizationError(message string) *Error {
	return &Error{Kind: KindAuthorization, Message: message}
}
