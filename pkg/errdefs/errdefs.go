// Package errdefs defines the sentinel error codes surfaced by the control
// plane's JSON-RPC responses, distinct from the HTTP-status classification
// used on the user-traffic forwarding path (see internal/proxy).
package errdefs

import "fmt"

// Code is a control-plane JSON-RPC error code.
type Code string

const (
	InvalidParams          Code = "InvalidParams"
	InvalidConfig          Code = "InvalidConfig"
	InternalError          Code = "InternalError"
	OutdatedUUID           Code = "OutdatedUUID"
	LocalHostError         Code = "LocalHostError"
	RemoteHostDoesNotExist Code = "RemoteHostDoesNotExist"
)

// RPCError is a JSON-RPC-shaped error carrying one of the Code values above.
type RPCError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an *RPCError with a formatted message.
func New(code Code, format string, args ...any) *RPCError {
	return &RPCError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// As reports whether err is an *RPCError and, if so, returns it.
func As(err error) (*RPCError, bool) {
	rerr, ok := err.(*RPCError)
	return rerr, ok
}
