package errcode

import "fmt"

// Error represents a business error
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("errcode: %d, msg: %s", e.Code, e.Msg)
}

// New creates a new error with code and message
func New(code int, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Wrap wraps an error with additional context
func (e *Error) Wrap(err error) *Error {
	if err == nil {
		return e
	}
	return &Error{
		Code: e.Code,
		Msg:  fmt.Sprintf("%s: %v", e.Msg, err),
	}
}

// Is makes wrapped errors match their base value via errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Error codes
var (
	// Success
	ErrSuccess = New(0, "success")

	// Common errors (1xxx)
	ErrInvalidParam   = New(1001, "invalid parameter")
	ErrInternalServer = New(1002, "internal server error")

	// History errors (2xxx)
	ErrNoHistory          = New(2001, "no message history")
	ErrHistoryUnavailable = New(2002, "message history unavailable")

	// Send errors (3xxx)
	ErrSendFailed   = New(3001, "message send failed")
	ErrNotResendable = New(3002, "message is not in failed state")

	// Cache errors (4xxx)
	ErrCacheLoad = New(4001, "cache load failed")
	ErrCacheSave = New(4002, "cache save failed")

	// Live channel errors (5xxx)
	ErrConnClosed      = New(5001, "connection closed")
	ErrInvalidProtocol = New(5002, "invalid protocol")
	ErrNotJoined       = New(5003, "conversation not joined")
	ErrEngineClosed    = New(5004, "engine closed")
)
