package transport

import (
	"errors"
	"fmt"
)

// 传输层错误定义，使用 errors.Is 按错误码匹配
var (
	ErrInvalidArgument       = NewTpError(1001, "Invalid argument", "")
	ErrTimeout               = NewTpError(1002, "Operation timed out", "")
	ErrCanceled              = NewTpError(1003, "Operation canceled", "")
	ErrNotConnected          = NewTpError(1004, "Not connected", "")
	ErrAlreadyConnected      = NewTpError(1005, "Already connected", "")
	ErrConnClosed            = NewTpError(1006, "Connection is closed", "")
	ErrConnection            = NewTpError(1007, "Connection error", "")
	ErrDuplicateConversation = NewTpError(1008, "Duplicate conversation id", "")
	ErrDuplicateEndpoint     = NewTpError(1009, "Duplicate remote endpoint", "")
	ErrAlreadyListening      = NewTpError(1010, "Server is already listening", "")
	ErrNotListening          = NewTpError(1011, "Server is not listening", "")
	ErrAuthFailed            = NewTpError(1012, "Authentication failed", "")
)

type tpError struct {
	code    int
	msg     string
	context string
	err     error
}

func (e *tpError) Error() string {
	s := fmt.Sprintf("Error %d: %s", e.code, e.msg)
	if e.context != "" {
		s = fmt.Sprintf("Error %d: %s (context: %s)", e.code, e.msg, e.context)
	}
	if e.err != nil {
		s += ": " + e.err.Error()
	}
	return s
}

func (e *tpError) Unwrap() error { return e.err }

// Is 按错误码比较，使携带上下文的错误仍能匹配哨兵错误
func (e *tpError) Is(target error) bool {
	var t *tpError
	if !errors.As(target, &t) {
		return false
	}
	return t.code == e.code
}

// Code 返回错误码
func (e *tpError) Code() int { return e.code }

func NewTpError(code int, message string, context string) *tpError {
	return &tpError{
		code:    code,
		msg:     message,
		context: context,
	}
}

// withContext 基于哨兵错误派生一个带上下文与底层原因的错误
func withContext(base *tpError, context string, cause error) error {
	return &tpError{code: base.code, msg: base.msg, context: context, err: cause}
}

// invalidArgument panics with ErrInvalidArgument. Contract violations are programmer errors
// and are never reported through a bool result.
func invalidArgument(format string, args ...any) {
	panic(withContext(ErrInvalidArgument, fmt.Sprintf(format, args...), nil))
}
