package txsrv

import (
	"fmt"
)

// SQLSTATE codes used by this package.
// https://www.postgresql.org/docs/10/static/errcodes-appendix.html
const (
	codeSyntaxError         = "42601"
	codeSyntaxErrorOrAccess = "42000"
	codeFeatureNotSupported = "0A000"
	codeInFailedTransaction = "25P02"
	codeNoActiveTransaction = "25P01"
	codeActiveTransaction   = "25001"
	codeQueryCanceled       = "57014"
	codeInternalError       = "XX000"
)

// err is a postgres-compatible error object. It's not required to be used,
// as any other normal error object would be converted to a generic internal
// error, but it provides the API to generate user-friendly error messages.
// Note that all of the construction functions (prefixed with With*) are
// created a new error object rather than modifying the existing one.
type err struct {
	S string // Severity
	C string // Code
	M string // Message
	D string // Detail
	H string // Hint
	P int    // Position
}

func (e *err) Error() string    { return e.M }
func (e *err) Severity() string { return e.S }
func (e *err) Code() string     { return e.C }
func (e *err) Detail() string   { return e.D }
func (e *err) Hint() string     { return e.H }
func (e *err) Position() int    { return e.P }

// fromErr converts any error object to the internal err representation,
// extracting whatever optional fields (severity, code, detail, hint,
// position) the object exposes.
func fromErr(e error) *err {
	converted, ok := e.(*err)
	if ok {
		return converted
	}

	res := &err{M: e.Error(), S: "ERROR", C: codeInternalError, P: -1}

	severity, ok := e.(interface {
		Severity() string
	})
	if ok {
		res.S = severity.Severity()
	}

	code, ok := e.(interface {
		Code() string
	})
	if ok {
		res.C = code.Code()
	}

	detail, ok := e.(interface {
		Detail() string
	})
	if ok {
		res.D = detail.Detail()
	}

	hint, ok := e.(interface {
		Hint() string
	})
	if ok {
		res.H = hint.Hint()
	}

	position, ok := e.(interface {
		Position() int
	})
	if ok {
		res.P = position.Position()
	}

	return res
}

// Unrecognized indicates that a certain entity (function, column, message
// type, etc.) is not registered or available for use.
func Unrecognized(msg string, args ...interface{}) error {
	return &err{
		S: "ERROR",
		C: codeSyntaxErrorOrAccess,
		M: fmt.Sprintf("unrecognized "+msg, args...),
		P: -1,
	}
}

// Invalid indicates that the user request is invalid or otherwise incorrect.
// It's very much similar to a syntax error, except that the invalidity is
// logical within the request rather than syntactic. For example, using a non-
// boolean expression in WHERE
func Invalid(msg string, args ...interface{}) error {
	return &err{
		S: "ERROR",
		C: codeSyntaxErrorOrAccess,
		M: fmt.Sprintf("invalid "+msg, args...),
		P: -1,
	}
}

// Disallowed indicates that the operation is valid but not permitted for the
// current user on this session
func Disallowed(msg string, args ...interface{}) error {
	return &err{
		S: "ERROR",
		C: codeSyntaxErrorOrAccess,
		M: fmt.Sprintf("disallowed "+msg, args...),
		P: -1,
	}
}

// Unsupported indicates that a certain feature is not supported. Unlike
// Unrecognized - this error is not for cases where a user-space entity is not
// recognized but when the recognized entity cannot perform some of its
// functionality
func Unsupported(msg string, args ...interface{}) error {
	return &err{
		S: "ERROR",
		C: codeFeatureNotSupported,
		M: fmt.Sprintf("unsupported "+msg, args...),
		P: -1,
	}
}

// SyntaxError indicates that the batch text failed to parse. The whole batch
// is rejected before any statement runs.
func SyntaxError(msg string, args ...interface{}) error {
	return &err{
		S: "ERROR",
		C: codeSyntaxError,
		M: fmt.Sprintf(msg, args...),
		P: -1,
	}
}

// Canceled indicates that the client requested cancellation of the statement
// currently in flight
func Canceled(msg string, args ...interface{}) error {
	return &err{
		S: "ERROR",
		C: codeQueryCanceled,
		M: fmt.Sprintf(msg, args...),
		P: -1,
	}
}

// txAbortedErr is the synthetic error attached to statements that are skipped
// because the session's transaction has already failed. It is produced by the
// batch runner itself, never by the execution engine, and its message is fixed
// by the protocol specification.
func txAbortedErr() error {
	return &err{
		S: "ERROR",
		C: codeInFailedTransaction,
		M: "current transaction is aborted, commands ignored until end of transaction block",
		P: -1,
	}
}

// WithSeverity returns a new error like the provided one with the given
// severity. Nil input returns nil.
func WithSeverity(e error, severity string) error {
	if e == nil {
		return nil
	}
	res := *fromErr(e)
	res.S = severity
	return &res
}

// WithCode returns a new error like the provided one with the given SQLSTATE
// code. Nil input returns nil.
func WithCode(e error, code string) error {
	if e == nil {
		return nil
	}
	res := *fromErr(e)
	res.C = code
	return &res
}

// WithDetail returns a new error like the provided one with the given detail
// text. Nil input returns nil.
func WithDetail(e error, detail string, args ...interface{}) error {
	if e == nil {
		return nil
	}
	res := *fromErr(e)
	res.D = fmt.Sprintf(detail, args...)
	return &res
}

// WithHint returns a new error like the provided one with the given hint
// text. Nil input returns nil.
func WithHint(e error, hint string, args ...interface{}) error {
	if e == nil {
		return nil
	}
	res := *fromErr(e)
	res.H = fmt.Sprintf(hint, args...)
	return &res
}

// WithPosition returns a new error like the provided one with the given
// cursor position within the batch text. Nil input returns nil.
func WithPosition(e error, position int) error {
	if e == nil {
		return nil
	}
	res := *fromErr(e)
	res.P = position
	return &res
}

// Notice is an advisory message delivered to the frontend alongside, never
// instead of, a statement's normal completion. Notices don't interrupt batch
// processing and never change the transaction state.
type Notice struct {
	Severity string
	Code     string
	Message  string
}

// noTransactionNotice accompanies a COMMIT or ROLLBACK issued while no
// explicit transaction is in progress.
func noTransactionNotice() *Notice {
	return &Notice{
		Severity: "WARNING",
		Code:     codeNoActiveTransaction,
		Message:  "there is no transaction in progress",
	}
}

// transactionInProgressNotice accompanies a BEGIN issued while an explicit
// transaction is already open.
func transactionInProgressNotice() *Notice {
	return &Notice{
		Severity: "WARNING",
		Code:     codeActiveTransaction,
		Message:  "there is already a transaction in progress",
	}
}
