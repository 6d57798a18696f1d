// Package errs defines the error taxonomy shared by every mxcrypt component.
//
// Protocol packages return plain sentinel errors; services wrap them in an
// *Error carrying a Code so callers can branch with CodeOf or errors.Is
// without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Code classifies an error.
type Code string

const (
	CodeCryptoInvariant       Code = "CRYPTO_INVARIANT_VIOLATION"
	CodeUnknownSession        Code = "UNKNOWN_SESSION"
	CodeUnknownDevice         Code = "UNKNOWN_DEVICE"
	CodeSignatureVerification Code = "SIGNATURE_VERIFICATION_FAILED"
	CodeVerificationCancelled Code = "VERIFICATION_CANCELLED"
	CodeTimeout               Code = "TIMEOUT"
	CodeStorage               Code = "STORAGE_ERROR"
	CodeTransport             Code = "TRANSPORT_ERROR"
	CodeSessionCreation       Code = "SESSION_CREATION_ERROR"
	CodeDuplicateMessage      Code = "DUPLICATE_MESSAGE"
	CodeTooFarInFuture        Code = "TOO_FAR_IN_FUTURE"
	CodeMessageIndexTooOld    Code = "MESSAGE_INDEX_TOO_OLD"
	CodeKeyAlreadyUsed        Code = "KEY_ALREADY_USED"
	CodeAccountExists         Code = "ACCOUNT_EXISTS"
	CodeNoAccount             Code = "NO_ACCOUNT"
	CodeDeterministicKey      Code = "DETERMINISTIC_KEY"
	CodeInvalidInput          Code = "INVALID_INPUT"
	CodeDecryption            Code = "DECRYPTION_FAILED"
	CodeNotTrusted            Code = "NOT_TRUSTED"
)

// Error is a coded error. Op names the operation that failed.
type Error struct {
	Code    Code
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so the package-level sentinels
// work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Op == "" && t.Err == nil
}

// New creates an error with a formatted message.
func New(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and operation to err. A nil err stays nil.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// Ensure wraps err with code unless it already carries one.
func Ensure(code Code, op string, err error) error {
	if err == nil || CodeOf(err) != "" {
		return err
	}
	return &Error{Code: code, Op: op, Err: err}
}

// Storage wraps a storage failure unless it already carries a code.
func Storage(op string, err error) error {
	return Ensure(CodeStorage, op, err)
}

// CodeOf returns the code of the outermost *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Sentinels for errors.Is.
var (
	ErrCryptoInvariant       = &Error{Code: CodeCryptoInvariant}
	ErrUnknownSession        = &Error{Code: CodeUnknownSession}
	ErrUnknownDevice         = &Error{Code: CodeUnknownDevice}
	ErrSignatureVerification = &Error{Code: CodeSignatureVerification}
	ErrVerificationCancelled = &Error{Code: CodeVerificationCancelled}
	ErrTimeout               = &Error{Code: CodeTimeout}
	ErrStorage               = &Error{Code: CodeStorage}
	ErrTransport             = &Error{Code: CodeTransport}
	ErrSessionCreation       = &Error{Code: CodeSessionCreation}
	ErrDuplicateMessage      = &Error{Code: CodeDuplicateMessage}
	ErrTooFarInFuture        = &Error{Code: CodeTooFarInFuture}
	ErrMessageIndexTooOld    = &Error{Code: CodeMessageIndexTooOld}
	ErrKeyAlreadyUsed        = &Error{Code: CodeKeyAlreadyUsed}
	ErrAccountExists         = &Error{Code: CodeAccountExists}
	ErrNoAccount             = &Error{Code: CodeNoAccount}
	ErrDeterministicKey      = &Error{Code: CodeDeterministicKey}
	ErrInvalidInput          = &Error{Code: CodeInvalidInput}
	ErrDecryption            = &Error{Code: CodeDecryption}
	ErrNotTrusted            = &Error{Code: CodeNotTrusted}
)
