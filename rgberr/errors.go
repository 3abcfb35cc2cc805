package rgberr

import (
	"errors"

	goerrors "github.com/go-errors/errors"
)

// Code identifies the kind of failure reported by the vault and transfer
// core. Callers branch on the code rather than on error strings.
type Code uint8

const (
	// FormatError is returned for malformed textual or binary input: an
	// outpoint, a contract id, a concealed seal or consignment framing.
	FormatError Code = iota + 1

	// AuthenticationError is returned when an encrypted vault cannot be
	// opened with the supplied key, or its ciphertext was tampered with.
	AuthenticationError

	// LedgerError is returned when a wallet view operation fails, for
	// example when a broadcast is rejected.
	LedgerError

	// InsufficientAssetBalance is returned when a transfer asks for more
	// than the unspent allocations of an asset hold.
	InsufficientAssetBalance

	// IssuanceError is returned when the contract engine rejects the
	// parameters of a new asset.
	IssuanceError

	// TransferConstructionError is returned when the contract engine is
	// unable to build a transfer.
	TransferConstructionError

	// ValidationError is returned when a consignment fails its proof
	// checks.
	ValidationError

	// RemoteServiceError is returned when the indexing service is not
	// reachable or answered with an error.
	RemoteServiceError
)

// String returns the name of the error kind.
func (c Code) String() string {
	switch c {
	case FormatError:
		return "FormatError"
	case AuthenticationError:
		return "AuthenticationError"
	case LedgerError:
		return "LedgerError"
	case InsufficientAssetBalance:
		return "InsufficientAssetBalance"
	case IssuanceError:
		return "IssuanceError"
	case TransferConstructionError:
		return "TransferConstructionError"
	case ValidationError:
		return "ValidationError"
	case RemoteServiceError:
		return "RemoteServiceError"
	default:
		return "UnknownError"
	}
}

// Error is a coded error. It keeps the stack of the site that created it and
// wraps the underlying cause, so errors.Is and errors.As keep working on the
// original error.
type Error struct {
	code Code
	err  *goerrors.Error
}

// A compile time check to ensure Error implements the error interface.
var _ error = (*Error)(nil)

// Error returns the message of the wrapped error prefixed by the kind.
//
// NOTE: Part of the error interface.
func (e *Error) Error() string {
	return e.code.String() + ": " + e.err.Error()
}

// Unwrap returns the cause of the error.
func (e *Error) Unwrap() error {
	return e.err.Err
}

// Code returns the kind of the error.
func (e *Error) Code() Code {
	return e.code
}

// ErrorStack returns the stack of the site that created the error, useful
// when logging at debug level.
func (e *Error) ErrorStack() string {
	return e.err.ErrorStack()
}

// New creates a coded error from a message or an error value.
func New(code Code, e interface{}) *Error {
	return &Error{
		code: code,
		err:  goerrors.Wrap(e, 1),
	}
}

// Newf creates a coded error from a format string.
func Newf(code Code, format string, a ...interface{}) *Error {
	return &Error{
		code: code,
		err:  goerrors.Wrap(goerrors.Errorf(format, a...).Err, 1),
	}
}

// Wrap attaches a code to err. A nil error stays nil. An error that already
// carries a code is returned unchanged so that the innermost, most specific
// kind is what callers observe.
func Wrap(code Code, err error) error {
	if err == nil {
		return nil
	}

	var coded *Error
	if errors.As(err, &coded) {
		return err
	}

	return &Error{
		code: code,
		err:  goerrors.Wrap(err, 1),
	}
}

// CodeOf returns the code carried by err, if any.
func CodeOf(err error) (Code, bool) {
	var coded *Error
	if !errors.As(err, &coded) {
		return 0, false
	}

	return coded.code, true
}

// Is reports whether err carries one of the given codes.
func Is(err error, codes ...Code) bool {
	code, ok := CodeOf(err)
	if !ok {
		return false
	}

	for _, c := range codes {
		if c == code {
			return true
		}
	}

	return false
}
