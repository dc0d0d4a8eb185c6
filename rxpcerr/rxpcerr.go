// Package rxpcerr defines the abstract error kinds shared by every rxpc
// subsystem. Each kind is a sentinel that callers can match with errors.Is;
// concrete errors from pairing, afc and dtx wrap one of these so a caller
// never has to know which subsystem produced the failure to classify it.
package rxpcerr

import "errors"

var (
	// Network covers connect failures, socket closure and timeouts. Never
	// recoverable within the session that hit it.
	Network = errors.New("network error")

	// Protocol covers framing violations, unexpected magic bytes, unknown
	// opcodes and illegal state-machine transitions. Fatal to the session.
	Protocol = errors.New("protocol error")

	// Cryptography covers key-size violations, AEAD authentication failure
	// after every fallback, and signature verification failure. Fatal.
	Cryptography = errors.New("cryptography error")

	// Pairing covers a missing pairing record or server-side verification
	// rejection. Callers may retry with a different record.
	Pairing = errors.New("pairing error")

	// Afc wraps a device-reported AFC status code.
	Afc = errors.New("afc error")

	// Dtx covers channel-creation rejection, unsupported compression, and
	// NSError-shaped replies.
	Dtx = errors.New("dtx error")

	// Timeout marks a caller-driven deadline expiry.
	Timeout = errors.New("operation timeout")

	// Cancelled marks a caller-driven abort.
	Cancelled = errors.New("operation cancelled")
)

// kindError pairs a concrete message with one of the sentinels above so
// errors.Is(err, rxpcerr.Network) keeps working after wrapping.
type kindError struct {
	kind error
	msg  string
	err  error
}

func (e *kindError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *kindError) Unwrap() []error {
	if e.err != nil {
		return []error{e.kind, e.err}
	}
	return []error{e.kind}
}

// Wrap produces an error that is simultaneously errors.Is(kind) and, when
// cause is non-nil, errors.Is(cause).
func Wrap(kind error, msg string, cause error) error {
	return &kindError{kind: kind, msg: msg, err: cause}
}

// New produces an error that is errors.Is(kind) with no wrapped cause.
func New(kind error, msg string) error {
	return &kindError{kind: kind, msg: msg}
}
