package fiscal

import (
	"errors"
	"fmt"
)

var (
	// ErrStillProcessing marks a response that carries neither a definitive
	// success nor an explicit error. The document must be re-queried; it is
	// never success and never failure.
	ErrStillProcessing = errors.New("authority still processing, query again later")

	// ErrNoPrivateKey is returned when a credential bundle carries
	// certificates but no usable private key.
	ErrNoPrivateKey = errors.New("no private key in credential bundle")
)

// CredentialError wraps failures while decoding the certificate bundle.
// Not retryable: a wrong passphrase or a keyless bundle will not fix itself.
type CredentialError struct {
	Reason string
	Err    error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("credential: %s", e.Reason)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// ValidationError marks input the engine refuses to transmit. The caller
// must fix the request; numbering is untouched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// TransportError wraps network-level failures (timeout, refused connection,
// TLS failure). Always retryable from the engine's point of view: the
// document number is not consumed.
type TransportError struct {
	Operation string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RejectionError carries the literal document-level code and message
// returned by the authority. The text is never remapped: operators act on
// the authority's own wording.
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("rejected by authority %s: %s", e.Code, e.Message)
}

// IsRetryable reports whether the caller may retry the same document number
// after the given failure.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, ErrStillProcessing)
}
