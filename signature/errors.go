package signature

import (
	"errors"
	"fmt"
)

var (
	ErrMissingDigest         = errors.New("content-digest header missing")
	ErrDigestMismatch        = errors.New("content-digest does not match body")
	ErrMissingSignatureInput = errors.New("signature-input header missing")
	ErrMalformedSignature    = errors.New("signature missing or malformed")
	ErrUnknownKey            = errors.New("unknown signing key")
	ErrInvalidSignature      = errors.New("signature verification failed")
)

// VerificationError is a definitive rejection of a signed message. It is
// never retryable and never wraps a transport or storage failure.
type VerificationError struct {
	Err    error
	Detail string
}

func (e *VerificationError) Error() string {
	if e.Detail == "" {
		return "signature: " + e.Err.Error()
	}
	return fmt.Sprintf("signature: %s: %s", e.Err, e.Detail)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

func reject(err error, format string, args ...any) *VerificationError {
	return &VerificationError{Err: err, Detail: fmt.Sprintf(format, args...)}
}

// IsVerificationError reports whether err is, or wraps, a VerificationError.
func IsVerificationError(err error) bool {
	var ve *VerificationError
	return errors.As(err, &ve)
}
