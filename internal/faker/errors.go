package faker

import (
	"fmt"
)

// DecodeError reports input that is not a parseable X.509 certificate.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode certificate: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// UnsupportedAlgorithmError reports a key family without a size-matching rule,
// or a signature algorithm whose family differs from the generated key.
type UnsupportedAlgorithmError struct {
	Algorithm string
	Reason    string
}

func (e *UnsupportedAlgorithmError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unsupported key algorithm %q: %s", e.Algorithm, e.Reason)
	}
	return fmt.Sprintf("unsupported key algorithm %q", e.Algorithm)
}

// KeyGenerationError reports a failure of the key generation primitive.
type KeyGenerationError struct {
	Family KeyFamily
	Bits   int
	Err    error
}

func (e *KeyGenerationError) Error() string {
	return fmt.Sprintf("generate %s-%d key: %v", e.Family, e.Bits, e.Err)
}
func (e *KeyGenerationError) Unwrap() error { return e.Err }

// UnsupportedSignatureAlgorithmError reports a source signature algorithm
// that has no local signing primitive.
type UnsupportedSignatureAlgorithmError struct {
	Algorithm string
}

func (e *UnsupportedSignatureAlgorithmError) Error() string {
	return fmt.Sprintf("unsupported signature algorithm %s", e.Algorithm)
}

// SerialNumberSizeError reports a serial number size outside
// [MinSerialBits, MaxSerialBits].
type SerialNumberSizeError struct {
	Bits int
}

func (e *SerialNumberSizeError) Error() string {
	return fmt.Sprintf("serial number size %d bits outside [%d, %d]", e.Bits, MinSerialBits, MaxSerialBits)
}

// EncodeError reports a failure serializing the faked certificate or its keys.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string { return fmt.Sprintf("encode certificate: %v", e.Err) }
func (e *EncodeError) Unwrap() error { return e.Err }

// HandlerError wraps every failure surfaced by a Handler. Op names the step
// that failed: load, keygen, build, sign or encode.
type HandlerError struct {
	Op  string
	Err error
}

func (e *HandlerError) Error() string { return fmt.Sprintf("certificate handler: %s: %v", e.Op, e.Err) }
func (e *HandlerError) Unwrap() error { return e.Err }
