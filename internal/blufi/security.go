package blufi

import (
	errw "github.com/pkg/errors"
)

// Security protects the BluFi channel. The protocol calls the hooks on every frame
// whose control byte (or the negotiated security mode) asks for it.
type Security interface {
	// Negotiate consumes a negotiation payload from the phone and returns the
	// payload to send back, or nil if nothing needs to be sent yet.
	Negotiate(data []byte) ([]byte, error)
	// Encrypt and Decrypt operate in place. iv is the frame sequence number.
	Encrypt(iv uint8, buf []byte) error
	Decrypt(iv uint8, buf []byte) error
	Checksum(iv uint8, buf []byte) uint16
	// Reset drops any negotiated state, called when a phone (dis)connects.
	Reset()
}

// SecurityError carries the error code to report back to the phone.
type SecurityError struct {
	Code ErrorCode
	Err  error
}

func (e *SecurityError) Error() string {
	return e.Err.Error()
}

func (e *SecurityError) Unwrap() error {
	return e.Err
}

func secErr(code ErrorCode, msg string) error {
	return &SecurityError{Code: code, Err: errw.New(msg)}
}

// NoSecurity is a passthrough: nothing is encrypted and every checksum is zero.
// Phones that request checksums will have their frames rejected.
type NoSecurity struct{}

func (NoSecurity) Negotiate([]byte) ([]byte, error) { return nil, nil }

func (NoSecurity) Encrypt(uint8, []byte) error { return nil }

func (NoSecurity) Decrypt(uint8, []byte) error { return nil }

func (NoSecurity) Checksum(uint8, []byte) uint16 { return 0 }

func (NoSecurity) Reset() {}

// crc16 is CRC-16/CCITT (poly 0x1021, non-reflected) with the register and result inverted.
func crc16(buf []byte) uint16 {
	crc := uint16(0xffff)
	for _, b := range buf {
		crc ^= uint16(b) << 8
		for range 8 {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return ^crc
}
