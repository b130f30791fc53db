package blufi

import (
	"encoding/binary"
	"errors"

	errw "github.com/pkg/errors"
)

// codecError pairs a decode failure with the code reported to the phone.
type codecError struct {
	code ErrorCode
	err  error
}

func (e *codecError) Error() string { return e.err.Error() }

func (e *codecError) Unwrap() error { return e.err }

func errorCode(err error, fallback ErrorCode) ErrorCode {
	var ce *codecError
	if errors.As(err, &ce) {
		return ce.code
	}
	var se *SecurityError
	if errors.As(err, &se) {
		return se.Code
	}
	return fallback
}

// encoder turns payloads into (possibly fragmented) frames for one direction.
type encoder struct {
	sec      Security
	dir      uint8
	fragSize int
	seq      uint8
	secMode  uint8
}

func (e *encoder) wants(kind uint8) (checksum, encrypt bool) {
	if kind == kindCtrl {
		return e.secMode&secCtrlChecksum != 0, e.secMode&secCtrlEncrypt != 0
	}
	return e.secMode&secDataChecksum != 0, e.secMode&secDataEncrypt != 0
}

func (e *encoder) encode(kind, subtype uint8, payload []byte) ([][]byte, error) {
	doChecksum, doEncrypt := e.wants(kind)

	var out [][]byte
	remain := payload
	for first := true; first || len(remain) > 0; first = false {
		f := &frame{kind: kind, subtype: subtype, fc: e.dir}
		if len(remain) > e.fragSize {
			f.fc |= fcFragment
			f.data = binary.LittleEndian.AppendUint16(make([]byte, 0, e.fragSize+fragHdrLen), uint16(len(remain)))
			f.data = append(f.data, remain[:e.fragSize]...)
			remain = remain[e.fragSize:]
		} else {
			f.data = append([]byte{}, remain...)
			remain = nil
		}

		f.seq = e.seq
		e.seq++

		if doChecksum {
			f.fc |= fcChecksum
			f.checksum = e.sec.Checksum(f.seq, checksumInput(f.seq, f.data))
		}
		if doEncrypt {
			f.fc |= fcEncrypted
			if err := e.sec.Encrypt(f.seq, f.data); err != nil {
				return nil, errw.Wrap(err, "encrypting frame")
			}
		}
		out = append(out, f.marshal())
	}
	return out, nil
}

// decoder validates and reassembles inbound frames for one direction.
type decoder struct {
	sec     Security
	seq     uint8
	aggr    []byte
	aggring bool
}

func (d *decoder) reset() {
	d.seq = 0
	d.aggr = nil
	d.aggring = false
}

// decode returns the frame header and, once a full (reassembled) payload is
// available, that payload with complete set.
func (d *decoder) decode(raw []byte) (f *frame, payload []byte, complete bool, err error) {
	f, err = parseFrame(raw)
	if err != nil {
		return nil, nil, false, &codecError{ErrorDataFormat, err}
	}

	if f.seq != d.seq {
		want := d.seq
		// resync so a single lost frame doesn't wedge the session
		d.seq = f.seq + 1
		return f, nil, false, &codecError{ErrorSequence, errw.Wrapf(ErrSequence, "expected %d, got %d", want, f.seq)}
	}
	d.seq++

	if f.has(fcEncrypted) {
		if err := d.sec.Decrypt(f.seq, f.data); err != nil {
			return f, nil, false, &codecError{ErrorDecrypt, errw.Wrap(err, "decrypting frame")}
		}
	}

	if f.has(fcChecksum) {
		if sum := d.sec.Checksum(f.seq, checksumInput(f.seq, f.data)); sum != f.checksum {
			return f, nil, false, &codecError{ErrorChecksum, errw.Wrapf(ErrChecksum, "computed %04x, frame has %04x", sum, f.checksum)}
		}
	}

	if f.has(fcFragment) {
		if len(f.data) < fragHdrLen {
			return f, nil, false, &codecError{ErrorDataFormat, errw.New("fragment without length header")}
		}
		if !d.aggring {
			total := int(binary.LittleEndian.Uint16(f.data))
			d.aggr = make([]byte, 0, total)
			d.aggring = true
		}
		d.aggr = append(d.aggr, f.data[fragHdrLen:]...)
		return f, nil, false, nil
	}

	if d.aggring {
		payload = append(d.aggr, f.data...)
		d.aggr = nil
		d.aggring = false
		return f, payload, true, nil
	}
	return f, f.data, true, nil
}
