package blufi

import (
	"encoding/binary"

	errw "github.com/pkg/errors"
)

// Frame kinds live in the low two bits of the type byte, subtypes in the upper six.
const (
	kindCtrl uint8 = 0x0
	kindData uint8 = 0x1
)

// Control subtypes.
const (
	ctrlAck          uint8 = 0x0
	ctrlSetSecMode   uint8 = 0x1
	ctrlSetOpmode    uint8 = 0x2
	ctrlConnectAP    uint8 = 0x3
	ctrlDisconnectAP uint8 = 0x4
	ctrlGetStatus    uint8 = 0x5
	ctrlDeauthSta    uint8 = 0x6
	ctrlGetVersion   uint8 = 0x7
	ctrlDisconnectBL uint8 = 0x8
	ctrlGetWifiList  uint8 = 0x9
)

// Data subtypes.
const (
	dataNeg           uint8 = 0x00
	dataStaBssid      uint8 = 0x01
	dataStaSsid       uint8 = 0x02
	dataStaPasswd     uint8 = 0x03
	dataSoftAPSsid    uint8 = 0x04
	dataSoftAPPasswd  uint8 = 0x05
	dataSoftAPMaxConn uint8 = 0x06
	dataSoftAPAuth    uint8 = 0x07
	dataSoftAPChannel uint8 = 0x08
	dataUsername      uint8 = 0x09
	dataCACert        uint8 = 0x0a
	dataClientCert    uint8 = 0x0b
	dataServerCert    uint8 = 0x0c
	dataClientPrivKey uint8 = 0x0d
	dataServerPrivKey uint8 = 0x0e
	dataWifiReport    uint8 = 0x0f
	dataVersion       uint8 = 0x10
	dataWifiList      uint8 = 0x11
	dataError         uint8 = 0x12
	dataCustom        uint8 = 0x13
	dataMaxConnRetry  uint8 = 0x14
	dataConnEndReason uint8 = 0x15
	dataConnEndRSSI   uint8 = 0x16
)

// Frame control bits.
const (
	fcEncrypted uint8 = 0x01
	fcChecksum  uint8 = 0x02
	fcDirToApp  uint8 = 0x04
	fcAckReq    uint8 = 0x08
	fcFragment  uint8 = 0x10
)

// Security mode bits, as set by the phone with a set-sec-mode control frame.
// The high nibble applies to control frames, the low nibble to data frames.
const (
	secCtrlChecksum uint8 = 0x10
	secCtrlEncrypt  uint8 = 0x20
	secDataChecksum uint8 = 0x01
	secDataEncrypt  uint8 = 0x02
)

const (
	headerLen   = 4
	checksumLen = 2
	fragHdrLen  = 2

	DefaultFragmentSize = 20
	// MaxFragmentSize keeps content plus the fragment header within the one-byte length field.
	MaxFragmentSize = 0xFF - fragHdrLen

	// Protocol version reported in response to get-version.
	VersionMajor = 1
	VersionMinor = 3
)

var (
	ErrShortFrame = errw.New("blufi frame too short")
	ErrChecksum   = errw.New("blufi checksum mismatch")
	ErrSequence   = errw.New("blufi sequence mismatch")
)

func packType(kind, subtype uint8) uint8 {
	return (subtype << 2) | (kind & 0x3)
}

func unpackType(t uint8) (kind, subtype uint8) {
	return t & 0x3, t >> 2
}

// frame is one on-air BluFi packet. Data is plaintext once decoded.
type frame struct {
	kind     uint8
	subtype  uint8
	fc       uint8
	seq      uint8
	data     []byte
	checksum uint16
}

func (f *frame) has(bit uint8) bool {
	return f.fc&bit != 0
}

// parseFrame splits a raw write into header, data and the trailing checksum (if flagged).
// The data is still encrypted if fcEncrypted is set.
func parseFrame(raw []byte) (*frame, error) {
	if len(raw) < headerLen {
		return nil, ErrShortFrame
	}
	f := &frame{fc: raw[1], seq: raw[2]}
	f.kind, f.subtype = unpackType(raw[0])
	dataLen := int(raw[3])

	want := headerLen + dataLen
	if f.has(fcChecksum) {
		want += checksumLen
	}
	if len(raw) < want {
		return nil, errw.Wrapf(ErrShortFrame, "expected %d bytes, got %d", want, len(raw))
	}

	f.data = make([]byte, dataLen)
	copy(f.data, raw[headerLen:headerLen+dataLen])
	if f.has(fcChecksum) {
		f.checksum = binary.LittleEndian.Uint16(raw[headerLen+dataLen:])
	}
	return f, nil
}

// checksumInput is the byte range the checksum hook covers: sequence, length and plaintext data.
func checksumInput(seq uint8, data []byte) []byte {
	buf := make([]byte, 0, len(data)+2)
	buf = append(buf, seq, uint8(len(data)))
	return append(buf, data...)
}

// marshal assembles the wire form. data must already be encrypted if fcEncrypted is set.
func (f *frame) marshal() []byte {
	out := make([]byte, 0, headerLen+len(f.data)+checksumLen)
	out = append(out, packType(f.kind, f.subtype), f.fc, f.seq, uint8(len(f.data)))
	out = append(out, f.data...)
	if f.has(fcChecksum) {
		out = binary.LittleEndian.AppendUint16(out, f.checksum)
	}
	return out
}

// clampFragmentSize maps a configured fragment size onto what the length byte can carry.
func clampFragmentSize(size int) int {
	switch {
	case size <= 0:
		return DefaultFragmentSize
	case size > MaxFragmentSize:
		return MaxFragmentSize
	default:
		return size
	}
}
