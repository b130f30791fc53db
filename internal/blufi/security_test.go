package blufi

import (
	"encoding/binary"
	"errors"
	"testing"

	"go.viam.com/test"
)

func TestCRC16(t *testing.T) {
	test.That(t, crc16([]byte("123456789")), test.ShouldEqual, uint16(0xD64E))
	test.That(t, crc16(nil), test.ShouldEqual, uint16(0x0000))
}

// negotiate runs the phone side of the key exchange against p and returns the phone's security.
func negotiate(t *testing.T, p *pair) *DHClient {
	t.Helper()
	dh, err := NewDHClient()
	test.That(t, err, test.ShouldBeNil)
	p.client = NewClient(dh, 20)

	for _, payload := range dh.NegotiationPayloads() {
		p.write(p.client.Negotiate(payload))
	}
	test.That(t, p.events, test.ShouldBeEmpty)

	replies := p.replies()
	test.That(t, replies, test.ShouldHaveLength, 1)
	test.That(t, replies[0].IsNegotiation(), test.ShouldBeTrue)
	test.That(t, replies[0].Payload, test.ShouldHaveLength, 128)
	test.That(t, dh.Complete(replies[0].Payload), test.ShouldBeNil)
	return dh
}

func TestDHSession(t *testing.T) {
	p := newPair(t, NewDHSecurity(), nil)
	negotiate(t, p)

	p.write(p.client.SetSecurityMode(secCtrlChecksum | secCtrlEncrypt | secDataChecksum | secDataEncrypt))
	test.That(t, p.events, test.ShouldBeEmpty)

	frames, err := p.client.StaPassword("correct horse battery staple")
	test.That(t, err, test.ShouldBeNil)
	for _, f := range frames {
		test.That(t, f[1]&fcEncrypted, test.ShouldNotEqual, 0)
		test.That(t, f[1]&fcChecksum, test.ShouldNotEqual, 0)
	}
	p.write(frames, nil)
	test.That(t, p.events, test.ShouldHaveLength, 1)
	test.That(t, p.events[0].Kind, test.ShouldEqual, EventRecvStaPasswd)
	test.That(t, string(p.events[0].Data), test.ShouldEqual, "correct horse battery staple")

	report := WifiReport{
		Mode:  WifiModeStation,
		State: StaConnSuccess,
		Info:  &ExtraInfo{SSID: []byte("home")},
	}
	test.That(t, p.proto.SendWifiReport(report), test.ShouldBeNil)
	for _, f := range p.sent {
		test.That(t, f[1]&fcEncrypted, test.ShouldNotEqual, 0)
		test.That(t, f[1]&fcDirToApp, test.ShouldNotEqual, 0)
	}
	replies := p.replies()
	test.That(t, replies, test.ShouldHaveLength, 1)
	test.That(t, replies[0].IsWifiReport(), test.ShouldBeTrue)
	got, err := ParseWifiReport(replies[0].Payload)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.State, test.ShouldEqual, StaConnSuccess)
	test.That(t, string(got.Info.SSID), test.ShouldEqual, "home")
}

func TestDHTamperedFrame(t *testing.T) {
	p := newPair(t, NewDHSecurity(), nil)
	negotiate(t, p)
	p.write(p.client.SetSecurityMode(secDataChecksum | secDataEncrypt))

	frames, err := p.client.StaSSID("home")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frames, test.ShouldHaveLength, 1)
	frames[0][headerLen] ^= 0xff
	p.write(frames, nil)

	test.That(t, p.events, test.ShouldHaveLength, 1)
	test.That(t, p.events[0].Kind, test.ShouldEqual, EventReportError)
	test.That(t, p.events[0].Error, test.ShouldEqual, ErrorChecksum)
}

func TestDHNegotiationErrors(t *testing.T) {
	t.Run("params before length", func(t *testing.T) {
		p := newPair(t, NewDHSecurity(), nil)
		p.write(p.client.Negotiate([]byte{negParamData, 0, 1, 5}))
		test.That(t, p.events, test.ShouldHaveLength, 1)
		test.That(t, p.events[0].Kind, test.ShouldEqual, EventReportError)
		test.That(t, p.events[0].Error, test.ShouldEqual, ErrorDHParam)
	})

	t.Run("truncated params", func(t *testing.T) {
		d := NewDHSecurity()
		_, err := d.Negotiate(binary.BigEndian.AppendUint16([]byte{negParamLen}, 4))
		test.That(t, err, test.ShouldBeNil)
		_, err = d.Negotiate([]byte{negParamData, 0, 9, 1, 2})
		var se *SecurityError
		test.That(t, errors.As(err, &se), test.ShouldBeTrue)
		test.That(t, se.Code, test.ShouldEqual, ErrorReadParam)
	})

	t.Run("unknown packet type", func(t *testing.T) {
		_, err := NewDHSecurity().Negotiate([]byte{0x7f})
		var se *SecurityError
		test.That(t, errors.As(err, &se), test.ShouldBeTrue)
		test.That(t, se.Code, test.ShouldEqual, ErrorDataFormat)
	})

	t.Run("encrypt before negotiation", func(t *testing.T) {
		err := NewDHSecurity().Encrypt(0, []byte("x"))
		var se *SecurityError
		test.That(t, errors.As(err, &se), test.ShouldBeTrue)
		test.That(t, se.Code, test.ShouldEqual, ErrorEncrypt)
	})
}

func TestDHReset(t *testing.T) {
	p := newPair(t, NewDHSecurity(), nil)
	negotiate(t, p)
	p.proto.Reset()

	// keys are gone, so an encrypted frame can no longer be read
	p.client = NewClient(p.client.enc.sec, 20)
	p.write(p.client.SetSecurityMode(secDataEncrypt))
	p.write(p.client.StaSSID("home"))
	test.That(t, p.events, test.ShouldHaveLength, 1)
	test.That(t, p.events[0].Kind, test.ShouldEqual, EventReportError)
	test.That(t, p.events[0].Error, test.ShouldEqual, ErrorDecrypt)
}
