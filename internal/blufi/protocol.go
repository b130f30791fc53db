// Package blufi implements the BluFi BLE provisioning protocol: frame codec,
// fragmentation, sequence checking, security hooks and the GATT transport.
package blufi

import (
	"sync"

	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Sender writes one encoded frame to the phone.
type Sender func([]byte) error

type ProtocolConfig struct {
	Security Security
	// Maximum content bytes per outbound frame.
	FragmentSize int
	Send         Sender
	// Drops the BLE link, used when the phone asks to disconnect.
	Disconnect func() error
}

// Protocol is the device side of a BluFi session. Raw characteristic writes go
// in through HandleWrite; decoded requests come out through the EventHandler.
type Protocol struct {
	logger     logging.Logger
	sec        Security
	send       Sender
	disconnect func() error
	handler    EventHandler

	recvMu sync.Mutex
	dec    decoder

	sendMu sync.Mutex
	enc    encoder
}

func NewProtocol(logger logging.Logger, cfg ProtocolConfig, handler EventHandler) *Protocol {
	sec := cfg.Security
	if sec == nil {
		sec = NoSecurity{}
	}
	fragSize := clampFragmentSize(cfg.FragmentSize)
	if fragSize != cfg.FragmentSize {
		logger.Warnf("BluFi fragment size %d is out of range, using %d", cfg.FragmentSize, fragSize)
	}
	return &Protocol{
		logger:     logger,
		sec:        sec,
		send:       cfg.Send,
		disconnect: cfg.Disconnect,
		handler:    handler,
		dec:        decoder{sec: sec},
		enc:        encoder{sec: sec, dir: fcDirToApp, fragSize: fragSize},
	}
}

// Reset starts a fresh session: sequence numbers, security mode and negotiated keys are dropped.
func (p *Protocol) Reset() {
	p.recvMu.Lock()
	p.dec.reset()
	p.recvMu.Unlock()

	p.sendMu.Lock()
	p.enc.seq = 0
	p.enc.secMode = 0
	p.sendMu.Unlock()

	p.sec.Reset()
}

// HandleWrite processes one write to the inbound characteristic.
func (p *Protocol) HandleWrite(raw []byte) {
	p.recvMu.Lock()
	defer p.recvMu.Unlock()

	f, payload, complete, err := p.dec.decode(raw)
	if err != nil {
		p.logger.Warn(errw.Wrap(err, "dropping blufi frame"))
		p.emit(Event{Kind: EventReportError, Error: errorCode(err, ErrorDataFormat)})
		return
	}

	if f.has(fcAckReq) {
		if err := p.sendFrame(kindCtrl, ctrlAck, []byte{f.seq}); err != nil {
			p.logger.Warn(errw.Wrap(err, "sending blufi ack"))
		}
	}

	if !complete {
		return
	}

	if f.kind == kindCtrl {
		p.handleCtrl(f.subtype, payload)
	} else {
		p.handleData(f.subtype, payload)
	}
}

func (p *Protocol) handleCtrl(subtype uint8, payload []byte) {
	switch subtype {
	case ctrlAck:
		p.logger.Debugf("blufi ack received: %v", payload)
	case ctrlSetSecMode:
		if len(payload) < 1 {
			p.emit(Event{Kind: EventReportError, Error: ErrorDataFormat})
			return
		}
		p.sendMu.Lock()
		p.enc.secMode = payload[0]
		p.sendMu.Unlock()
		p.logger.Debugf("blufi security mode set to %#02x", payload[0])
	case ctrlSetOpmode:
		if len(payload) < 1 {
			p.emit(Event{Kind: EventReportError, Error: ErrorDataFormat})
			return
		}
		p.emit(Event{Kind: EventSetWifiOpmode, Mode: WifiMode(payload[0])})
	case ctrlConnectAP:
		p.emit(Event{Kind: EventReqConnectToAP})
	case ctrlDisconnectAP:
		p.emit(Event{Kind: EventReqDisconnectFromAP})
	case ctrlGetStatus:
		p.emit(Event{Kind: EventGetWifiStatus})
	case ctrlDeauthSta:
		p.emit(Event{Kind: EventDeauthSta, Data: payload})
	case ctrlGetVersion:
		if err := p.sendFrame(kindData, dataVersion, []byte{VersionMajor, VersionMinor}); err != nil {
			p.logger.Warn(errw.Wrap(err, "sending blufi version"))
		}
	case ctrlDisconnectBL:
		if p.disconnect == nil {
			p.logger.Warn("phone requested a BLE disconnect, but the transport cannot drop links")
			return
		}
		if err := p.disconnect(); err != nil {
			p.logger.Warn(errw.Wrap(err, "disconnecting BLE link"))
		}
	case ctrlGetWifiList:
		p.emit(Event{Kind: EventGetWifiList})
	default:
		p.logger.Warnf("unknown blufi control subtype %#02x", subtype)
	}
}

func (p *Protocol) handleData(subtype uint8, payload []byte) {
	switch subtype {
	case dataNeg:
		out, err := p.sec.Negotiate(payload)
		if err != nil {
			p.logger.Warn(errw.Wrap(err, "blufi key negotiation"))
			p.emit(Event{Kind: EventReportError, Error: errorCode(err, ErrorInitSecurity)})
			return
		}
		if out != nil {
			if err := p.sendFrame(kindData, dataNeg, out); err != nil {
				p.logger.Warn(errw.Wrap(err, "sending blufi negotiation reply"))
			}
		}
	case dataStaBssid:
		p.emit(Event{Kind: EventRecvStaBssid, Data: payload})
	case dataStaSsid:
		p.emit(Event{Kind: EventRecvStaSsid, Data: payload})
	case dataStaPasswd:
		p.emit(Event{Kind: EventRecvStaPasswd, Data: payload})
	case dataSoftAPSsid, dataSoftAPPasswd, dataSoftAPMaxConn, dataSoftAPAuth, dataSoftAPChannel:
		p.emit(Event{Kind: EventRecvSoftAPConfig, Subtype: subtype, Data: payload})
	case dataUsername:
		p.emit(Event{Kind: EventRecvUsername, Data: payload})
	case dataCACert, dataClientCert, dataServerCert, dataClientPrivKey, dataServerPrivKey:
		p.emit(Event{Kind: EventRecvCertificate, Subtype: subtype, Data: payload})
	case dataCustom:
		p.emit(Event{Kind: EventRecvCustomData, Data: payload})
	default:
		p.logger.Warnf("unknown blufi data subtype %#02x", subtype)
	}
}

func (p *Protocol) emit(ev Event) {
	if p.handler != nil {
		p.handler(ev)
	}
}

func (p *Protocol) sendFrame(kind, subtype uint8, payload []byte) error {
	if p.send == nil {
		return errw.New("no sender configured")
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	frames, err := p.enc.encode(kind, subtype, payload)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := p.send(f); err != nil {
			return errw.Wrap(err, "writing blufi frame")
		}
	}
	return nil
}

// SendWifiReport sends a wifi connection state report.
func (p *Protocol) SendWifiReport(r WifiReport) error {
	return p.sendFrame(kindData, dataWifiReport, encodeWifiReport(r))
}

// SendErrorInfo reports an error code to the phone.
func (p *Protocol) SendErrorInfo(code ErrorCode) error {
	return p.sendFrame(kindData, dataError, []byte{uint8(code)})
}

// SendWifiList replies to a wifi list request.
func (p *Protocol) SendWifiList(aps []AccessPoint) error {
	return p.sendFrame(kindData, dataWifiList, encodeWifiList(aps))
}

func encodeWifiReport(r WifiReport) []byte {
	out := []byte{uint8(r.Mode), uint8(r.State), r.SoftAPConnCount}
	info := r.Info
	if info == nil {
		return out
	}
	if info.BSSIDSet {
		out = append(out, dataStaBssid, 6)
		out = append(out, info.BSSID[:]...)
	}
	if len(info.SSID) > 0 {
		out = append(out, dataStaSsid, uint8(len(info.SSID)))
		out = append(out, info.SSID...)
	}
	if info.MaxConnRetrySet {
		out = append(out, dataMaxConnRetry, 1, info.MaxConnRetry)
	}
	if info.EndReasonSet {
		out = append(out, dataConnEndReason, 1, info.EndReason)
	}
	if info.RSSISet {
		out = append(out, dataConnEndRSSI, 1, uint8(info.RSSI))
	}
	return out
}

func encodeWifiList(aps []AccessPoint) []byte {
	var out []byte
	for _, ap := range aps {
		ssid := ap.SSID
		if len(ssid) > 32 {
			ssid = ssid[:32]
		}
		out = append(out, uint8(len(ssid)+1), uint8(ap.RSSI))
		out = append(out, ssid...)
	}
	return out
}
