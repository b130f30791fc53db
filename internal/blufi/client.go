package blufi

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"math/big"
	"strings"

	errw "github.com/pkg/errors"
)

// 1024-bit MODP group (RFC 2409, group 2).
const modp1024 = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381" +
	"FFFFFFFFFFFFFFFF"

// SecModeData checksums and encrypts data frames. Phones switch to it once key negotiation completes.
const SecModeData = secDataChecksum | secDataEncrypt

// Client is the phone side of a BluFi session. It is used by the provisioning
// test client and by tests.
type Client struct {
	enc encoder
	dec decoder
}

func NewClient(sec Security, fragSize int) *Client {
	if sec == nil {
		sec = NoSecurity{}
	}
	return &Client{
		enc: encoder{sec: sec, fragSize: clampFragmentSize(fragSize)},
		dec: decoder{sec: sec},
	}
}

// SetSecurityMode changes which frames the client checksums and encrypts, and
// returns the frames telling the device to do the same.
func (c *Client) SetSecurityMode(mode uint8) ([][]byte, error) {
	frames, err := c.enc.encode(kindCtrl, ctrlSetSecMode, []byte{mode})
	c.enc.secMode = mode
	return frames, err
}

func (c *Client) SetOpmode(mode WifiMode) ([][]byte, error) {
	return c.enc.encode(kindCtrl, ctrlSetOpmode, []byte{uint8(mode)})
}

func (c *Client) StaSSID(ssid string) ([][]byte, error) {
	return c.enc.encode(kindData, dataStaSsid, []byte(ssid))
}

func (c *Client) StaPassword(psk string) ([][]byte, error) {
	return c.enc.encode(kindData, dataStaPasswd, []byte(psk))
}

func (c *Client) ConnectAP() ([][]byte, error) {
	return c.enc.encode(kindCtrl, ctrlConnectAP, nil)
}

func (c *Client) DisconnectAP() ([][]byte, error) {
	return c.enc.encode(kindCtrl, ctrlDisconnectAP, nil)
}

func (c *Client) GetWifiStatus() ([][]byte, error) {
	return c.enc.encode(kindCtrl, ctrlGetStatus, nil)
}

func (c *Client) GetWifiList() ([][]byte, error) {
	return c.enc.encode(kindCtrl, ctrlGetWifiList, nil)
}

func (c *Client) GetVersion() ([][]byte, error) {
	return c.enc.encode(kindCtrl, ctrlGetVersion, nil)
}

func (c *Client) Negotiate(payload []byte) ([][]byte, error) {
	return c.enc.encode(kindData, dataNeg, payload)
}

// Reply is a fully reassembled frame sent by the device.
type Reply struct {
	IsCtrl  bool
	Subtype uint8
	Payload []byte
}

func (r Reply) IsNegotiation() bool { return !r.IsCtrl && r.Subtype == dataNeg }

func (r Reply) IsWifiReport() bool { return !r.IsCtrl && r.Subtype == dataWifiReport }

func (r Reply) IsWifiList() bool { return !r.IsCtrl && r.Subtype == dataWifiList }

func (r Reply) IsError() bool { return !r.IsCtrl && r.Subtype == dataError }

func (r Reply) IsVersion() bool { return !r.IsCtrl && r.Subtype == dataVersion }

// Decode consumes one notification from the device. ok is false while a fragmented payload is still incomplete.
func (c *Client) Decode(raw []byte) (reply Reply, ok bool, err error) {
	f, payload, complete, err := c.dec.decode(raw)
	if err != nil || !complete {
		return Reply{}, false, err
	}
	return Reply{IsCtrl: f.kind == kindCtrl, Subtype: f.subtype, Payload: payload}, true, nil
}

// ParseWifiReport decodes the payload of a wifi connection report.
func ParseWifiReport(payload []byte) (WifiReport, error) {
	if len(payload) < 3 {
		return WifiReport{}, errw.New("wifi report too short")
	}
	r := WifiReport{Mode: WifiMode(payload[0]), State: StaConnState(payload[1]), SoftAPConnCount: payload[2]}
	rest := payload[3:]
	if len(rest) == 0 {
		return r, nil
	}
	r.Info = &ExtraInfo{}
	for len(rest) >= 2 {
		typ, n := rest[0], int(rest[1])
		rest = rest[2:]
		if len(rest) < n {
			return r, errw.New("wifi report field truncated")
		}
		val := rest[:n]
		rest = rest[n:]
		switch typ {
		case dataStaBssid:
			copy(r.Info.BSSID[:], val)
			r.Info.BSSIDSet = true
		case dataStaSsid:
			r.Info.SSID = append([]byte{}, val...)
		case dataMaxConnRetry:
			r.Info.MaxConnRetry, r.Info.MaxConnRetrySet = val[0], true
		case dataConnEndReason:
			r.Info.EndReason, r.Info.EndReasonSet = val[0], true
		case dataConnEndRSSI:
			r.Info.RSSI, r.Info.RSSISet = int8(val[0]), true
		}
	}
	return r, nil
}

// ParseWifiList decodes the payload of a wifi list reply.
func ParseWifiList(payload []byte) ([]AccessPoint, error) {
	var aps []AccessPoint
	for len(payload) > 0 {
		if len(payload) < 2 || payload[0] == 0 || len(payload) < int(payload[0])+1 {
			return aps, errw.New("malformed wifi list")
		}
		n := int(payload[0])
		aps = append(aps, AccessPoint{RSSI: int8(payload[1]), SSID: string(payload[2 : n+1])})
		payload = payload[n+1:]
	}
	return aps, nil
}

// DHClient performs the phone side of the DHSecurity key exchange.
type DHClient struct {
	*DHSecurity
	p, g, priv *big.Int
}

func NewDHClient() (*DHClient, error) {
	raw, err := hex.DecodeString(strings.ToLower(modp1024))
	if err != nil {
		return nil, err
	}
	p := new(big.Int).SetBytes(raw)
	priv, err := rand.Int(rand.Reader, new(big.Int).Sub(p, big.NewInt(3)))
	if err != nil {
		return nil, err
	}
	priv.Add(priv, big.NewInt(2))
	return &DHClient{DHSecurity: NewDHSecurity(), p: p, g: big.NewInt(2), priv: priv}, nil
}

// NegotiationPayloads returns the length announcement and the parameter payload, in order.
func (c *DHClient) NegotiationPayloads() [][]byte {
	size := len(c.p.Bytes())
	pub := new(big.Int).Exp(c.g, c.priv, c.p).FillBytes(make([]byte, size))

	var params []byte
	for _, field := range [][]byte{c.p.Bytes(), c.g.Bytes(), pub} {
		params = binary.BigEndian.AppendUint16(params, uint16(len(field)))
		params = append(params, field...)
	}

	lenPkt := binary.BigEndian.AppendUint16([]byte{negParamLen}, uint16(len(params)))
	dataPkt := append([]byte{negParamData}, params...)
	return [][]byte{lenPkt, dataPkt}
}

// Complete derives the session key from the device's public key.
func (c *DHClient) Complete(devicePub []byte) error {
	peer := new(big.Int).SetBytes(devicePub)
	if peer.Cmp(big.NewInt(2)) < 0 || peer.Cmp(c.p) >= 0 {
		return errw.New("invalid device public key")
	}
	shared := new(big.Int).Exp(peer, c.priv, c.p)
	return c.setKey(shared.FillBytes(make([]byte, len(c.p.Bytes()))))
}
