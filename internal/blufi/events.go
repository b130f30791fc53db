package blufi

import "fmt"

// GATT layout shared by the device and the phone.
const (
	ServiceUUID16 = 0xFFFF
	// Phone writes requests here.
	WriteUUID16 = 0xFF01
	// Device notifies replies here.
	NotifyUUID16 = 0xFF02
)

// EventKind identifies what a decoded frame (or a link-layer change) asks of the application.
type EventKind int

const (
	EventInitFinish EventKind = iota
	EventBleConnect
	EventBleDisconnect
	EventSetWifiOpmode
	EventReqConnectToAP
	EventReqDisconnectFromAP
	EventReportError
	EventGetWifiStatus
	EventDeauthSta
	EventGetWifiList
	EventRecvStaBssid
	EventRecvStaSsid
	EventRecvStaPasswd
	EventRecvSoftAPConfig
	EventRecvUsername
	EventRecvCertificate
	EventRecvCustomData
)

var eventNames = map[EventKind]string{
	EventInitFinish:          "init_finish",
	EventBleConnect:          "ble_connect",
	EventBleDisconnect:       "ble_disconnect",
	EventSetWifiOpmode:       "set_wifi_opmode",
	EventReqConnectToAP:      "req_connect_to_ap",
	EventReqDisconnectFromAP: "req_disconnect_from_ap",
	EventReportError:         "report_error",
	EventGetWifiStatus:       "get_wifi_status",
	EventDeauthSta:           "deauth_sta",
	EventGetWifiList:         "get_wifi_list",
	EventRecvStaBssid:        "recv_sta_bssid",
	EventRecvStaSsid:         "recv_sta_ssid",
	EventRecvStaPasswd:       "recv_sta_passwd",
	EventRecvSoftAPConfig:    "recv_softap_config",
	EventRecvUsername:        "recv_username",
	EventRecvCertificate:     "recv_certificate",
	EventRecvCustomData:      "recv_custom_data",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Event is delivered to the application for every decoded request.
type Event struct {
	Kind EventKind

	// EventSetWifiOpmode
	Mode WifiMode
	// EventReportError
	Error ErrorCode
	// Raw payload for the Recv* events.
	Data []byte
	// Frame subtype for EventRecvSoftAPConfig and EventRecvCertificate.
	Subtype uint8
}

// EventHandler receives decoded events. It is called from the transport's receive context.
type EventHandler func(Event)

// WifiMode is the radio operating mode requested by the phone.
type WifiMode uint8

const (
	WifiModeNull WifiMode = iota
	WifiModeStation
	WifiModeSoftAP
	WifiModeSoftAPStation
)

func (m WifiMode) String() string {
	switch m {
	case WifiModeNull:
		return "null"
	case WifiModeStation:
		return "station"
	case WifiModeSoftAP:
		return "softap"
	case WifiModeSoftAPStation:
		return "softap+station"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// StaConnState is the station state carried in a wifi connection report.
type StaConnState uint8

const (
	StaConnSuccess StaConnState = iota
	StaConnFail
	StaConnecting
	StaConnNoIP
)

func (s StaConnState) String() string {
	switch s {
	case StaConnSuccess:
		return "success"
	case StaConnFail:
		return "fail"
	case StaConnecting:
		return "connecting"
	case StaConnNoIP:
		return "no_ip"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ErrorCode values are sent to the phone in an error report.
type ErrorCode uint8

const (
	ErrorSequence ErrorCode = iota
	ErrorChecksum
	ErrorDecrypt
	ErrorEncrypt
	ErrorInitSecurity
	ErrorDHMalloc
	ErrorDHParam
	ErrorReadParam
	ErrorMakePublic
	ErrorDataFormat
	ErrorCalcMD5
	ErrorWifiScan
	ErrorMsgState
)

// Wifi disconnect reasons, in the numbering the phone apps understand.
const (
	ReasonUnspecified      uint8 = 1
	ReasonAuthExpire       uint8 = 2
	ReasonAssocLeave       uint8 = 8
	ReasonBeaconTimeout    uint8 = 200
	ReasonNoAPFound        uint8 = 201
	ReasonAuthFail         uint8 = 202
	ReasonAssocFail        uint8 = 203
	ReasonHandshakeTimeout uint8 = 204
	ReasonConnectionFail   uint8 = 205
)

// ExtraInfo is the optional tail of a wifi connection report. Fields are only encoded when their *Set flag is true.
type ExtraInfo struct {
	BSSID    [6]byte
	BSSIDSet bool
	SSID     []byte

	MaxConnRetry    uint8
	MaxConnRetrySet bool
	EndReason       uint8
	EndReasonSet    bool
	RSSI            int8
	RSSISet         bool
}

// WifiReport is sent in response to a status request and on link changes.
type WifiReport struct {
	Mode            WifiMode
	State           StaConnState
	SoftAPConnCount uint8
	Info            *ExtraInfo
}

// AccessPoint is one entry of a wifi list reply.
type AccessPoint struct {
	SSID string
	RSSI int8
}
