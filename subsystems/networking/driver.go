package networking

import (
	"context"
	"fmt"
	"time"

	"github.com/viamrobotics/netprov/internal/blufi"
)

// RadioMode is the operating mode of the wifi radio.
type RadioMode uint8

const (
	RadioModeNull RadioMode = iota
	RadioModeStation
	RadioModeAccessPoint
	RadioModeAccessPointStation
)

func radioModeFromBlufi(m blufi.WifiMode) RadioMode {
	switch m {
	case blufi.WifiModeStation:
		return RadioModeStation
	case blufi.WifiModeSoftAP:
		return RadioModeAccessPoint
	case blufi.WifiModeSoftAPStation:
		return RadioModeAccessPointStation
	case blufi.WifiModeNull:
		return RadioModeNull
	default:
		return RadioModeNull
	}
}

func (m RadioMode) blufi() blufi.WifiMode {
	switch m {
	case RadioModeStation:
		return blufi.WifiModeStation
	case RadioModeAccessPoint:
		return blufi.WifiModeSoftAP
	case RadioModeAccessPointStation:
		return blufi.WifiModeSoftAPStation
	case RadioModeNull:
		return blufi.WifiModeNull
	default:
		return blufi.WifiModeNull
	}
}

// AuthMode is the weakest security a station config will accept.
type AuthMode int

const (
	AuthOpen AuthMode = iota
	AuthWPA2PSK
)

// StationConfig is the network the driver joins on Connect.
type StationConfig struct {
	SSID      string
	Password  string
	BSSID     [6]byte
	BSSIDSet  bool
	Threshold AuthMode
}

type LinkEventKind int

const (
	LinkStaStart LinkEventKind = iota
	LinkStaConnected
	LinkStaDisconnected
	LinkGotIP
)

func (k LinkEventKind) String() string {
	switch k {
	case LinkStaStart:
		return "sta_start"
	case LinkStaConnected:
		return "sta_connected"
	case LinkStaDisconnected:
		return "sta_disconnected"
	case LinkGotIP:
		return "got_ip"
	default:
		return fmt.Sprintf("link_event(%d)", int(k))
	}
}

// LinkEvent is a raw station event. Reason uses the wifi reason codes the BluFi apps understand.
type LinkEvent struct {
	Kind   LinkEventKind
	SSID   string
	BSSID  [6]byte
	Reason uint8
	RSSI   int8
	IP     string
}

// LinkDriver owns the station interface.
type LinkDriver interface {
	// Start joins the best visible network from saved, reporting progress through the On* callbacks.
	Start(ctx context.Context, saved []Credential) error
	// StartStation brings the radio up in station mode without joining anything.
	StartStation(ctx context.Context) error
	Stop() error

	IsConnected() bool
	RSSI() int8
	SSID() string
	Channel() int
	IPAddress() string
	MACAddress() string

	WaitForConnected(ctx context.Context, timeout time.Duration) bool

	OnScanBegin(func())
	OnConnect(func(ssid string))
	OnConnected(func(ssid string))

	// Subscribe registers the receiver of raw link events.
	Subscribe(func(LinkEvent))
	Connect() error
	Disconnect() error
	SetMode(RadioMode) error
	SetStationConfig(StationConfig) error
	StationConfig() StationConfig
	Scan(ctx context.Context) ([]NetworkInfo, error)
}

// HotspotDriver hosts the configuration access point.
type HotspotDriver interface {
	StartHotspot(ctx context.Context, ssid, psk string) error
	StopHotspot() error
}
