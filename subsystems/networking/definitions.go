package networking

import (
	"errors"
	"fmt"
	"sync"
	"time"

	errw "github.com/pkg/errors"
	pb "go.viam.com/api/provisioning/v1"
)

// This file contains type, const, and var definitions.

const (
	SubsysName = "networking"

	NetworkTypeWifi = "wifi"

	PortalBindAddr = "10.42.0.1"
	PortalURL      = "http://" + PortalBindAddr

	webPort  = 80
	grpcPort = 4772

	// namespaces and keys in the settings store
	NamespaceWifi      = "wifi"
	NamespaceWebsocket = "websocket"
	KeyForceAP         = "force_ap"
	KeySsidList        = "ssid_list"
	KeyURL             = "url"

	maxSSIDLen       = 32
	maxPasswordLen   = 64
	maxSavedNetworks = 10
	maxConnRetry     = 5
	eventQueueLen    = 32

	rssiInvalid   int8  = -128
	reasonInvalid uint8 = 255

	alertSound = "wificonfig"
)

var (
	notifyDuration    = time.Second * 30
	heartbeatInterval = time.Second * 10
	resetDelay        = time.Second
	retryDelay        = time.Second
	restartGrace      = time.Second * 3
	scanTimeout       = time.Second * 30
	// longer than the 45 second timeout in NetworkManager
	activateTimeout = time.Second * 50

	ErrBadPassword       = errors.New("bad or missing password")
	ErrNoSSID            = errors.New("no SSID provided")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrModeAlreadySet    = errors.New("provisioning mode already set, restart to change it")
	ErrNotRunning        = errors.New("networking not running")
)

// ProvisioningMode is fixed once per process.
type ProvisioningMode int

const (
	ModeUnknown ProvisioningMode = iota
	ModeStation
	ModeConfigAccessPoint
	ModeConfigBle
)

func (m ProvisioningMode) String() string {
	switch m {
	case ModeUnknown:
		return "unknown"
	case ModeStation:
		return "station"
	case ModeConfigAccessPoint:
		return "config_ap"
	case ModeConfigBle:
		return "config_ble"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// State is the orchestrator's position in the boot flow.
type State int

const (
	StateBoot State = iota
	StateDirectConnect
	StateConnected
	StateConfigMode
	// StateHalted waits for a restart. Credentials may already have been accepted.
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateBoot:
		return "boot"
	case StateDirectConnect:
		return "direct_connect"
	case StateConnected:
		return "connected"
	case StateConfigMode:
		return "config_mode"
	case StateHalted:
		return "halted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var validTransitions = map[State][]State{
	StateBoot:          {StateDirectConnect, StateConfigMode},
	StateDirectConnect: {StateConnected, StateConfigMode},
	StateConfigMode:    {StateHalted},
}

func checkTransition(from, to State) error {
	for _, next := range validTransitions[from] {
		if next == to {
			return nil
		}
	}
	return errw.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
}

type NetworkInfo struct {
	Type      string
	SSID      string
	Security  string
	Signal    int32
	RSSI      int8
	Connected bool
	LastError string
}

func NetworkInfoToProto(net *NetworkInfo) *pb.NetworkInfo {
	return &pb.NetworkInfo{
		Type:      net.Type,
		Ssid:      net.SSID,
		Security:  net.Security,
		Signal:    net.Signal,
		Connected: net.Connected,
		LastError: net.LastError,
	}
}

// signalToRSSI approximates dBm from NetworkManager's 0-100 strength.
func signalToRSSI(signal uint8) int8 {
	if signal > 100 {
		signal = 100
	}
	return int8(int(signal)/2 - 100)
}

// channelFromFrequency maps a center frequency in MHz to its 802.11 channel number.
func channelFromFrequency(freq uint32) int {
	switch {
	case freq == 2484:
		return 14
	case freq >= 2412 && freq < 2484:
		return int(freq-2407) / 5
	case freq >= 5000 && freq < 5900:
		return int(freq-5000) / 5
	case freq >= 5955 && freq < 7125:
		return int(freq-5950) / 5
	default:
		return 0
	}
}

type errorList struct {
	mu     sync.Mutex
	errors []error
}

func (e *errorList) Add(err ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors = append(e.errors, err...)
}

func (e *errorList) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors = []error{}
}

func (e *errorList) Strings() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.errors))
	for _, err := range e.errors {
		out = append(out, err.Error())
	}
	return out
}

type banner struct {
	mu     sync.Mutex
	banner string
}

func (b *banner) Set(banner string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.banner = banner
}

func (b *banner) Get() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.banner
}
