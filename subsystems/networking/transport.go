package networking

import (
	"context"
	"time"

	"github.com/viamrobotics/netprov/internal/blufi"
)

// Transport is the BLE side of provisioning. *blufi.Server implements it.
type Transport interface {
	Start(ctx context.Context) error
	StartAdvertising() error
	StopAdvertising() error
	SendWifiReport(blufi.WifiReport) error
	SendErrorInfo(blufi.ErrorCode) error
	SendWifiList([]blufi.AccessPoint) error
	Disconnect() error
	Close() error
}

// TransportFactory builds a transport that delivers decoded events to handler.
type TransportFactory func(handler blufi.EventHandler) (Transport, error)

// Restarter reboots the device.
type Restarter interface {
	Restart(ctx context.Context) error
}

// SleepFunc waits for d, returning false if ctx ended first.
type SleepFunc func(ctx context.Context, d time.Duration) bool
