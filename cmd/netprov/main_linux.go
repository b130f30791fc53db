package main

import (
	"context"
	"os"
	"syscall"

	"github.com/pkg/errors"
	"github.com/viamrobotics/netprov/internal/blufi"
	"github.com/viamrobotics/netprov/subsystems/networking"
	"github.com/viamrobotics/netprov/utils"
	"github.com/viamrobotics/netprov/utils/systemd"
	"go.viam.com/rdk/logging"
)

func newNetworking(ctx context.Context, logger logging.Logger, cfg utils.Config) (*networking.Networking, error) {
	nc := cfg.NetworkConfiguration

	nm, err := networking.NewNMDriver(ctx, logger.Sublogger("nm"), nc)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to NetworkManager")
	}

	deps := networking.Deps{
		Store:     networking.NewFileStore(cfg.AdvancedSettings.SettingsPath),
		Driver:    nm,
		Hotspot:   nm,
		Restarter: systemd.NewManager(logger.Sublogger("systemd")),
		Notifier:  networking.NewLogNotifier(logger.Sublogger("notify")),
	}
	if nc.ProvisioningMode == utils.ProvisioningModeBluetooth {
		deps.NewTransport = blufiTransport(logger.Sublogger("blufi"), nc)
	}

	return networking.New(ctx, logger, cfg, deps)
}

func blufiTransport(logger logging.Logger, nc utils.NetworkConfiguration) networking.TransportFactory {
	return func(handler blufi.EventHandler) (networking.Transport, error) {
		var sec blufi.Security
		switch nc.BlufiSecurity {
		case utils.BlufiSecurityNone:
			logger.Warn("BluFi security is disabled, credentials will be sent in the clear")
			sec = blufi.NoSecurity{}
		default:
			sec = blufi.NewDHSecurity()
		}
		return blufi.NewServer(logger, blufi.ServerConfig{
			DeviceName:   nc.DeviceName,
			Security:     sec,
			FragmentSize: nc.BlufiFragmentSize,
		}, handler), nil
	}
}

func ignoredSignal(sig os.Signal) bool {
	// ignore SIGURG entirely, it's used for real-time scheduling notifications
	return sig == syscall.SIGURG
}
