//go:build !linux

package networking

import (
	"context"
	"errors"

	"github.com/viamrobotics/netprov/utils"
	"go.viam.com/rdk/logging"
)

var ErrUnsupported = errors.New("wifi management requires NetworkManager on linux")

// NMDriver is only available on linux.
type NMDriver struct{ LinkDriver }

func NewNMDriver(_ context.Context, _ logging.Logger, _ utils.NetworkConfiguration) (*NMDriver, error) {
	return nil, ErrUnsupported
}

func (d *NMDriver) StartHotspot(_ context.Context, _, _ string) error {
	return ErrUnsupported
}

func (d *NMDriver) StopHotspot() error {
	return nil
}
