//go:build !linux

package main

import (
	"context"
	"os"

	"github.com/viamrobotics/netprov/subsystems/networking"
	"github.com/viamrobotics/netprov/utils"
	"go.viam.com/rdk/logging"
)

func newNetworking(_ context.Context, _ logging.Logger, _ utils.Config) (*networking.Networking, error) {
	return nil, networking.ErrUnsupported
}

func ignoredSignal(_ os.Signal) bool {
	return false
}
