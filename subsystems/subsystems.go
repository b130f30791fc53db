// Package subsystems defines the lifecycle interface shared by the daemon's long running parts.
package subsystems

import (
	"context"

	"github.com/viamrobotics/netprov/utils"
)

type Subsystem interface {
	// Start runs the subsystem
	Start(ctx context.Context) error

	// Stop signals the subsystem to shutdown
	Stop(ctx context.Context) error

	// Update applies a new config, returns true if the subsystem must be restarted for it to take effect
	Update(ctx context.Context, cfg utils.Config) bool

	// HealthCheck reports if a subsystem is running correctly
	HealthCheck(ctx context.Context) error
}
