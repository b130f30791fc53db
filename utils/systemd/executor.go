package systemd

import (
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// Executor runs systemctl and friends as subprocesses. Tests swap in a fake.
type Executor interface {
	// IsAvailable returns nil if systemctl responds.
	IsAvailable(ctx context.Context) error
	DaemonReload(ctx context.Context) error
	Enable(ctx context.Context, service string) error
	// SearchPaths returns the system unit search path, split on ':'.
	SearchPaths(ctx context.Context) ([]string, error)
	// Reboot asks systemd to restart the machine. It returns once the request is queued.
	Reboot(ctx context.Context) error
}

type systemctl struct{}

func run(ctx context.Context, name string, args ...string) ([]byte, error) {
	output, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return output, errors.Wrapf(err, "running '%s %s' output: %s", name, strings.Join(args, " "), output)
	}
	return output, nil
}

func (systemctl) IsAvailable(ctx context.Context) error {
	_, err := run(ctx, "systemctl", "--version")
	return err
}

func (systemctl) DaemonReload(ctx context.Context) error {
	_, err := run(ctx, "systemctl", "daemon-reload")
	return err
}

func (systemctl) Enable(ctx context.Context, service string) error {
	_, err := run(ctx, "systemctl", "enable", service)
	return err
}

func (systemctl) SearchPaths(ctx context.Context) ([]string, error) {
	output, err := run(ctx, "systemd-path", "systemd-search-system-unit")
	if err != nil {
		return nil, err
	}
	return strings.Split(strings.TrimSpace(string(output)), ":"), nil
}

func (systemctl) Reboot(ctx context.Context) error {
	_, err := run(ctx, "systemctl", "reboot")
	return err
}
