// Package systemd installs the netprov unit and restarts the machine through systemd.
package systemd

import (
	"context"
	"os"
	"path/filepath"
	"slices"

	"github.com/pkg/errors"
	"github.com/viamrobotics/netprov/utils"
	"go.viam.com/rdk/logging"
)

const (
	ServiceName = "netprov"

	defaultServiceFileDir  = "/usr/local/lib/systemd/system"
	defaultFallbackFileDir = "/etc/systemd/system"
)

// ServiceFileContents is the unit installed by `netprov --install`.
const ServiceFileContents = `[Unit]
Description=netprov network provisioning
After=NetworkManager.service bluetooth.service
Wants=NetworkManager.service bluetooth.service
StartLimitIntervalSec=0

[Service]
Type=exec
Restart=always
RestartSec=5
User=root
ExecStart=/opt/netprov/bin/netprov --config /etc/netprov.json
KillMode=mixed
TimeoutStopSec=30

[Install]
WantedBy=multi-user.target
`

// Manager makes high-level changes to systemd services.
type Manager struct {
	exec            Executor
	serviceFileDir  string
	fallbackFileDir string
	logger          logging.Logger
}

type Option func(*Manager)

// WithExecutor replaces the systemctl subprocess runner. Tests only.
func WithExecutor(executor Executor) Option {
	return func(m *Manager) {
		m.exec = executor
	}
}

// WithDirs overrides where unit files are written. Tests only.
func WithDirs(serviceFileDir, fallbackFileDir string) Option {
	return func(m *Manager) {
		m.serviceFileDir = serviceFileDir
		m.fallbackFileDir = fallbackFileDir
	}
}

func NewManager(logger logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:          logger,
		exec:            systemctl{},
		serviceFileDir:  defaultServiceFileDir,
		fallbackFileDir: defaultFallbackFileDir,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InstallService writes (or refreshes) a unit file and reloads systemd if it changed.
// It returns the unit path and whether the service did not exist before.
func (m *Manager) InstallService(ctx context.Context, serviceName string, contents []byte) (string, bool, error) {
	if err := m.exec.IsAvailable(ctx); err != nil {
		return "", false, errors.Wrap(err, "systemd is not available")
	}

	dir := m.serviceFileDir
	searchPaths, err := m.exec.SearchPaths(ctx)
	if err != nil {
		return "", false, err
	}
	if !slices.Contains(searchPaths, dir) {
		m.logger.Warnf("systemd does not have %s in its unit search path, installing to %s", dir, m.fallbackFileDir)
		dir = m.fallbackFileDir
	}

	servicePath := filepath.Join(dir, serviceName+".service")
	_, statErr := os.Stat(servicePath)
	newInstall := statErr != nil

	m.logger.Infof("writing systemd service file to %s", servicePath)
	changed, err := utils.WriteFileIfNew(servicePath, contents)
	if err != nil {
		return "", false, errors.Wrapf(err, "writing systemd service file %s", servicePath)
	}
	if changed {
		if err := m.exec.DaemonReload(ctx); err != nil {
			return "", false, err
		}
	}
	if newInstall {
		if err := m.exec.Enable(ctx, serviceName); err != nil {
			return "", false, err
		}
	}
	return servicePath, newInstall, nil
}

// Restart reboots the machine. It satisfies the networking Restarter.
func (m *Manager) Restart(ctx context.Context) error {
	m.logger.Warn("restarting device")
	return m.exec.Reboot(ctx)
}
