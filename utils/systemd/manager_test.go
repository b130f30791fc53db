package systemd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

var myServiceBytes = []byte(`
[Unit]
Description=Fake test service

[Service]
Type=exec
ExecStart=/usr/bin/false
`)

func TestInstallService(t *testing.T) {
	tests := []struct {
		name                 string
		includeNewSearchPath bool
		previous             []byte
		wantReload           int
		wantEnable           int
	}{
		{
			name:                 "new install in default directory",
			includeNewSearchPath: true,
			wantReload:           1,
			wantEnable:           1,
		},
		{
			name:       "new install in fallback directory",
			wantReload: 1,
			wantEnable: 1,
		},
		{
			name:                 "identical install",
			includeNewSearchPath: true,
			previous:             myServiceBytes,
		},
		{
			name:                 "outdated install",
			includeNewSearchPath: true,
			previous:             []byte("[Unit]\n"),
			wantReload:           1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			td := t.TempDir()
			defaultDir := filepath.Join(td, "default")
			fallbackDir := filepath.Join(td, "fallback")
			executor := &fakeExecutor{searchPaths: []string{fallbackDir}}
			if tc.includeNewSearchPath {
				executor.searchPaths = []string{defaultDir, fallbackDir}
			}

			wantDir := fallbackDir
			if tc.includeNewSearchPath {
				wantDir = defaultDir
			}
			if tc.previous != nil {
				test.That(t, os.MkdirAll(wantDir, 0o755), test.ShouldBeNil)
				test.That(t, os.WriteFile(filepath.Join(wantDir, "my-service.service"), tc.previous, 0o644), test.ShouldBeNil)
			}

			manager := NewManager(logging.NewTestLogger(t), WithExecutor(executor), WithDirs(defaultDir, fallbackDir))
			path, newInstall, err := manager.InstallService(context.Background(), "my-service", myServiceBytes)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, path, test.ShouldEqual, filepath.Join(wantDir, "my-service.service"))
			test.That(t, newInstall, test.ShouldEqual, tc.previous == nil)
			test.That(t, executor.reloads, test.ShouldEqual, tc.wantReload)
			test.That(t, executor.enabled, test.ShouldHaveLength, tc.wantEnable)

			contents, err := os.ReadFile(path)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, contents, test.ShouldResemble, myServiceBytes)
		})
	}
}

func TestRestart(t *testing.T) {
	executor := &fakeExecutor{}
	manager := NewManager(logging.NewTestLogger(t), WithExecutor(executor))
	test.That(t, manager.Restart(context.Background()), test.ShouldBeNil)
	test.That(t, executor.reboots, test.ShouldEqual, 1)
}

type fakeExecutor struct {
	searchPaths []string
	reloads     int
	reboots     int
	enabled     []string
}

func (f *fakeExecutor) IsAvailable(context.Context) error { return nil }

func (f *fakeExecutor) DaemonReload(context.Context) error {
	f.reloads++
	return nil
}

func (f *fakeExecutor) Enable(_ context.Context, service string) error {
	f.enabled = append(f.enabled, service)
	return nil
}

func (f *fakeExecutor) SearchPaths(context.Context) ([]string, error) {
	return f.searchPaths, nil
}

func (f *fakeExecutor) Reboot(context.Context) error {
	f.reboots++
	return nil
}
