// Package utils contains helper functions shared between the daemon and subsystems
package utils

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

var (
	// versions embedded at build time.
	Version     = ""
	GitRevision = ""

	Dirs = DirsData{
		Root: "/opt/netprov",
		Etc:  "/opt/netprov/etc",
		Tmp:  "/opt/netprov/tmp",
	}

	HealthCheckTimeout = time.Minute
)

// DirsData holds the on-disk locations used by the daemon.
type DirsData struct {
	Root string
	Etc  string
	Tmp  string
}

// Values iterates over every directory.
func (d DirsData) Values() iter.Seq[string] {
	return slices.Values([]string{d.Root, d.Etc, d.Tmp})
}

// GetVersion returns the version embedded at build time.
func GetVersion() string {
	if Version == "" {
		return "custom"
	}
	return Version
}

// GetRevision returns the git revision embedded at build time.
func GetRevision() string {
	if GitRevision == "" {
		return "unknown"
	}
	return GitRevision
}

// InitPaths creates the directory structure, and checks ownership of any that already exist.
func InitPaths() error {
	uid := os.Getuid()
	expectedPerms := os.FileMode(0o755)
	for p := range Dirs.Values() {
		info, err := os.Stat(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				//nolint:gosec
				if err := os.MkdirAll(p, 0o755); err != nil {
					return errw.Wrapf(err, "creating directory %s", p)
				}
				continue
			}
			return errw.Wrapf(err, "checking directory %s", p)
		}
		if err := checkPathOwner(uid, info); err != nil {
			return err
		}
		if !info.IsDir() {
			return errw.Errorf("%s should be a directory, but is not", p)
		}
		if info.Mode().Perm() != expectedPerms {
			return errw.Errorf("%s should have permission set to %#o, but has permissions %#o", p, expectedPerms, info.Mode().Perm())
		}
	}
	return nil
}

// WriteFileIfNew writes data to outPath unless the file already holds exactly that data.
// Returns true if the file was (re)written.
func WriteFileIfNew(outPath string, data []byte) (bool, error) {
	return writeFileIfNew(outPath, data, 0o644)
}

// WritePrivateFileIfNew is WriteFileIfNew for files holding secrets.
func WritePrivateFileIfNew(outPath string, data []byte) (bool, error) {
	return writeFileIfNew(outPath, data, 0o600)
}

func writeFileIfNew(outPath string, data []byte, perm os.FileMode) (bool, error) {
	//nolint:gosec
	curFileBytes, err := os.ReadFile(outPath)
	if err != nil {
		if !errw.Is(err, fs.ErrNotExist) {
			return false, errw.Wrapf(err, "opening %s for reading", outPath)
		}
	} else if bytes.Equal(curFileBytes, data) {
		return false, nil
	}

	//nolint:gosec
	if err := os.MkdirAll(path.Dir(outPath), 0o755); err != nil {
		return true, errw.Wrapf(err, "creating directory for %s", outPath)
	}

	// write then rename, so a power cut never leaves a half-written file
	tmpPath := outPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, perm); err != nil {
		return true, errw.Wrapf(err, "writing %s", tmpPath)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return true, errw.Wrapf(err, "renaming %s", tmpPath)
	}

	return true, SyncFS(outPath)
}

// SyncFS flushes the filesystem containing syncPath.
func SyncFS(syncPath string) (errRet error) {
	file, errRet := os.Open(filepath.Dir(syncPath))
	if errRet != nil {
		return errw.Wrapf(errRet, "syncing fs %s", syncPath)
	}
	err := syncfs(file)
	if err != nil {
		errRet = errw.Wrapf(err, "syncing fs %s", syncPath)
	}
	return errors.Join(errRet, file.Close())
}

type Health struct {
	mu      sync.Mutex
	last    time.Time
	Timeout time.Duration
}

func NewHealth() *Health {
	return &Health{Timeout: HealthCheckTimeout}
}

func (h *Health) MarkGood() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = time.Now()
}

// Sleep waits for timeout (marking health afterwards), returning false if ctx was cancelled first.
func (h *Health) Sleep(ctx context.Context, timeout time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(timeout):
		h.mu.Lock()
		defer h.mu.Unlock()
		h.last = time.Now()
		return true
	}
}

func (h *Health) IsHealthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Since(h.last) < h.Timeout
}

func Recover(logger logging.Logger, inner func(r any)) {
	// if something panicked, log it and allow things to continue
	r := recover()
	if r != nil {
		logger.Error("encountered a panic, attempting to recover")
		logger.Errorf("panic: %s\n%s", r, debug.Stack())
		if inner != nil {
			inner(r)
		}
	}
}
