package utils

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

// MockAndCreateDirs calls [MockDirs], then creates all those directories.
// It returns the temporary directory that is the parent of the root directory.
func MockAndCreateDirs(t *testing.T) string {
	t.Helper()
	td := MockDirs(t)
	for dir := range Dirs.Values() {
		//nolint: gosec
		err := os.MkdirAll(dir, 0o755)
		test.That(t, err, test.ShouldBeNil)
	}
	return td
}

// MockDirs replaces utils.Dirs members with paths in t.TempDir for duration of test.
// It returns the temporary directory that is the parent of the root directory.
func MockDirs(t *testing.T) string {
	t.Helper()
	old := Dirs
	t.Cleanup(func() {
		Dirs = old
	})
	td := t.TempDir()
	root := filepath.Join(td, "netprov")
	Dirs = DirsData{
		Root: root,
		Etc:  filepath.Join(root, "etc"),
		Tmp:  filepath.Join(root, "tmp"),
	}
	return td
}

func MockBuildInfo(t *testing.T, version, revision string) {
	originalVersion := Version
	originalRevision := GitRevision
	t.Cleanup(func() {
		Version = originalVersion
		GitRevision = originalRevision
	})
	Version = version
	GitRevision = revision
}
