package utils

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

func TestWriteFileIfNew(t *testing.T) {
	contents := []byte("hello")
	path := filepath.Join(t.TempDir(), "subdir", "writeme")

	// write new
	written, err := WriteFileIfNew(path, contents)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, written, test.ShouldBeTrue)

	// unchanged
	written, err = WriteFileIfNew(path, contents)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, written, test.ShouldBeFalse)

	// changed
	written, err = WriteFileIfNew(path, []byte("other contents"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, written, test.ShouldBeTrue)

	//nolint:gosec
	got, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(got), test.ShouldEqual, "other contents")

	// no temp file is left behind
	_, err = os.Stat(path + ".tmp")
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}

func TestWritePrivateFileIfNew(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.SkipNow()
	}
	path := filepath.Join(t.TempDir(), "secret")
	written, err := WritePrivateFileIfNew(path, []byte("psk"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, written, test.ShouldBeTrue)

	info, err := os.Stat(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.Mode().Perm(), test.ShouldEqual, os.FileMode(0o600))
}

func TestDirsValues(t *testing.T) {
	MockDirs(t)
	vals := []string{}
	for val := range Dirs.Values() {
		vals = append(vals, val)
	}
	test.That(t, vals, test.ShouldResemble, []string{Dirs.Root, Dirs.Etc, Dirs.Tmp})
}

func TestInitPaths(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		MockDirs(t)
		err := InitPaths()
		test.That(t, err, test.ShouldBeNil)
		// existing directories pass the checks
		test.That(t, InitPaths(), test.ShouldBeNil)
	})

	t.Run("failure cannot create directory", func(t *testing.T) {
		if os.Getuid() == 0 {
			t.Skip("root ignores directory permissions")
		}
		td := MockDirs(t)
		err := os.Chmod(td, 0o500)
		test.That(t, err, test.ShouldBeNil)
		err = InitPaths()
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "creating directory")
	})

	t.Run("failure not directory", func(t *testing.T) {
		MockDirs(t)
		err := os.MkdirAll(Dirs.Root, 0o755)
		test.That(t, err, test.ShouldBeNil)
		f, err := os.Create(Dirs.Etc)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, f.Close(), test.ShouldBeNil)
		err = InitPaths()
		test.That(t, err, test.ShouldBeError, Dirs.Etc+" should be a directory, but is not")
	})

	t.Run("failure wrong mode", func(t *testing.T) {
		MockDirs(t)
		err := os.MkdirAll(Dirs.Etc, 0o755)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, os.Chmod(Dirs.Etc, 0o700), test.ShouldBeNil)
		err = InitPaths()
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, Dirs.Etc+" should have permission set to")
	})
}

func TestGetVersion(t *testing.T) {
	MockBuildInfo(t, "", "")
	test.That(t, GetVersion(), test.ShouldEqual, "custom")
	test.That(t, GetRevision(), test.ShouldEqual, "unknown")

	MockBuildInfo(t, "1.2.3", "abc123")
	test.That(t, GetVersion(), test.ShouldEqual, "1.2.3")
	test.That(t, GetRevision(), test.ShouldEqual, "abc123")
}

func TestHealth(t *testing.T) {
	h := NewHealth()
	test.That(t, h.IsHealthy(), test.ShouldBeFalse)
	h.MarkGood()
	test.That(t, h.IsHealthy(), test.ShouldBeTrue)

	h.Timeout = time.Millisecond
	time.Sleep(time.Millisecond * 5)
	test.That(t, h.IsHealthy(), test.ShouldBeFalse)

	test.That(t, h.Sleep(context.Background(), time.Millisecond), test.ShouldBeTrue)
	h.Timeout = time.Minute
	test.That(t, h.IsHealthy(), test.ShouldBeTrue)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	test.That(t, h.Sleep(ctx, time.Minute), test.ShouldBeFalse)
}

func TestRecover(t *testing.T) {
	var recovered any
	func() {
		defer Recover(logging.NewTestLogger(t), func(r any) { recovered = r })
		panic("boom")
	}()
	test.That(t, recovered, test.ShouldEqual, "boom")
}
