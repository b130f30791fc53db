package utils

import (
	"io/fs"
	"os"
	"syscall"

	errw "github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func syncfs(file *os.File) error {
	return unix.Syncfs(int(file.Fd()))
}

// platform-specific UID check.
func checkPathOwner(uid int, info fs.FileInfo) error {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return errw.New("cannot convert to syscall.Stat_t")
	}
	if uid != int(stat.Uid) {
		return errw.Errorf("%s is owned by UID %d but the current UID is %d", info.Name(), stat.Uid, uid)
	}
	return nil
}
