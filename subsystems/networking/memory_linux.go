package networking

import "golang.org/x/sys/unix"

func freeMemory() (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	//nolint:unconvert
	return uint64(info.Freeram) * uint64(info.Unit), nil
}
