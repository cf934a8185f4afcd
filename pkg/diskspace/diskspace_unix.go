//go:build linux || darwin || freebsd

package diskspace

import "golang.org/x/sys/unix"

// availableBytes returns the bytes available to non-root users using statfs.
func availableBytes(path string) (uint64, bool) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, false
	}
	return uint64(st.Bavail) * uint64(st.Bsize), true
}
