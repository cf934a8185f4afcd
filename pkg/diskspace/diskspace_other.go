//go:build !linux && !darwin && !freebsd

package diskspace

// availableBytes is not implemented on this platform.
func availableBytes(string) (uint64, bool) {
	return 0, false
}
