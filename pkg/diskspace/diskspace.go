// Package diskspace probes the free space of the filesystem that holds the
// staging directory.
//
// Detection uses platform-specific calls; unsupported platforms report the
// value as unreliable so callers can skip the check.
package diskspace

// Result holds the result of a free-space probe.
type Result struct {
	// AvailableBytes is the space available to an unprivileged user.
	AvailableBytes uint64

	// Reliable is false when the platform is unsupported or the probe failed.
	Reliable bool
}

// Available probes the filesystem containing path.
func Available(path string) Result {
	bytes, ok := availableBytes(path)
	if !ok {
		return Result{}
	}
	return Result{AvailableBytes: bytes, Reliable: true}
}

// Below reports whether a reliable probe of path found less than min bytes free.
// An unreliable probe never reports low space.
func Below(path string, min uint64) (Result, bool) {
	r := Available(path)
	return r, r.Reliable && r.AvailableBytes < min
}
