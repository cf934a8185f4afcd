package diskspace

import (
	"path/filepath"
	"runtime"
	"testing"
)

func TestAvailable(t *testing.T) {
	r := Available(t.TempDir())

	switch runtime.GOOS {
	case "linux", "darwin", "freebsd":
		if !r.Reliable {
			t.Fatal("expected a reliable probe on this platform")
		}
		if r.AvailableBytes == 0 {
			t.Error("AvailableBytes = 0 on a writable temp dir")
		}
	default:
		if r.Reliable {
			t.Error("expected an unreliable probe on unsupported platform")
		}
	}
}

func TestAvailableMissingPath(t *testing.T) {
	r := Available(filepath.Join(t.TempDir(), "does", "not", "exist"))
	if r.Reliable {
		t.Error("probe of a missing path should be unreliable")
	}
}

func TestBelow(t *testing.T) {
	dir := t.TempDir()

	if _, low := Below(dir, 0); low {
		t.Error("Below(0) should never report low space")
	}

	r, low := Below(dir, ^uint64(0))
	if r.Reliable && !low {
		t.Error("Below(max) should report low space when the probe is reliable")
	}
}
