package nsenter

import (
	"os"
	"testing"
)

func TestEnsureClonedBinaryIdempotent(t *testing.T) {
	old, had := os.LookupEnv(envClonedMarker)
	os.Setenv(envClonedMarker, "1")
	defer func() {
		if had {
			os.Setenv(envClonedMarker, old)
		} else {
			os.Unsetenv(envClonedMarker)
		}
	}()

	// With the marker already set, ensureClonedBinary must return
	// immediately without touching memfd/exec machinery.
	if err := ensureClonedBinary(); err != nil {
		t.Errorf("ensureClonedBinary() with marker set = %v, want nil", err)
	}
}
