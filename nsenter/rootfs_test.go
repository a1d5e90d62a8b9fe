package nsenter

import "testing"

func TestPrepareRootfsNoopWhenDisabled(t *testing.T) {
	cfg := &BootstrapConfig{PrepRootfs: false}
	var state rootfsPrepState

	if err := prepareRootfs(cfg, &state, false); err != nil {
		t.Fatalf("prepareRootfs first pass: %v", err)
	}
	if err := prepareRootfs(cfg, &state, true); err != nil {
		t.Fatalf("prepareRootfs final retry: %v", err)
	}
	if state.propagationDone || state.parentPrivDone || state.shiftfsDone {
		t.Errorf("state advanced despite PrepRootfs=false: %+v", state)
	}
}

func TestRootfsPrepStateZeroValueIsAllPending(t *testing.T) {
	var state rootfsPrepState
	if state.propagationDone || state.parentPrivDone || state.shiftfsDone {
		t.Errorf("zero-value rootfsPrepState should have every step pending, got %+v", state)
	}
}
