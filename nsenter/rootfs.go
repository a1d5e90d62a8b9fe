package nsenter

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// rootfsPrepState tracks which of the permission-sensitive steps in the
// Rootfs Preparer have not yet completed, so the orchestrator can retry
// them after user-ns ID mapping drops the permission barrier. This
// mirrors the two "record it did not succeed, retry later" notes in
// spec.md §4.5 exactly.
type rootfsPrepState struct {
	propagationDone bool
	parentPrivDone  bool
	shiftfsDone     bool
}

// prepareRootfs runs the Rootfs Preparer in spec.md §4.5 order. It is a
// no-op unless cfg.PrepRootfs is set. state carries forward which
// permission-sensitive steps remain pending; call it again after ID
// mapping completes to retry them, this time treating failure as fatal.
func prepareRootfs(cfg *BootstrapConfig, state *rootfsPrepState, finalRetry bool) error {
	if !cfg.PrepRootfs {
		return nil
	}

	// 1. Change propagation of "/" (not the rootfs path - preserved
	// verbatim per spec.md §9's open question: the rootfs becomes its
	// own mount via the bind-to-self step below). Runs exactly once.
	if !state.propagationDone {
		if err := unix.Mount("none", "/", "", uintptr(cfg.RootfsProp), ""); err != nil {
			return fmt.Errorf("change / propagation: %w", err)
		}
		state.propagationDone = true
	}

	// 2. Attempt to make the parent mount private.
	if cfg.MakeParentPriv && !state.parentPrivDone {
		if err := unix.Mount("none", cfg.ParentMount, "", unix.MS_PRIVATE, ""); err != nil {
			if finalRetry {
				return fmt.Errorf("make parent mount %s private: %w", cfg.ParentMount, err)
			}
			// Not fatal on the first pass: euid may lack search
			// permission into the parent's ancestor path before
			// user-ns mapping is in place. Leave parentPrivDone false
			// so the retry after mapping tries again.
		} else {
			state.parentPrivDone = true
		}
	} else if !cfg.MakeParentPriv {
		state.parentPrivDone = true
	}

	// 3. Bind rootfs onto itself and apply shifting-fs mounts, only once
	// the parent-priv step has succeeded (or was never requested).
	if state.parentPrivDone && !state.shiftfsDone {
		if err := unix.Mount(".", ".", "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			if finalRetry {
				return fmt.Errorf("bind rootfs onto itself: %w", err)
			}
			return nil
		}

		if err := applyShiftfsMounts(cfg); err != nil {
			if finalRetry {
				return err
			}
			return nil
		}
		state.shiftfsDone = true
	}

	slog.Debug("rootfs prepared", "rootfs", cfg.Rootfs, "shiftfs_mounts", len(cfg.ShiftfsMounts))
	return nil
}

// applyShiftfsMounts mounts shiftfs over each configured mountpoint. A
// mountpoint equal to the configured rootfs is covered via "." onto "."
// (the caller may have already lost search permission into the rootfs
// ancestry, per spec.md §4.5.3.b); any other mountpoint is mounted over
// itself by absolute path.
func applyShiftfsMounts(cfg *BootstrapConfig) error {
	for _, mnt := range cfg.ShiftfsMounts {
		if mnt == cfg.Rootfs {
			if err := unix.Mount(".", ".", "shiftfs", 0, ""); err != nil {
				return fmt.Errorf("mount shiftfs over rootfs: %w", err)
			}
			continue
		}
		if err := unix.Mount(mnt, mnt, "shiftfs", 0, ""); err != nil {
			return fmt.Errorf("mount shiftfs over %s: %w", mnt, err)
		}
	}
	return nil
}
