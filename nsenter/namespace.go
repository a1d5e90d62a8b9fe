package nsenter

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// kindToFlag maps a NamespaceKind to its CLONE_NEW* flag. Unknown names
// map to 0, matching spec.md §4.4 and the open question in spec.md §9:
// the kernel then performs a generic setns relying on the descriptor's
// own type rather than a caller-supplied hint. Every kind this module
// itself ever sends down ns_paths is one of the seven known names below,
// so the zero case only matters for a manager sending an unrecognized
// kind.
var kindToFlag = map[NamespaceKind]int{
	NSCgroup: unix.CLONE_NEWCGROUP,
	NSIPC:    unix.CLONE_NEWIPC,
	NSMount:  unix.CLONE_NEWNS,
	NSNet:    unix.CLONE_NEWNET,
	NSPid:    unix.CLONE_NEWPID,
	NSUser:   unix.CLONE_NEWUSER,
	NSUts:    unix.CLONE_NEWUTS,
}

// joinNamespaces opens every path in entries read-only, in order, before
// entering any of them, then enters each namespace by kind in the exact
// order given. The two-pass design is mandatory: once the mount
// namespace has been entered, paths from the host file tree may no
// longer be reachable from this process. Descriptors are closed after
// use regardless of outcome.
func joinNamespaces(entries []NsPathEntry) error {
	if len(entries) == 0 {
		return nil
	}

	files := make([]*os.File, len(entries))
	defer func() {
		for _, f := range files {
			if f != nil {
				f.Close()
			}
		}
	}()

	for i, e := range entries {
		f, err := os.OpenFile(e.Path, os.O_RDONLY, 0)
		if err != nil {
			return fmt.Errorf("open namespace %s:%s: %w", e.Kind, e.Path, err)
		}
		files[i] = f
	}

	for i, e := range entries {
		flag := kindToFlag[e.Kind]
		if err := unix.Setns(int(files[i].Fd()), flag); err != nil {
			return fmt.Errorf("setns %s:%s: %w", e.Kind, e.Path, err)
		}
		slog.Debug("joined namespace", "kind", e.Kind, "path", e.Path)
	}

	return nil
}
