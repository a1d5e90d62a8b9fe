package nsenter

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestKindToFlag(t *testing.T) {
	tests := []struct {
		kind NamespaceKind
		want int
	}{
		{NSCgroup, unix.CLONE_NEWCGROUP},
		{NSIPC, unix.CLONE_NEWIPC},
		{NSMount, unix.CLONE_NEWNS},
		{NSNet, unix.CLONE_NEWNET},
		{NSPid, unix.CLONE_NEWPID},
		{NSUser, unix.CLONE_NEWUSER},
		{NSUts, unix.CLONE_NEWUTS},
	}
	for _, tt := range tests {
		if got := kindToFlag[tt.kind]; got != tt.want {
			t.Errorf("kindToFlag[%s] = %#x, want %#x", tt.kind, got, tt.want)
		}
	}
}

func TestKindToFlagUnknownIsZero(t *testing.T) {
	if got := kindToFlag[NamespaceKind("bogus")]; got != 0 {
		t.Errorf("kindToFlag[bogus] = %#x, want 0", got)
	}
}

func TestJoinNamespacesEmpty(t *testing.T) {
	if err := joinNamespaces(nil); err != nil {
		t.Errorf("joinNamespaces(nil) = %v, want nil", err)
	}
	if err := joinNamespaces([]NsPathEntry{}); err != nil {
		t.Errorf("joinNamespaces(empty) = %v, want nil", err)
	}
}

func TestJoinNamespacesMissingPath(t *testing.T) {
	err := joinNamespaces([]NsPathEntry{{Kind: NSNet, Path: "/does/not/exist/ns"}})
	if err == nil {
		t.Fatal("expected error opening a nonexistent namespace path, got nil")
	}
}
