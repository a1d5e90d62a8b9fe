package nsenter

import (
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// syncSocket wraps one end of a socketpair used as a half-duplex
// synchronization channel per spec.md §4.6. Every read or write is a
// whole message; short reads/writes are always fatal to the caller.
type syncSocket struct {
	f *os.File
}

func newSyncSocket(f *os.File) *syncSocket { return &syncSocket{f: f} }

func (s *syncSocket) Close() error { return s.f.Close() }

func (s *syncSocket) File() *os.File { return s.f }

// send writes a single sync message byte.
func (s *syncSocket) send(msg SyncMessage) error {
	_, err := s.f.Write([]byte{byte(msg)})
	if err != nil {
		return fmt.Errorf("send %s: %w", msg, err)
	}
	return nil
}

// recv reads a single sync message byte. EOF or a short read is reported
// as an error, which callers treat as fatal per spec.md §5.
func (s *syncSocket) recv() (SyncMessage, error) {
	var buf [1]byte
	if _, err := io.ReadFull(s.f, buf[:]); err != nil {
		return 0, fmt.Errorf("recv sync message: %w", err)
	}
	return SyncMessage(buf[0]), nil
}

// sendPid writes RECVPID_PLS followed by the pid as a native-endian
// pid_t, as one logical message per spec.md §4.6.
func (s *syncSocket) sendPid(pid int) error {
	if err := s.send(RecvpidPls); err != nil {
		return err
	}
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], uint32(pid))
	if _, err := s.f.Write(buf[:]); err != nil {
		return fmt.Errorf("send pid: %w", err)
	}
	return nil
}

// recvPid reads the pid_t that follows a RECVPID_PLS byte. The caller is
// expected to have already consumed the RECVPID_PLS tag via recv.
func (s *syncSocket) recvPid() (int, error) {
	var buf [4]byte
	if _, err := io.ReadFull(s.f, buf[:]); err != nil {
		return 0, fmt.Errorf("recv pid: %w", err)
	}
	return int(binary.NativeEndian.Uint32(buf[:])), nil
}

// newSyncPair allocates a stream socketpair, cloexec by default so the
// ends are not leaked across unrelated execs; ExtraFiles explicitly
// un-cloexecs the one fd handed to a given re-exec'd child.
func newSyncPair() (end0, end1 *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "nsenter-sync"), os.NewFile(uintptr(fds[1]), "nsenter-sync"), nil
}

// handoff carries the BootstrapConfig and the small amount of
// stage-local mutable state across the self re-exec that stands in for
// the original's raw fork (see stage.go for why). It is never written to
// the manager's init pipe and has no forward-compatibility requirement,
// so a gob stream is an appropriate, low-ceremony wire format for it.
type handoff struct {
	Config BootstrapConfig

	// NewUserns records whether stage 1 unshared a user namespace, purely
	// for diagnostic purposes on the stage 2 side; stage 2's own behavior
	// does not depend on it.
	NewUserns bool

	// SelfPath is the real on-disk executable path, captured once in
	// runInitialEntry before ensureClonedBinary's memfd exec makes
	// os.Executable() unusable for further re-execs. Carried forward so
	// stage 1 can still clone stage 2 correctly.
	SelfPath string
}

func init() {
	gob.Register(handoff{})
}

// writeHandoff gob-encodes h onto w, used to populate the pipe passed to
// a re-exec'd stage via ExtraFiles.
func writeHandoff(w io.Writer, h *handoff) error {
	return gob.NewEncoder(w).Encode(h)
}

// readHandoff decodes a handoff previously written by writeHandoff.
func readHandoff(r io.Reader) (*handoff, error) {
	var h handoff
	if err := gob.NewDecoder(r).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode stage handoff: %w", err)
	}
	return &h, nil
}
