package nsenter

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// envClonedMarker is set in the environment of a process that is already
// running from a sealed memfd copy of itself, so ensureClonedBinary is
// idempotent across the stage re-execs that follow it.
const envClonedMarker = "_RUNC_GO_CLONED"

// clonedBinaryComment is the memfd name, matched against /proc/self/exe's
// basename-adjacent "(deleted)" check is not needed here since we name the
// memfd explicitly rather than relying on unlink.
const clonedBinaryComment = "runc-go:[stage-bin]"

// ensureClonedBinary re-executes the current binary from a sealed,
// anonymous in-memory copy of itself, mitigating CVE-2019-5736: a
// container process holding a writable handle to the host binary's
// /proc/self/exe can otherwise overwrite the on-disk binary a later
// bootstrap invocation would exec. Copying into a memfd, sealing it
// against further writes, and exec'ing the sealed copy instead of the
// on-disk path removes that window. A no-op once envClonedMarker is set.
func ensureClonedBinary() error {
	if os.Getenv(envClonedMarker) == "1" {
		return nil
	}

	self, err := os.Open("/proc/self/exe")
	if err != nil {
		return fmt.Errorf("open /proc/self/exe: %w", err)
	}
	defer self.Close()

	fd, err := unix.MemfdCreate(clonedBinaryComment, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return fmt.Errorf("memfd_create: %w", err)
	}
	memfd := os.NewFile(uintptr(fd), clonedBinaryComment)
	defer memfd.Close()

	if _, err := io.Copy(memfd, self); err != nil {
		return fmt.Errorf("copy self into memfd: %w", err)
	}

	if _, _, errno := unix.Syscall(unix.SYS_FCNTL, memfd.Fd(), unix.F_ADD_SEALS,
		uintptr(unix.F_SEAL_SEAL|unix.F_SEAL_SHRINK|unix.F_SEAL_GROW|unix.F_SEAL_WRITE)); errno != 0 {
		return fmt.Errorf("seal memfd: %w", errno)
	}

	env := append(os.Environ(), envClonedMarker+"=1")
	argv := append([]string{"runc-go:[stage-bin]"}, os.Args[1:]...)

	if err := unix.Execveat(int(memfd.Fd()), "", argv, env, unix.AT_EMPTY_PATH); err != nil {
		return fmt.Errorf("execveat sealed memfd: %w", err)
	}
	// unreachable: Execveat only returns on error.
	return nil
}
