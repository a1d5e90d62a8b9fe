package container

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"runc-go/linux"
	"runc-go/logging"
	"runc-go/nsenter"
	"runc-go/spec"
)

// ociNamespaceKind translates an OCI namespace type name to the vocabulary
// the bootstrap executor's wire protocol uses (e.g. "network" -> "net",
// "mount" -> "mnt"); the time namespace has no bootstrap-executor
// equivalent and is dropped, matching spec.md's seven-namespace scope.
func ociNamespaceKind(t spec.LinuxNamespaceType) (nsenter.NamespaceKind, bool) {
	switch t {
	case spec.PIDNamespace:
		return nsenter.NSPid, true
	case spec.NetworkNamespace:
		return nsenter.NSNet, true
	case spec.MountNamespace:
		return nsenter.NSMount, true
	case spec.IPCNamespace:
		return nsenter.NSIPC, true
	case spec.UTSNamespace:
		return nsenter.NSUts, true
	case spec.UserNamespace:
		return nsenter.NSUser, true
	case spec.CgroupNamespace:
		return nsenter.NSCgroup, true
	default:
		return "", false
	}
}

// buildBootstrapConfig translates the OCI spec's namespace and ID-mapping
// configuration into the BootstrapConfig the bootstrap executor consumes.
// Rootfs-propagation preparation is deliberately left disabled
// (PrepRootfs stays false): linux.SetupRootfs, invoked later in the same
// re-exec'd process by InitContainer, already performs the broader
// propagation-plus-bind-to-self-plus-pivot_root sequence this repo uses
// for rootfs population, and running both would bind-mount the rootfs
// onto itself twice.
func buildBootstrapConfig(s *spec.Spec) *nsenter.BootstrapConfig {
	cfg := &nsenter.BootstrapConfig{}

	if s.Linux == nil {
		cfg.CloneFlags = uint32(linux.CLONE_NEWPID | linux.CLONE_NEWNS | linux.CLONE_NEWUTS | linux.CLONE_NEWIPC | linux.CLONE_NEWNET)
		return cfg
	}

	var flags uint32
	for _, ns := range s.Linux.Namespaces {
		kind, ok := ociNamespaceKind(ns.Type)
		if !ok {
			continue
		}
		if ns.Path != "" {
			cfg.NsPaths = append(cfg.NsPaths, nsenter.NsPathEntry{Kind: kind, Path: ns.Path})
			continue
		}
		flags |= uint32(linux.NamespaceFlags([]spec.LinuxNamespace{ns}))
	}
	cfg.CloneFlags = flags

	cfg.UidMap = []byte(linux.FormatIDMap(s.Linux.UIDMappings))
	cfg.GidMap = []byte(linux.FormatIDMap(s.Linux.GIDMappings))
	cfg.UidMapToolPath = "newuidmap"
	cfg.GidMapToolPath = "newgidmap"
	cfg.SetgroupsRequested = len(s.Linux.GIDMappings) > 1
	cfg.RootlessEuid = os.Geteuid() != 0

	if s.Process != nil && s.Process.OOMScoreAdj != nil {
		cfg.OomScoreAdj = []byte(fmt.Sprintf("%d", *s.Process.OOMScoreAdj))
	}

	return cfg
}

// readBootstrapPidLine reads the single JSON pid line the bootstrap
// executor's stage 0 writes to the init pipe once the init process (the
// grandchild) exists, per spec.md §6's outbound init-pipe wire format.
func readBootstrapPidLine(r io.Reader) (pid, pidFirst int, err error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil {
		return 0, 0, fmt.Errorf("read bootstrap pid line: %w", err)
	}
	var v struct {
		Pid      int `json:"pid"`
		PidFirst int `json:"pid_first"`
	}
	if err := json.Unmarshal([]byte(line), &v); err != nil {
		return 0, 0, fmt.Errorf("decode bootstrap pid line: %w", err)
	}
	return v.Pid, v.PidFirst, nil
}

// relayLogPipe copies the bootstrap executor's structured log lines into
// this process's own logging package, one slog record per line, until the
// pipe is closed (the executor process or one of its stages exited).
func relayLogPipe(r *os.File, containerID string) {
	logger := logging.WithContainer(logging.Default(), containerID)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var entry struct {
			Level string `json:"level"`
			Msg   string `json:"msg"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		switch entry.Level {
		case "fatal", "panic", "error":
			logger.Error(entry.Msg)
		case "warning":
			logger.Warn(entry.Msg)
		case "debug":
			logger.Debug(entry.Msg)
		default:
			logger.Info(entry.Msg)
		}
	}
	r.Close()
}

// killInitProcess sends SIGKILL to the container's init process (the
// bootstrap executor's stage 2/grandchild), used on the cleanup path when
// container creation fails after the init process already exists.
func killInitProcess(pid int) {
	if pid <= 0 {
		return
	}
	if p, err := os.FindProcess(pid); err == nil {
		p.Kill()
	}
}

// reapBootstrapStage waits for a stage process that the bootstrap
// executor reparented to this manager via CLONE_PARENT (or, for stage 0,
// the one it started directly), so it never becomes a zombie. Both stage
// 0 and stage 1 exit almost immediately after the grandchild/init process
// is up, per spec.md §6's exit codes.
func reapBootstrapStage(pid int) {
	if pid <= 0 {
		return
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	p.Wait()
}
