package nsenter

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Bootstrap is the single entry point called at process startup, standing
// in for the setjmp/longjmp-unified dispatch described in spec.md §4.7: a
// tagged-state dispatcher rather than a nonlocal jump. Every invocation of
// the binary - the manager's original exec, and every stage's self
// re-exec - runs this same function; envStageTag distinguishes a fresh
// entry (stage 0) from a re-exec continuing as stage 1 or 2.
//
// Stages 0 and 1 terminate the process directly on both their success and
// failure paths, per spec.md §6's exit codes; only stage 2 returns,
// leaving execution inside the caller's program as the manager's runtime.
// The bool result tells the caller whether this invocation just finished
// stage 2 and should now continue on as the container's init process
// (argv at that point is the internal stage sentinel, not the "init"
// subcommand the manager originally invoked, so the caller cannot rely on
// its own argv parsing to notice this the way it would for a plain
// `runc-go init` invocation).
func Bootstrap() (continueAsInit bool, err error) {
	if tag := os.Getenv(envStageTag); tag != "" {
		return dispatchReexecStage(tag)
	}
	return false, runInitialEntry()
}

// runInitialEntry implements spec.md §4.1's seven steps, then enters the
// Stage Orchestrator as stage 0 (PARENT).
func runInitialEntry() error {
	sink, err := newLogSink()
	if err != nil {
		fmt.Fprintf(os.Stderr, "nsenter: log sink: %v\n", err)
		os.Exit(1)
	}
	installSlogDefault(sink)

	initPipeVal := os.Getenv(EnvInitPipe)
	if initPipeVal == "" {
		return nil
	}
	initPipeFd, err := parseFd(initPipeVal)
	if err != nil {
		die(sink, "init pipe", err)
	}
	initPipe := os.NewFile(uintptr(initPipeFd), "nsenter-initpipe")

	// Resolve the real on-disk executable before ensureClonedBinary
	// re-execs from a sealed memfd: once that exec has happened,
	// os.Executable() (and /proc/self/exe) resolve to the pseudo-path of
	// the memfd itself (e.g. "/memfd:runc-go:[stage-bin]"), which does
	// not exist as an exec'able file path. Stage 1 and 2's re-execs need
	// the real path, so it is captured once here and threaded through
	// the handoff rather than re-derived after the memfd exec.
	selfPath, err := os.Executable()
	if err != nil {
		die(sink, "resolve self executable", err)
	}

	if err := ensureClonedBinary(); err != nil {
		die(sink, "ensure cloned binary", err)
	}

	cfg, err := ParseBootstrapMessage(initPipe)
	if err != nil {
		die(sink, "parse bootstrap message", err)
	}

	if err := writeOomScoreAdj("/proc/self/oom_score_adj", []byte("-999")); err != nil {
		die(sink, "initial oom_score_adj", err)
	}

	if len(cfg.NsPaths) > 0 {
		if err := setDumpable(false); err != nil {
			die(sink, "set non-dumpable", err)
		}
	}

	childEnd0, childEnd1, err := newSyncPair()
	if err != nil {
		die(sink, "allocate child-sync pair", err)
	}
	gcEnd0, gcEnd1, err := newSyncPair()
	if err != nil {
		die(sink, "allocate grandchild-sync pair", err)
	}

	runStage0(cfg, initPipe, sink, selfPath, childEnd0, childEnd1, gcEnd0, gcEnd1)
	panic("unreachable: runStage0 always exits")
}

func dispatchReexecStage(tag string) (bool, error) {
	handoffFd, err := parseFd(os.Getenv(envHandoffFd))
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", envHandoffFd, err)
	}
	handoffFile := os.NewFile(uintptr(handoffFd), "nsenter-handoff")
	h, err := readHandoff(handoffFile)
	handoffFile.Close()
	if err != nil {
		return false, err
	}

	sink, err := newLogSink()
	if err != nil {
		fmt.Fprintf(os.Stderr, "nsenter: log sink: %v\n", err)
		os.Exit(1)
	}
	installSlogDefault(sink)

	var initPipe *os.File
	if v := os.Getenv(EnvInitPipe); v != "" {
		fd, err := parseFd(v)
		if err != nil {
			die(sink, "init pipe", err)
		}
		initPipe = os.NewFile(uintptr(fd), "nsenter-initpipe")
	}

	switch tag {
	case "1":
		childSyncFd, err := parseFd(os.Getenv(envChildSyncFd))
		if err != nil {
			die(sink, "child-sync fd", err)
		}
		gcSyncFd, err := parseFd(os.Getenv(envGcSyncFd))
		if err != nil {
			die(sink, "grandchild-sync fd", err)
		}
		childEnd0 := os.NewFile(uintptr(childSyncFd), "nsenter-childsync")
		gcEnd0 := os.NewFile(uintptr(gcSyncFd), "nsenter-gcsync")
		runStage1(&h.Config, h.SelfPath, initPipe, sink, childEnd0, gcEnd0)
		panic("unreachable: runStage1 always exits")
	case "2":
		gcSyncFd, err := parseFd(os.Getenv(envGcSyncFd))
		if err != nil {
			die(sink, "grandchild-sync fd", err)
		}
		gcEnd0 := os.NewFile(uintptr(gcSyncFd), "nsenter-gcsync")
		if err := runStage2(&h.Config, initPipe, sink, gcEnd0); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, fmt.Errorf("unknown stage tag %q", tag)
	}
}

// reexecStage re-executes self with CLONE_PARENT so the manager (the
// topmost caller, not this process) becomes the new stage's parent,
// matching spec.md §4.7's "both forks use CLONE_PARENT|SIGCHLD". self
// must be the real on-disk executable path captured before
// ensureClonedBinary's memfd exec (see runInitialEntry): once that exec
// has happened, os.Executable() no longer resolves to something
// exec'able, so callers pass the path along explicitly instead of
// re-deriving it here. logPipe, initPipe, childSync, gcSync are
// forwarded when non-nil; each gets a fresh fd number in the child's
// table, recorded via environment variables the child reads back on its
// own dispatch.
func reexecStage(stage int, self string, h *handoff, logPipe, initPipe, childSync, gcSync *os.File) (*exec.Cmd, error) {
	handoffR, handoffW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("allocate handoff pipe: %w", err)
	}

	files := []*os.File{handoffR}
	env := append(append([]string{}, os.Environ()...), fmt.Sprintf("%s=%d", envStageTag, stage), fmt.Sprintf("%s=3", envHandoffFd))
	nextFd := 4

	addFile := func(f *os.File, envName string) {
		if f == nil {
			return
		}
		files = append(files, f)
		env = append(env, fmt.Sprintf("%s=%d", envName, nextFd))
		nextFd++
	}
	addFile(logPipe, EnvLogPipe)
	addFile(initPipe, EnvInitPipe)
	addFile(childSync, envChildSyncFd)
	addFile(gcSync, envGcSyncFd)

	cmd := exec.Command(self, stageReexecArg)
	cmd.ExtraFiles = files
	cmd.Env = env
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Cloneflags: unix.CLONE_PARENT}

	if err := cmd.Start(); err != nil {
		handoffR.Close()
		handoffW.Close()
		return nil, fmt.Errorf("start stage %d: %w", stage, err)
	}
	handoffR.Close()

	go func() {
		if err := writeHandoff(handoffW, h); err != nil {
			fmt.Fprintf(os.Stderr, "nsenter: write stage %d handoff: %v\n", stage, err)
		}
		handoffW.Close()
	}()

	return cmd, nil
}

// ---- Stage 0 (PARENT) --------------------------------------------------

func runStage0(cfg *BootstrapConfig, initPipe *os.File, sink *logSink, selfPath string, childEnd0, childEnd1, gcEnd0, gcEnd1 *os.File) {
	renameSelf("runc:[0:PARENT]")

	var logPipeFile *os.File
	if sink != nil {
		logPipeFile = sink.f
	}

	h1 := &handoff{Config: *cfg, SelfPath: selfPath}
	cmd1, err := reexecStage(1, selfPath, h1, logPipeFile, initPipe, childEnd0, gcEnd0)
	if err != nil {
		die(sink, "clone stage 1", err)
	}
	childEnd0.Close()
	gcEnd0.Close()

	sock := newSyncSocket(childEnd1)
	var firstChild int
	for {
		msg, err := sock.recv()
		if err != nil {
			killProcess(cmd1.Process)
			die(sink, "stage 0 recv from stage 1", err)
		}
		switch msg {
		case UsermapPls:
			if err := applyUserMapping(cmd1.Process.Pid, cfg); err != nil {
				killProcess(cmd1.Process)
				die(sink, "apply user mapping", err)
			}
			if err := sock.send(UsermapAck); err != nil {
				killProcess(cmd1.Process)
				die(sink, "send USERMAP_ACK", err)
			}
		case RecvpidPls:
			firstChild = cmd1.Process.Pid
			grandchild, err := sock.recvPid()
			if err != nil {
				killProcess(cmd1.Process)
				die(sink, "recv grandchild pid", err)
			}
			if err := sock.send(RecvpidAck); err != nil {
				killProcess(cmd1.Process)
				die(sink, "send RECVPID_ACK", err)
			}
			if err := writePidLine(initPipe, grandchild, firstChild); err != nil {
				killProcess(cmd1.Process)
				die(sink, "write pid line", err)
			}
		case ChildReady:
			goto grandchildPhase
		default:
			killProcess(cmd1.Process)
			die(sink, "stage 0 sync", fmt.Errorf("unexpected message %s", msg))
		}
	}

grandchildPhase:
	sock.Close()

	gcSock := newSyncSocket(gcEnd1)
	if err := gcSock.send(Grandchild); err != nil {
		die(sink, "send GRANDCHILD", err)
	}
	msg, err := gcSock.recv()
	if err != nil {
		die(sink, "recv from stage 2", err)
	}
	if msg != ChildReady {
		die(sink, "stage 0 grandchild sync", fmt.Errorf("unexpected message %s", msg))
	}
	gcSock.Close()

	os.Exit(0)
}

// applyUserMapping writes the setgroups policy (if needed), then the
// uid_map and gid_map of pid, matching spec.md §4.7 stage 0's USERMAP_PLS
// handler and the ordering invariant in spec.md §3: setgroups "deny" must
// land before the gid map whenever rootless and setgroups is not requested.
// An empty uid_map means no mapping is attempted at all, per spec.md §8's
// boundary behaviors: no setgroups policy is written either, even if it
// would otherwise be requested.
func applyUserMapping(pid int, cfg *BootstrapConfig) error {
	if len(cfg.UidMap) > 0 && cfg.RootlessEuid && !cfg.SetgroupsRequested {
		if err := writeSetgroups(pid, false); err != nil {
			return err
		}
	}
	if err := writeIDMap(pid, "uid", cfg.UidMap, cfg.UidMapToolPath); err != nil {
		return err
	}
	if err := writeIDMap(pid, "gid", cfg.GidMap, cfg.GidMapToolPath); err != nil {
		return err
	}
	return nil
}

func writePidLine(initPipe *os.File, pid, pidFirst int) error {
	line, err := json.Marshal(struct {
		Pid      int `json:"pid"`
		PidFirst int `json:"pid_first"`
	}{Pid: pid, PidFirst: pidFirst})
	if err != nil {
		return fmt.Errorf("marshal pid line: %w", err)
	}
	line = append(line, '\n')
	if _, err := initPipe.Write(line); err != nil {
		return fmt.Errorf("write pid line: %w", err)
	}
	return nil
}

// ---- Stage 1 (CHILD) ---------------------------------------------------

func runStage1(cfg *BootstrapConfig, selfPath string, initPipe *os.File, sink *logSink, childEnd0, gcEnd0 *os.File) {
	renameSelf("runc:[1:CHILD]")
	sock := newSyncSocket(childEnd0)

	if len(cfg.NsPaths) > 0 {
		if err := joinNamespaces(cfg.NsPaths); err != nil {
			die(sink, "join namespaces", err)
		}
	}

	newUserns := false
	if cfg.CloneFlags&uint32(unix.CLONE_NEWUSER) != 0 {
		if err := unix.Unshare(unix.CLONE_NEWUSER); err != nil {
			die(sink, "unshare user-ns", err)
		}
		cfg.CloneFlags &^= uint32(unix.CLONE_NEWUSER)
		newUserns = true
	}

	if cfg.CloneFlags&uint32(unix.CLONE_NEWNS) != 0 {
		if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
			die(sink, "unshare mount-ns", err)
		}
		cfg.CloneFlags &^= uint32(unix.CLONE_NEWNS)
	}

	var rootfsState rootfsPrepState
	if err := prepareRootfs(cfg, &rootfsState, false); err != nil {
		die(sink, "prepare rootfs (first pass)", err)
	}

	if newUserns {
		flippedDumpable := false
		if len(cfg.NsPaths) > 0 {
			if err := setDumpable(true); err != nil {
				die(sink, "set dumpable before usermap", err)
			}
			flippedDumpable = true
		}

		if err := sock.send(UsermapPls); err != nil {
			die(sink, "send USERMAP_PLS", err)
		}
		msg, err := sock.recv()
		if err != nil {
			die(sink, "recv USERMAP_ACK", err)
		}
		if msg != UsermapAck {
			die(sink, "stage 1 usermap sync", fmt.Errorf("unexpected message %s", msg))
		}

		if flippedDumpable {
			if err := setDumpable(false); err != nil {
				die(sink, "restore non-dumpable after usermap", err)
			}
		}

		if err := unix.Setresuid(0, 0, 0); err != nil {
			die(sink, "setresuid(0,0,0)", err)
		}
	}

	if err := prepareRootfs(cfg, &rootfsState, true); err != nil {
		die(sink, "prepare rootfs (retry)", err)
	}

	remaining := cfg.CloneFlags &^ uint32(unix.CLONE_NEWCGROUP)
	if remaining != 0 {
		if err := unix.Unshare(int(remaining)); err != nil {
			die(sink, "unshare remaining namespaces", err)
		}
	}

	var logPipeFile *os.File
	if sink != nil {
		logPipeFile = sink.f
	}
	h2 := &handoff{Config: *cfg, NewUserns: newUserns, SelfPath: selfPath}
	cmd2, err := reexecStage(2, selfPath, h2, logPipeFile, initPipe, nil, gcEnd0)
	if err != nil {
		die(sink, "clone stage 2", err)
	}
	gcEnd0.Close()

	if err := sock.sendPid(cmd2.Process.Pid); err != nil {
		killProcess(cmd2.Process)
		die(sink, "send RECVPID_PLS", err)
	}
	msg, err := sock.recv()
	if err != nil {
		killProcess(cmd2.Process)
		die(sink, "recv RECVPID_ACK", err)
	}
	if msg != RecvpidAck {
		killProcess(cmd2.Process)
		die(sink, "stage 1 recvpid sync", fmt.Errorf("unexpected message %s", msg))
	}

	if err := sock.send(ChildReady); err != nil {
		die(sink, "send CHILD_READY", err)
	}
	sock.Close()

	os.Exit(0)
}

// ---- Stage 2 (INIT) -----------------------------------------------------

func runStage2(cfg *BootstrapConfig, initPipe *os.File, sink *logSink, gcEnd0 *os.File) error {
	renameSelf("runc:[2:INIT]")
	sock := newSyncSocket(gcEnd0)

	if err := setDumpable(true); err != nil {
		die(sink, "set dumpable before final oom_score_adj", err)
	}
	if len(cfg.OomScoreAdj) > 0 {
		if err := writeOomScoreAdj("/proc/self/oom_score_adj", cfg.OomScoreAdj); err != nil {
			die(sink, "final oom_score_adj", err)
		}
	}
	if err := setDumpable(false); err != nil {
		die(sink, "restore non-dumpable", err)
	}

	msg, err := sock.recv()
	if err != nil {
		die(sink, "recv GRANDCHILD", err)
	}
	if msg != Grandchild {
		die(sink, "stage 2 grandchild sync", fmt.Errorf("unexpected message %s", msg))
	}

	if _, err := unix.Setsid(); err != nil {
		die(sink, "setsid", err)
	}
	if err := unix.Setuid(0); err != nil {
		die(sink, "setuid(0)", err)
	}
	if err := unix.Setgid(0); err != nil {
		die(sink, "setgid(0)", err)
	}

	if !cfg.RootlessEuid && cfg.SetgroupsRequested {
		if err := unix.Setgroups(nil); err != nil {
			die(sink, "setgroups(0,NULL)", err)
		}
	}

	if cfg.CloneFlags&uint32(unix.CLONE_NEWCGROUP) != 0 {
		if initPipe == nil {
			die(sink, "cgroup-ns handshake", fmt.Errorf("no init pipe to read handshake byte from"))
		}
		var b [1]byte
		if _, err := io.ReadFull(initPipe, b[:]); err != nil {
			die(sink, "read cgroupns handshake byte", err)
		}
		if b[0] != CreateCgroupns {
			die(sink, "cgroup-ns handshake", fmt.Errorf("unexpected byte 0x%x", b[0]))
		}
		if err := unix.Unshare(unix.CLONE_NEWCGROUP); err != nil {
			die(sink, "unshare cgroup-ns", err)
		}
	}

	if err := sock.send(ChildReady); err != nil {
		die(sink, "send final CHILD_READY", err)
	}
	sock.Close()

	// Stage 2 alone returns: execution continues inside the manager's
	// runtime, which now runs as this PID-ns/mount-ns/user-ns/cgroup-ns'd
	// process.
	return nil
}

// ---- small process-control helpers -------------------------------------

func die(sink *logSink, context string, err error) {
	function, line := caller(2)
	msg := fmt.Sprintf("nsenter: %s: %s", context, err)
	if sink != nil {
		sink.writeLine("fatal", function, line, msg)
	} else {
		fmt.Fprintln(os.Stderr, msg)
	}
	os.Exit(1)
}

func killProcess(p *os.Process) {
	if p != nil {
		p.Kill()
	}
}

func renameSelf(name string) {
	b := append([]byte(name), 0)
	unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&b[0])), 0, 0, 0)
}

func setDumpable(dumpable bool) error {
	v := 0
	if dumpable {
		v = 1
	}
	return unix.Prctl(unix.PR_SET_DUMPABLE, uintptr(v), 0, 0, 0)
}
