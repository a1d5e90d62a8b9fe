// Package nsenter implements the container bootstrap executor: the code
// that runs before anything else in the runc-go binary to construct the
// namespace, rootfs, and identity context of a container and hand a PID
// back to the manager (the rest of this module).
package nsenter

// NamespaceKind names one of the seven namespace kinds this module
// understands, spelled the way the wire protocol and ns-paths list spell
// them (note "mnt", not "mount" - this differs deliberately from the
// spec.LinuxNamespaceType vocabulary used elsewhere in this module, see
// namespace.go).
type NamespaceKind string

const (
	NSCgroup NamespaceKind = "cgroup"
	NSIPC    NamespaceKind = "ipc"
	NSMount  NamespaceKind = "mnt"
	NSNet    NamespaceKind = "net"
	NSPid    NamespaceKind = "pid"
	NSUser   NamespaceKind = "user"
	NSUts    NamespaceKind = "uts"
)

// NsPathEntry is one entry of the ordered ns_paths list: join the
// namespace of NamespaceKind found at Path.
type NsPathEntry struct {
	Kind NamespaceKind
	Path string
}

// BootstrapConfig is the parsed bootstrap message the manager sends over
// the init pipe. Every byte-slice field points into the raw payload
// retained by the Config Reader for the lifetime of the config, per the
// invariant that the parser never copies attribute values it doesn't
// need to mutate.
type BootstrapConfig struct {
	// CloneFlags is the bitset over the seven namespace kinds, expressed
	// as an OR of CLONE_NEW* values. Stage 1 clears bits from this field
	// as it consumes them; this is the one documented mutation of an
	// otherwise-immutable config.
	CloneFlags uint32

	// OomScoreAdj is the final oom_score_adj to write in stage 2. Nil
	// means "do not write a final value" (the unconditional initial -999
	// write still happens regardless).
	OomScoreAdj []byte

	// NsPaths is the ordered list of existing namespaces to join.
	NsPaths []NsPathEntry

	UidMap []byte
	GidMap []byte

	UidMapToolPath string
	GidMapToolPath string

	SetgroupsRequested bool
	RootlessEuid       bool

	PrepRootfs     bool
	MakeParentPriv bool
	RootfsProp     uint32
	Rootfs         string
	ParentMount    string
	ShiftfsMounts  []string

	// raw retains the payload backing every byte-slice field above.
	raw []byte
}

// StageState enumerates which of the three cooperating processes a given
// invocation of the orchestrator is. It is the tagged-state-dispatcher
// value spec.md's design notes call for in place of a setjmp/longjmp
// saved context: a plain value, carried across the stage-changing
// re-exec in the envStageTag environment variable instead of a jump back
// into shared memory.
type StageState int

const (
	StageParent StageState = iota
	StageChild
	StageInit
)

func (s StageState) String() string {
	switch s {
	case StageParent:
		return "0:PARENT"
	case StageChild:
		return "1:CHILD"
	case StageInit:
		return "2:INIT"
	default:
		return "unknown"
	}
}

// SyncMessage is the single-byte enumeration exchanged over the sync
// sockets.
type SyncMessage byte

const (
	_ SyncMessage = iota // 0 is deliberately unused so a zeroed buffer never decodes as a valid message
	UsermapPls
	UsermapAck
	RecvpidPls
	RecvpidAck
	Grandchild
	ChildReady
)

func (m SyncMessage) String() string {
	switch m {
	case UsermapPls:
		return "USERMAP_PLS"
	case UsermapAck:
		return "USERMAP_ACK"
	case RecvpidPls:
		return "RECVPID_PLS"
	case RecvpidAck:
		return "RECVPID_ACK"
	case Grandchild:
		return "GRANDCHILD"
	case ChildReady:
		return "CHILD_READY"
	default:
		return "UNKNOWN"
	}
}

// CreateCgroupns is the single byte the manager writes to the init pipe,
// read by stage 2, meaning "cgroup namespace may now be unshared."
const CreateCgroupns byte = 0x80

// Environment variable names forming the external interface with the
// manager.
const (
	EnvInitPipe = "_LIBCONTAINER_INITPIPE"
	EnvLogPipe  = "_LIBCONTAINER_LOGPIPE"
)

// Internal, implementation-only environment variables used to carry
// state across the self re-exec that replaces the original's raw fork.
// None of these are part of the manager-facing external interface.
const (
	envStageTag    = "_RUNC_GO_NSENTER_STAGE"
	envHandoffFd   = "_RUNC_GO_NSENTER_HANDOFF_FD"
	envChildSyncFd = "_RUNC_GO_NSENTER_CHILDSYNC_FD"
	envGcSyncFd    = "_RUNC_GO_NSENTER_GCSYNC_FD"
	stageReexecArg = "__nsenter_stage__"
)
