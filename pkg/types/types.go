package types

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// KernelId is an opaque identifier for one kernel, unique within the
// agent's lifetime. It is assigned either by the caller (on restart, where
// identity must be preserved) or generated fresh on create.
type KernelId string

// NewKernelId generates a fresh random (v4) id.
func NewKernelId() (KernelId, error) {
	return KernelId(uuid.NewString()), nil
}

func (k KernelId) String() string { return string(k) }

// CoreSet is a non-empty set of logical CPU indices, all drawn from the
// same NUMA node. It is represented as a sorted slice so CpusetCpus can be
// rendered deterministically and equality is straightforward to test.
type CoreSet struct {
	NumaNode int
	Cores    []int
}

// NewCoreSet builds a CoreSet from an arbitrary slice of core indices,
// sorting and deduplicating them.
func NewCoreSet(numaNode int, cores []int) CoreSet {
	seen := make(map[int]struct{}, len(cores))
	uniq := make([]int, 0, len(cores))
	for _, c := range cores {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		uniq = append(uniq, c)
	}
	sort.Ints(uniq)
	return CoreSet{NumaNode: numaNode, Cores: uniq}
}

// Len reports the number of cores in the set.
func (c CoreSet) Len() int { return len(c.Cores) }

// CpusetCpus renders the set as a comma-joined list suitable for a
// container engine's CpusetCpus field.
func (c CoreSet) CpusetCpus() string {
	parts := make([]string, len(c.Cores))
	for i, core := range c.Cores {
		parts[i] = fmt.Sprintf("%d", core)
	}
	return strings.Join(parts, ",")
}

// Disjoint reports whether c and other share no cores.
func (c CoreSet) Disjoint(other CoreSet) bool {
	set := make(map[int]struct{}, len(c.Cores))
	for _, core := range c.Cores {
		set[core] = struct{}{}
	}
	for _, core := range other.Cores {
		if _, ok := set[core]; ok {
			return false
		}
	}
	return true
}

// StatsSample is a point-in-time resource sample for a running container,
// captured by a StatsProbe.
type StatsSample struct {
	CPUPercent   float64
	MemUsedBytes uint64
	CapturedAt   int64 // unix nanos, monotonic-derived
}

// KernelRecord is the authoritative state for one live kernel. It is
// created by KernelLifecycle.Create and removed by Clean, or by Destroy
// when the engine reports the container as not found (no die event will
// follow for it).
type KernelRecord struct {
	Id KernelId

	Lang          string
	ImageVersion  int
	ContainerId   string
	ContainerIP   string
	ReplInPort    int
	ReplOutPort   int
	StdinPort     int
	StdoutPort    int
	NumaNode      int
	CoreSet       CoreSet
	MemLimitBytes int64
	ExecTimeoutS  int

	NumQueries int
	LastUsed   int64 // unix nanos, monotonic-derived

	// RunnerActive is true iff an ExecutionRelay is currently attached to
	// this kernel (present between the first execute_code of a generation
	// and the relay closing on finish/timeout/cancel).
	RunnerActive bool
	// RunnerTaskActive is true iff a single execute_code call is in
	// flight. At most one call may be in flight per kernel.
	RunnerTaskActive bool

	// InitialFiles is not populated by the lifecycle: the workdir snapshot
	// taken when an execution session opens is held by the relay's own
	// session state (relay.Manager), so this field stays nil.
	InitialFiles []FileStat

	// LastStat is the most recent sample captured just before the
	// container was killed; nil until a Destroy has run once.
	LastStat *StatsSample
}

// FileStat is a lightweight workdir file fingerprint used to diff
// before/after snapshots around an execution.
type FileStat struct {
	Name    string
	Size    int64
	ModTime int64 // unix nanos
}

// ImageLabels is the subset of a kernel image's labels the lifecycle reads
// at Create time.
type ImageLabels struct {
	Version       int
	MaxMemBytes   int64
	TimeoutS      int
	CoreCountEnvs []string // label envs.corecount, split on comma
	MaxCores      int
	NvidiaEnabled bool
}

// MatchOp is the comparison operator of an execute_code match clause.
type MatchOp string

const (
	MatchContains MatchOp = "contains"
	MatchEqual    MatchOp = "equal"
	MatchRegex    MatchOp = "regex"
)

// MatchTarget selects which part of an execution result a match clause
// inspects.
type MatchTarget string

const (
	MatchTargetStdout    MatchTarget = "stdout"
	MatchTargetStderr    MatchTarget = "stderr"
	MatchTargetException MatchTarget = "exception"
)

// MatchSpec is the optional match clause attached to an execute_code call.
type MatchSpec struct {
	Op     MatchOp
	Target MatchTarget
	Value  string
}

// ExecStatus is the terminal or intermediate status of one execute_code
// call, as reported by the in-container runner.
type ExecStatus string

const (
	ExecStatusContinued   ExecStatus = "continued"
	ExecStatusFinished    ExecStatus = "finished"
	ExecStatusExecTimeout ExecStatus = "exec-timeout"
	ExecStatusWaiting     ExecStatus = "waiting-input"
)

// ExecResult is the value returned to the RPC caller for one execute_code
// call.
type ExecResult struct {
	Stdout     string
	Stderr     string
	Status     ExecStatus
	Media      []string
	HTML       string
	Options    map[string]interface{}
	Files      []string
	MatchFound *bool
}

// DestroyReason records why a kernel's container was killed. Destroy uses
// it as the reason label of the kernels-destroyed metric and in its log
// lines; the kernel_terminated upstream event does not carry it.
type DestroyReason string

const (
	ReasonUserRequested DestroyReason = "user-requested"
	ReasonRestarting    DestroyReason = "restarting"
	ReasonAgentReset    DestroyReason = "agent-reset"
	ReasonIdleTimeout   DestroyReason = "idle-timeout"
	ReasonExecTimeout   DestroyReason = "exec-timeout"
	ReasonAgentTerm     DestroyReason = "agent-termination"
)
