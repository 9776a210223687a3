// Package relay implements ExecutionRelay: the per-kernel REPL proxy that
// feeds code to the in-container runner and yields back results. At most
// one relay exists per kernel, constructed lazily on the first
// execute_code after a (re)start and torn down when the call finishes,
// times out, or is cancelled.
package relay

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/cuemby/kernel-agent/pkg/artifact"
	"github.com/cuemby/kernel-agent/pkg/kernelerr"
	"github.com/cuemby/kernel-agent/pkg/types"
)

// Transport is the request/response channel a relay holds open to one
// kernel's in-container runner. The wire protocol of the runner itself is
// external to this agent's scope; Transport is the seam.
type Transport interface {
	SendFrame(ctx context.Context, v interface{}) error
	ReceiveFrame(ctx context.Context, v interface{}) (ok bool, err error)
	Close() error
}

// Dialer opens a Transport to a kernel's repl_in/repl_out ports.
type Dialer interface {
	Dial(ctx context.Context, host string, inPort, outPort int) (Transport, error)
}

// runnerStartMsg is the frame sent to open a fresh session.
type runnerStartMsg struct {
	Op       string `json:"op"`
	CodeID   string `json:"code_id"`
	Code     string `json:"code"`
	Features []string `json:"features"`
}

// runnerContinueMsg feeds a continuation into an existing session.
type runnerContinueMsg struct {
	Op     string `json:"op"`
	CodeID string `json:"code_id"`
	Code   string `json:"code"`
}

// runnerResultMsg is the frame the in-container runner reports back.
type runnerResultMsg struct {
	Stdout        string                 `json:"stdout"`
	Stderr        string                 `json:"stderr"`
	Status        string                 `json:"status"`
	Media         []string               `json:"media"`
	HTML          string                 `json:"html"`
	Options       map[string]interface{} `json:"options"`
	LastException string                 `json:"last_exception"`
}

// session is the state of one kernel's active relay.
type session struct {
	transport Transport
	mu        sync.Mutex
	// cancel stops the in-flight ReceiveFrame call, used for caller
	// cancellation.
	cancel context.CancelFunc
	// initialFiles is the workdir snapshot taken when this session
	// opened; it is compared against the final snapshot whichever call
	// in the session's lifetime turns out to be the one that finishes.
	initialFiles []types.FileStat
}

// Manager tracks the at-most-one-relay-per-kernel invariant and performs
// execute_code per §4.4.
type Manager struct {
	dialer Dialer
	sink   artifact.Sink

	mu       sync.Mutex
	sessions map[types.KernelId]*session
}

// NewManager builds a relay Manager. sink may be nil, in which case
// diffed files are silently dropped (useful for tests).
func NewManager(dialer Dialer, sink artifact.Sink) *Manager {
	return &Manager{
		dialer:   dialer,
		sink:     sink,
		sessions: make(map[types.KernelId]*session),
	}
}

// Active reports whether a relay session currently exists for id.
func (m *Manager) Active(id types.KernelId) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	return ok
}

// ExecuteParams are the execute_code call's arguments.
type ExecuteParams struct {
	EntryID  string
	KernelID types.KernelId
	CodeID   string
	Code     string
	Match    *types.MatchSpec

	Host    string
	InPort  int
	OutPort int
	Workdir string
}

// Execute runs one execute_code call against p.KernelID's relay session,
// lazily opening it on the first call after a (re)start. The caller
// (KernelLifecycle) is responsible for updating the kernel record's
// LastUsed/NumQueries and for
// scheduling Destroy when the result status is exec-timeout; Execute only
// reports the result.
func (m *Manager) Execute(ctx context.Context, p ExecuteParams, execTimeout time.Duration) (types.ExecResult, error) {
	m.mu.Lock()
	sess, existed := m.sessions[p.KernelID]
	m.mu.Unlock()

	if !existed {
		initialFiles, err := scanWorkdir(p.Workdir)
		if err != nil {
			return types.ExecResult{}, fmt.Errorf("execute_code: snapshot workdir: %w", err)
		}

		transport, err := m.dialer.Dial(ctx, p.Host, p.InPort, p.OutPort)
		if err != nil {
			return types.ExecResult{}, fmt.Errorf("execute_code: dial runner: %w", err)
		}
		sess = &session{transport: transport, initialFiles: initialFiles}
		m.mu.Lock()
		m.sessions[p.KernelID] = sess
		m.mu.Unlock()

		if err := transport.SendFrame(ctx, runnerStartMsg{
			Op:       "start",
			CodeID:   p.CodeID,
			Code:     p.Code,
			Features: []string{"input", "continuation"},
		}); err != nil {
			m.drop(p.KernelID)
			return types.ExecResult{}, fmt.Errorf("execute_code: send start frame: %w", err)
		}
	} else {
		if err := sess.transport.SendFrame(ctx, runnerContinueMsg{
			Op:     "continue",
			CodeID: p.CodeID,
			Code:   p.Code,
		}); err != nil {
			m.drop(p.KernelID)
			return types.ExecResult{}, fmt.Errorf("execute_code: send continue frame: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, execTimeout)
	sess.mu.Lock()
	sess.cancel = cancel
	sess.mu.Unlock()
	defer cancel()

	var result runnerResultMsg
	ok, err := sess.transport.ReceiveFrame(callCtx, &result)
	if err != nil || !ok {
		switch {
		case callCtx.Err() == context.DeadlineExceeded:
			result.Status = string(types.ExecStatusExecTimeout)
		case ctx.Err() != nil:
			// Caller cancellation: close the relay, drop it, return no result.
			m.drop(p.KernelID)
			return types.ExecResult{}, ctx.Err()
		default:
			m.drop(p.KernelID)
			return types.ExecResult{}, fmt.Errorf("execute_code: receive frame: %w", err)
		}
	}

	status := types.ExecStatus(result.Status)
	var filePaths []string

	if status == types.ExecStatusFinished || status == types.ExecStatusExecTimeout {
		finalFiles, scanErr := scanWorkdir(p.Workdir)
		if scanErr == nil {
			disableUpload, _ := result.Options["no_upload"].(bool)
			if !disableUpload {
				filePaths = artifact.Diff(sess.initialFiles, finalFiles)
				if m.sink != nil && len(filePaths) > 0 {
					_ = m.sink.Upload(ctx, p.EntryID, p.Workdir, filePaths)
				}
			}
		}
		m.drop(p.KernelID)
	}

	execResult := types.ExecResult{
		Stdout:  result.Stdout,
		Stderr:  result.Stderr,
		Status:  status,
		Media:   result.Media,
		HTML:    result.HTML,
		Options: result.Options,
		Files:   filePaths,
	}

	if p.Match != nil {
		matched, err := evaluateMatch(*p.Match, result)
		if err != nil {
			return types.ExecResult{}, err
		}
		execResult.MatchFound = &matched
	}

	return execResult, nil
}

// Cancel aborts an in-flight execute_code call for id, closing and
// dropping its relay. No partial result is returned to the original
// caller; the caller observes ctx cancellation directly.
func (m *Manager) Cancel(id types.KernelId) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	sess.mu.Lock()
	if sess.cancel != nil {
		sess.cancel()
	}
	sess.mu.Unlock()
	m.drop(id)
}

func (m *Manager) drop(id types.KernelId) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		_ = sess.transport.Close()
	}
}

// evaluateMatch implements the match specification: op in
// {contains,equal,regex}, target in {stdout,stderr,exception}.
func evaluateMatch(spec types.MatchSpec, result runnerResultMsg) (bool, error) {
	var content string
	switch spec.Target {
	case types.MatchTargetStdout:
		content = result.Stdout
	case types.MatchTargetStderr:
		content = result.Stderr
	case types.MatchTargetException:
		if result.LastException == "" {
			return false, nil
		}
		content = result.LastException
	default:
		return false, kernelerr.New(kernelerr.KindInvalidMatch, fmt.Sprintf("unknown match target %q", spec.Target))
	}

	switch spec.Op {
	case types.MatchContains:
		return contains(content, spec.Value), nil
	case types.MatchEqual:
		return content == spec.Value, nil
	case types.MatchRegex:
		re, err := regexp.Compile(spec.Value)
		if err != nil {
			return false, kernelerr.Wrap(kernelerr.KindInvalidMatch, "invalid regex", err)
		}
		return re.MatchString(content), nil
	default:
		return false, kernelerr.New(kernelerr.KindInvalidMatch, fmt.Sprintf("unknown match op %q", spec.Op))
	}
}

func contains(haystack, needle string) bool {
	return len(needle) == 0 || indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

// scanWorkdir snapshots every regular file directly under dir by name,
// size, and mtime. Files larger than artifact.MaxUploadBytes are left out
// of the snapshot, so they never appear in the diff handed to the sink.
func scanWorkdir(dir string) ([]types.FileStat, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan workdir %s: %w", dir, err)
	}

	var stats []types.FileStat
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Size() > artifact.MaxUploadBytes {
			continue
		}
		stats = append(stats, types.FileStat{
			Name:    e.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime().UnixNano(),
		})
	}
	return stats, nil
}

// TCPDialer is the default Dialer: a length-prefixed JSON frame protocol
// over two plain TCP connections (one for sending, one for receiving),
// matching how the kernel's 2002/2003 container ports are published as
// separate inbound/outbound streams.
type TCPDialer struct{}

func (TCPDialer) Dial(ctx context.Context, host string, inPort, outPort int) (Transport, error) {
	var d net.Dialer
	inConn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, inPort))
	if err != nil {
		return nil, fmt.Errorf("dial repl_in: %w", err)
	}
	outConn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, outPort))
	if err != nil {
		inConn.Close()
		return nil, fmt.Errorf("dial repl_out: %w", err)
	}
	return &tcpTransport{
		in:  inConn,
		out: outConn,
		rd:  bufio.NewReader(outConn),
	}, nil
}

type tcpTransport struct {
	in  net.Conn
	out net.Conn
	rd  *bufio.Reader
}

func (t *tcpTransport) SendFrame(ctx context.Context, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		t.in.SetWriteDeadline(dl)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := t.in.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = t.in.Write(payload)
	return err
}

func (t *tcpTransport) ReceiveFrame(ctx context.Context, v interface{}) (bool, error) {
	if dl, ok := ctx.Deadline(); ok {
		t.out.SetReadDeadline(dl)
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(t.rd, lenBuf[:]); err != nil {
		return false, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(t.rd, payload); err != nil {
		return false, err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return false, err
	}
	return true, nil
}

func (t *tcpTransport) Close() error {
	t.in.Close()
	t.out.Close()
	return nil
}
