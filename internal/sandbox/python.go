package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jkaninda/arena/internal/validator"
)

const (
	defaultCPUSeconds  = 60
	defaultMemoryMB    = 512
	defaultTimeout     = 60 * time.Second
	defaultGracePeriod = 5 * time.Second
	defaultMaxOutput   = 10 << 20 // 10 MB

	// stderrCapBytes caps captured diagnostics from the child.
	stderrCapBytes = 64 << 10
)

// Config configures the Python runner.
type Config struct {
	PythonBin     string        // Interpreter path. Default: "python3".
	DefaultLimits Limits        // Fallbacks for zero-valued request limits.
	SpawnRetries  int           // Bounded retries on child spawn failure. Default: 2.
	SpawnBackoff  time.Duration // Delay between spawn retries. Default: 100ms.
}

// PythonRunner executes decompressor programs in a fresh CPython child
// per run.
//
// Isolation properties:
//   - Own process group (Setpgid); the whole group is killed on timeout
//   - No environment inheritance — a minimal sanitized set only
//   - Interpreter started with -I -S -E (isolated mode, no site, no env)
//   - Resource ceilings applied by the harness before submitted code runs
//   - stdout/stderr capped to prevent OOM in the parent
type PythonRunner struct {
	pythonBin     string
	defaultLimits Limits
	spawnRetries  int
	spawnBackoff  time.Duration
	logger        *slog.Logger
}

// NewPythonRunner creates a PythonRunner.
func NewPythonRunner(cfg Config, logger *slog.Logger) *PythonRunner {
	bin := cfg.PythonBin
	if bin == "" {
		bin = "python3"
	}
	retries := cfg.SpawnRetries
	if retries == 0 {
		retries = 2
	}
	backoff := cfg.SpawnBackoff
	if backoff == 0 {
		backoff = 100 * time.Millisecond
	}
	return &PythonRunner{
		pythonBin:     bin,
		defaultLimits: applyLimitDefaults(cfg.DefaultLimits),
		spawnRetries:  retries,
		spawnBackoff:  backoff,
		logger:        logger,
	}
}

func applyLimitDefaults(l Limits) Limits {
	if l.CPUSeconds == 0 {
		l.CPUSeconds = defaultCPUSeconds
	}
	if l.MemoryMB == 0 {
		l.MemoryMB = defaultMemoryMB
	}
	if l.Timeout == 0 {
		l.Timeout = defaultTimeout
	}
	if l.GracePeriod == 0 {
		l.GracePeriod = defaultGracePeriod
	}
	if l.MaxOutputBytes == 0 {
		l.MaxOutputBytes = defaultMaxOutput
	}
	return l
}

// resolveLimits merges request-level overrides with runner defaults.
func (r *PythonRunner) resolveLimits(req Limits) Limits {
	l := r.defaultLimits
	if req.CPUSeconds > 0 {
		l.CPUSeconds = req.CPUSeconds
	}
	if req.MemoryMB > 0 {
		l.MemoryMB = req.MemoryMB
	}
	if req.Timeout > 0 {
		l.Timeout = req.Timeout
	}
	if req.GracePeriod > 0 {
		l.GracePeriod = req.GracePeriod
	}
	if req.MaxOutputBytes > 0 {
		l.MaxOutputBytes = req.MaxOutputBytes
	}
	return l
}

// childResult is the single JSON line the harness writes to stdout.
type childResult struct {
	OK        bool   `json:"ok"`
	OutputB64 string `json:"output_b64"`
	ErrorType string `json:"error_type"`
	Error     string `json:"error"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// Run executes the validated program against input under the given
// limits. Submitter-caused failures return *ExecError; failures to
// spawn or to read the result channel return *InfraError after bounded
// retries.
func (r *PythonRunner) Run(ctx context.Context, prog *validator.AnalyzedProgram, input []byte, limits Limits) (*Result, error) {
	limits = r.resolveLimits(limits)

	harness, err := renderHarness(prog.Source, limits)
	if err != nil {
		return nil, &InfraError{Op: "rendering harness", Err: err}
	}

	var lastErr error
	for attempt := 0; attempt <= r.spawnRetries; attempt++ {
		if attempt > 0 {
			r.logger.Warn("sandbox spawn retry",
				slog.Int("attempt", attempt),
				slog.String("error", lastErr.Error()),
			)
			select {
			case <-time.After(r.spawnBackoff):
			case <-ctx.Done():
				return nil, &InfraError{Op: "spawning child", Err: ctx.Err()}
			}
		}
		res, err := r.runOnce(ctx, harness, input, limits)
		var infra *InfraError
		if errors.As(err, &infra) && infra.Op == "spawning child" {
			lastErr = err
			continue
		}
		return res, err
	}
	return nil, lastErr
}

func (r *PythonRunner) runOnce(ctx context.Context, harness string, input []byte, limits Limits) (*Result, error) {
	tmpDir, err := os.MkdirTemp("", "arena-sandbox-*")
	if err != nil {
		return nil, &InfraError{Op: "spawning child", Err: err}
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			r.logger.Warn("failed to remove sandbox temp dir",
				slog.String("dir", tmpDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	harnessPath := filepath.Join(tmpDir, "harness.py")
	if err := os.WriteFile(harnessPath, []byte(harness), 0600); err != nil {
		return nil, &InfraError{Op: "spawning child", Err: err}
	}

	// -I: isolated mode (implies no user site, no PYTHON* env vars),
	// -S: skip site import, -E: ignore environment. The child sees a
	// minimal env with no secrets from the worker process.
	cmd := exec.Command(r.pythonBin, "-I", "-S", "-E", harnessPath)
	cmd.Dir = tmpDir
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + tmpDir,
		"TMPDIR=" + tmpDir,
		"LANG=C.UTF-8",
	}
	cmd.SysProcAttr = childSysProcAttr()
	cmd.Stdin = bytes.NewReader(input)

	// Base64 expansion plus JSON framing overhead.
	stdoutCap := limits.MaxOutputBytes/3*4 + 4096
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: stdoutCap}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: stderrCapBytes}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &InfraError{Op: "spawning child", Err: err}
	}
	pid := cmd.Process.Pid

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timedOut := false
	timer := time.NewTimer(limits.Timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-timer.C:
		timedOut = true
		waitErr = r.terminate(pid, limits.GracePeriod, waitCh)
	case <-ctx.Done():
		_ = r.terminate(pid, limits.GracePeriod, waitCh)
		return nil, &InfraError{Op: "waiting for child", Err: ctx.Err()}
	}
	elapsed := time.Since(start)

	if timedOut {
		r.logger.Warn("sandbox run timed out",
			slog.Duration("timeout", limits.Timeout),
			slog.Duration("elapsed", elapsed),
		)
		return nil, &ExecError{
			Type:    "TimeoutError",
			Message: fmt.Sprintf("execution exceeded %s wall-clock limit", limits.Timeout),
		}
	}

	return r.interpret(stdoutBuf.Bytes(), stderrBuf.Bytes(), waitErr)
}

// terminate sends SIGTERM to the child's process group, waits out the
// grace period, then SIGKILLs the group. Negative pid addresses the
// whole group, so nothing the submission managed to start survives.
func (r *PythonRunner) terminate(pid int, grace time.Duration, waitCh chan error) error {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	return <-waitCh
}

// interpret decodes the harness result line, falling back to wait
// status classification when the child died before reporting.
func (r *PythonRunner) interpret(stdout, stderr []byte, waitErr error) (*Result, error) {
	if line := lastLine(stdout); line != "" {
		var cr childResult
		if err := json.Unmarshal([]byte(line), &cr); err == nil {
			if !cr.OK {
				return nil, &ExecError{Type: cr.ErrorType, Message: cr.Error}
			}
			out, err := base64.StdEncoding.DecodeString(cr.OutputB64)
			if err != nil {
				return nil, &InfraError{Op: "decoding child result", Err: err}
			}
			return &Result{
				Output:  out,
				Elapsed: time.Duration(cr.ElapsedMS) * time.Millisecond,
			}, nil
		}
	}

	// No usable result line: classify by how the child died.
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				switch ws.Signal() {
				case syscall.SIGXCPU:
					return nil, &ExecError{Type: "TimeoutError", Message: "CPU time limit exceeded"}
				case syscall.SIGKILL:
					// The kernel OOM path and RLIMIT_AS both surface as
					// a KILL without a result line.
					return nil, &ExecError{Type: "MemoryError", Message: "killed: memory limit exceeded"}
				default:
					return nil, &ExecError{
						Type:    "SignalError",
						Message: fmt.Sprintf("terminated by signal %s", ws.Signal()),
					}
				}
			}
			return nil, &ExecError{
				Type:    "ExitError",
				Message: fmt.Sprintf("interpreter exited with status %d: %s", exitErr.ExitCode(), firstLine(stderr)),
			}
		}
		return nil, &InfraError{Op: "waiting for child", Err: waitErr}
	}
	return nil, &InfraError{Op: "decoding child result", Err: errors.New("child exited cleanly without a result line")}
}

func lastLine(b []byte) string {
	s := strings.TrimRight(string(b), "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// limitedWriter stops writing after a byte limit; excess is discarded,
// not an error.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	full := len(p)
	if lw.remaining <= 0 {
		return full, nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	return full, nil
}
