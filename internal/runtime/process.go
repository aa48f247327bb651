package runtime

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/meetbot/internal/types"
)

// Process runs each worker as a local child process in its own process
// group, with output captured in workers/<handle>/worker.log.
type Process struct {
	command string
	args    []string
	workDir string
	grace   time.Duration
	slots   *slots

	mu    sync.Mutex
	procs map[types.WorkerHandle]*workerProc
}

type workerProc struct {
	cmd      *exec.Cmd
	logPath  string
	done     chan struct{}
	exitCode int
}

func NewProcess(opts Options) (*Process, error) {
	if strings.TrimSpace(opts.Command) == "" {
		return nil, fmt.Errorf("process runtime requires a command")
	}
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Process{
		command: opts.Command,
		args:    opts.Args,
		workDir: workDir,
		grace:   opts.StopGrace,
		slots:   newSlots(opts.MaxConcurrent),
		procs:   make(map[types.WorkerHandle]*workerProc),
	}, nil
}

func (p *Process) Start(ctx context.Context, spec types.WorkerSpec) (types.WorkerHandle, error) {
	if err := validateSpec(spec); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("start worker: %w: %v", types.ErrRuntimeUnavailable, err)
	}
	if err := p.slots.reserve(); err != nil {
		return "", err
	}

	handle := types.WorkerHandle("proc-" + uuid.New().String())
	dir := filepath.Join(p.workDir, "workers", string(handle))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.slots.cancel()
		return "", fmt.Errorf("create worker dir: %w: %v", types.ErrRuntimeUnavailable, err)
	}
	logPath := filepath.Join(dir, "worker.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		p.slots.cancel()
		return "", fmt.Errorf("open worker log: %w: %v", types.ErrRuntimeUnavailable, err)
	}

	// Not CommandContext: the worker must outlive the request that started it.
	cmd := exec.Command(p.command, p.args...)
	cmd.Env = append(os.Environ(), spec.Environ()...)
	cmd.Dir = dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	configureWorkerProcess(cmd)
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		p.slots.cancel()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("start worker %s: %w: %v", p.command, types.ErrRuntimeUnavailable, err)
		}
		return "", fmt.Errorf("start worker: %w: %v", types.ErrRuntimeUnavailable, err)
	}

	wp := &workerProc{cmd: cmd, logPath: logPath, done: make(chan struct{})}
	p.slots.bind(handle)
	p.mu.Lock()
	p.procs[handle] = wp
	p.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		_ = logFile.Close()
		wp.exitCode = -1
		if cmd.ProcessState != nil {
			wp.exitCode = cmd.ProcessState.ExitCode()
		}
		p.slots.release(handle)
		close(wp.done)
		slog.Debug("worker process exited", "handle", handle, "exit_code", wp.exitCode)
	}()

	slog.Info("worker process started", "handle", handle, "pid", cmd.Process.Pid, "meeting_id", spec.MeetingID, "log", logPath)
	return handle, nil
}

func (p *Process) lookup(handle types.WorkerHandle) (*workerProc, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	wp, ok := p.procs[handle]
	if !ok {
		return nil, fmt.Errorf("%w: process %s", types.ErrHandleNotFound, handle)
	}
	return wp, nil
}

func (p *Process) Status(_ context.Context, handle types.WorkerHandle) (types.WorkerStatus, error) {
	wp, err := p.lookup(handle)
	if err != nil {
		return types.WorkerStatus{}, err
	}
	select {
	case <-wp.done:
		return types.WorkerStatus{State: types.WorkerExited, ExitCode: wp.exitCode}, nil
	default:
		return types.WorkerStatus{State: types.WorkerRunning}, nil
	}
}

// Stop sends SIGTERM to the worker's process group and escalates to
// SIGKILL after the grace period. Stopping an exited worker is a no-op.
func (p *Process) Stop(ctx context.Context, handle types.WorkerHandle) error {
	wp, err := p.lookup(handle)
	if err != nil {
		return err
	}
	select {
	case <-wp.done:
		return nil
	default:
	}

	interruptWorkerProcess(wp.cmd)
	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-wp.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	slog.Warn("worker ignored SIGTERM, killing", "handle", handle)
	killWorkerProcess(wp.cmd)
	select {
	case <-wp.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop worker %s: %w: %v", handle, types.ErrRuntimeUnavailable, ctx.Err())
	}
}

// LogPath returns where the worker's output is captured.
func (p *Process) LogPath(handle types.WorkerHandle) (string, error) {
	wp, err := p.lookup(handle)
	if err != nil {
		return "", err
	}
	return wp.logPath, nil
}

// Persistent reports false: workers are children of the service.
func (p *Process) Persistent() bool { return false }

// Close kills every worker still running; child processes would otherwise
// be orphaned when the service exits.
func (p *Process) Close() error {
	p.mu.Lock()
	handles := make([]types.WorkerHandle, 0, len(p.procs))
	for h := range p.procs {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.grace+5*time.Second)
	defer cancel()
	var errs []error
	for _, h := range handles {
		if err := p.Stop(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
