package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/user/meetbot/internal/types"
)

const (
	labelMeetingID = "meetbot.meeting_id"
	labelSessionID = "meetbot.session_id"

	adoptTimeout = 10 * time.Second
)

// engine is the slice of the Docker Engine API the driver uses.
type engine interface {
	create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error)
	start(ctx context.Context, id string) error
	inspect(ctx context.Context, id string) (types.WorkerStatus, error)
	stop(ctx context.Context, id string, grace time.Duration) error
	remove(ctx context.Context, id string) error
	// list returns the ids of running containers that carry label.
	list(ctx context.Context, label string) ([]string, error)
	close() error
}

// Docker runs each worker as a container from a single image.
type Docker struct {
	eng        engine
	image      string
	network    string
	autoRemove bool
	grace      time.Duration
	slots      *slots

	mu    sync.Mutex
	known map[types.WorkerHandle]struct{}

	adoptMu sync.Mutex
	adopted bool
}

// NewDocker connects to the daemon described by the DOCKER_* environment.
func NewDocker(opts Options) (*Docker, error) {
	if strings.TrimSpace(opts.Image) == "" {
		return nil, fmt.Errorf("docker runtime requires an image")
	}
	eng, err := newDockerEngine()
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	d := newDockerWithEngine(eng, opts)
	ctx, cancel := context.WithTimeout(context.Background(), adoptTimeout)
	defer cancel()
	if err := d.ensureAdopted(ctx); err != nil {
		slog.Warn("docker not reachable, will retry on first start", "error", err)
	}
	return d, nil
}

func newDockerWithEngine(eng engine, opts Options) *Docker {
	return &Docker{
		eng:        eng,
		image:      opts.Image,
		network:    opts.Network,
		autoRemove: opts.AutoRemove,
		grace:      opts.StopGrace,
		slots:      newSlots(opts.MaxConcurrent),
		known:      make(map[types.WorkerHandle]struct{}),
	}
}

func (d *Docker) Start(ctx context.Context, spec types.WorkerSpec) (types.WorkerHandle, error) {
	if err := validateSpec(spec); err != nil {
		return "", err
	}
	if err := d.ensureAdopted(ctx); err != nil {
		return "", err
	}
	if err := d.slots.reserve(); err != nil {
		return "", err
	}

	cfg := &container.Config{
		Image: d.image,
		Env:   spec.Environ(),
		Labels: map[string]string{
			labelMeetingID: string(spec.MeetingID),
			labelSessionID: string(spec.SessionID),
		},
	}
	host := &container.HostConfig{}
	if d.network != "" {
		host.NetworkMode = container.NetworkMode(d.network)
	}

	id, err := d.eng.create(ctx, cfg, host, containerName(spec))
	if err != nil {
		d.slots.cancel()
		return "", classifyDockerError("create worker container", err)
	}
	if err := d.eng.start(ctx, id); err != nil {
		if rmErr := d.eng.remove(context.WithoutCancel(ctx), id); rmErr != nil {
			slog.Warn("remove unstarted container failed", "container_id", id, "error", rmErr)
		}
		d.slots.cancel()
		return "", classifyDockerError("start worker container", err)
	}

	handle := types.WorkerHandle(id)
	d.slots.bind(handle)
	d.mu.Lock()
	d.known[handle] = struct{}{}
	d.mu.Unlock()

	slog.Info("worker container started", "container_id", id, "meeting_id", spec.MeetingID, "image", d.image)
	return handle, nil
}

// ensureAdopted counts the worker containers already running on the
// engine, such as those left by a previous run of the service, against
// MaxConcurrent. It succeeds once; until then every Start retries it.
func (d *Docker) ensureAdopted(ctx context.Context) error {
	d.adoptMu.Lock()
	defer d.adoptMu.Unlock()
	if d.adopted {
		return nil
	}
	ids, err := d.eng.list(ctx, labelSessionID)
	if err != nil {
		return classifyDockerError("list worker containers", err)
	}
	d.mu.Lock()
	for _, id := range ids {
		h := types.WorkerHandle(id)
		d.known[h] = struct{}{}
		d.slots.adopt(h)
	}
	d.mu.Unlock()
	d.adopted = true
	if len(ids) > 0 {
		slog.Info("adopted running worker containers", "count", len(ids), "max_concurrent", d.slots.size)
	}
	return nil
}

// Persistent reports true: containers keep running when the service exits.
func (d *Docker) Persistent() bool { return true }

func (d *Docker) Status(ctx context.Context, handle types.WorkerHandle) (types.WorkerStatus, error) {
	st, err := d.eng.inspect(ctx, string(handle))
	if err != nil {
		if errdefs.IsNotFound(err) {
			d.slots.release(handle)
			return types.WorkerStatus{}, fmt.Errorf("%w: container %s", types.ErrHandleNotFound, handle)
		}
		return types.WorkerStatus{}, classifyDockerError("inspect worker container", err)
	}
	if st.State == types.WorkerExited {
		d.slots.release(handle)
	}
	return st, nil
}

// Stop is idempotent: a stopped container stops again without error and
// a container this driver started that has since been removed counts as
// stopped.
func (d *Docker) Stop(ctx context.Context, handle types.WorkerHandle) error {
	if err := d.eng.stop(ctx, string(handle), d.grace); err != nil {
		if !errdefs.IsNotFound(err) {
			return classifyDockerError("stop worker container", err)
		}
		d.mu.Lock()
		_, ok := d.known[handle]
		d.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: container %s", types.ErrHandleNotFound, handle)
		}
		d.slots.release(handle)
		return nil
	}

	if d.autoRemove {
		if err := d.eng.remove(ctx, string(handle)); err != nil && !errdefs.IsNotFound(err) {
			slog.Warn("remove worker container failed", "container_id", handle, "error", err)
		}
	}
	d.slots.release(handle)
	slog.Info("worker container stopped", "container_id", handle)
	return nil
}

func (d *Docker) Close() error {
	return d.eng.close()
}

func containerName(spec types.WorkerSpec) string {
	name := "meetbot-" + strings.NewReplacer(":", "-", "_", "-").Replace(string(spec.MeetingID))
	sid := string(spec.SessionID)
	if len(sid) > 8 {
		sid = sid[:8]
	}
	if sid != "" {
		name += "-" + sid
	}
	return name
}

// classifyDockerError maps daemon errors onto the runtime error kinds.
// Anything unrecognised is treated as the runtime being unavailable.
func classifyDockerError(op string, err error) error {
	kind := types.ErrRuntimeUnavailable
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = types.ErrRuntimeUnavailable
	case client.IsErrConnectionFailed(err), errdefs.IsUnavailable(err):
		kind = types.ErrRuntimeUnavailable
	case errdefs.IsNotFound(err), errdefs.IsInvalidParameter(err):
		kind = types.ErrInvalidSpec
	case strings.Contains(msg, "no space left"),
		strings.Contains(msg, "cannot allocate memory"),
		strings.Contains(msg, "insufficient"):
		kind = types.ErrResourceExhausted
	}
	return fmt.Errorf("%s: %w: %v", op, kind, err)
}

// dockerEngine adapts the Docker SDK client to engine.
type dockerEngine struct {
	cli *client.Client
}

func newDockerEngine() (*dockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &dockerEngine{cli: cli}, nil
}

func (e *dockerEngine) create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error) {
	resp, err := e.cli.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", err
	}
	for _, w := range resp.Warnings {
		slog.Warn("docker create warning", "container_id", resp.ID, "warning", w)
	}
	return resp.ID, nil
}

func (e *dockerEngine) start(ctx context.Context, id string) error {
	return e.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (e *dockerEngine) inspect(ctx context.Context, id string) (types.WorkerStatus, error) {
	info, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		return types.WorkerStatus{}, err
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return types.WorkerStatus{State: types.WorkerUnknown}, nil
	}
	switch {
	case info.State.Running, info.State.Paused, info.State.Restarting:
		return types.WorkerStatus{State: types.WorkerRunning}, nil
	case info.State.Status == "exited", info.State.Status == "dead":
		return types.WorkerStatus{State: types.WorkerExited, ExitCode: info.State.ExitCode}, nil
	default:
		return types.WorkerStatus{State: types.WorkerUnknown}, nil
	}
}

func (e *dockerEngine) stop(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace.Seconds())
	return e.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
}

func (e *dockerEngine) remove(ctx context.Context, id string) error {
	return e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func (e *dockerEngine) list(ctx context.Context, label string) ([]string, error) {
	running, err := e.cli.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", label)),
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(running))
	for _, c := range running {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (e *dockerEngine) close() error {
	return e.cli.Close()
}
