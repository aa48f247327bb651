// Package runtime launches meeting workers as isolated containers or
// local processes and controls them by handle.
package runtime

import (
	"fmt"
	"strings"
	"time"

	"github.com/user/meetbot/internal/types"
)

const (
	DriverDocker  = "docker"
	DriverProcess = "process"
)

// Runtime is a WorkerRuntime that owns long-lived resources.
type Runtime interface {
	types.WorkerRuntime
	// Persistent reports whether workers survive Close and the exit of
	// the service.
	Persistent() bool
	Close() error
}

// Options configures either driver. Fields irrelevant to the selected
// driver are ignored.
type Options struct {
	Driver        string
	Image         string
	Network       string
	AutoRemove    bool
	Command       string
	Args          []string
	WorkDir       string
	MaxConcurrent int
	StopGrace     time.Duration
}

// Open creates the runtime selected by opts.Driver. It is created once at
// startup and shared by every request.
func Open(opts Options) (Runtime, error) {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 10 * time.Second
	}
	switch opts.Driver {
	case DriverDocker, "":
		return NewDocker(opts)
	case DriverProcess:
		return NewProcess(opts)
	default:
		return nil, fmt.Errorf("unknown runtime driver %q", opts.Driver)
	}
}

func validateSpec(spec types.WorkerSpec) error {
	var missing []string
	if strings.TrimSpace(spec.MeetingURL) == "" {
		missing = append(missing, "meeting url")
	}
	if strings.TrimSpace(spec.BotName) == "" {
		missing = append(missing, "bot name")
	}
	if strings.TrimSpace(spec.Language) == "" {
		missing = append(missing, "language")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", types.ErrInvalidSpec, strings.Join(missing, ", "))
	}
	for k := range spec.Env {
		if k == "" || strings.ContainsAny(k, "= \x00") {
			return fmt.Errorf("%w: bad environment variable name %q", types.ErrInvalidSpec, k)
		}
	}
	return nil
}
