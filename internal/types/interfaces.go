// internal/types/interfaces.go
package types

import (
	"context"
)

// WorkerRuntime launches and controls isolated meeting workers.
type WorkerRuntime interface {
	Start(ctx context.Context, spec WorkerSpec) (WorkerHandle, error)
	Status(ctx context.Context, handle WorkerHandle) (WorkerStatus, error)
	Stop(ctx context.Context, handle WorkerHandle) error
}

// TranscriptSource returns whatever transcript a meeting's worker has
// produced so far.
type TranscriptSource interface {
	Fetch(ctx context.Context, meetingID MeetingID) (*TranscriptSnapshot, error)
}

// Notifier receives session lifecycle changes. Notify must not block.
type Notifier interface {
	Notify(n Notification)
}
