// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

// MeetingID identifies a meeting on a platform as "<platform>:<native id>".
type MeetingID string
type SessionID string

// WorkerHandle is the runtime's opaque reference to a running worker.
type WorkerHandle string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewMeetingID(platform, nativeID string) MeetingID {
	return MeetingID(platform + ":" + nativeID)
}

// Split returns the platform and native meeting id. An id without a
// platform prefix yields an empty platform.
func (m MeetingID) Split() (platform, nativeID string) {
	p, n, ok := strings.Cut(string(m), ":")
	if !ok {
		return "", string(m)
	}
	return p, n
}
