package orchestrator

import (
	"sync"

	"github.com/user/meetbot/internal/types"
)

// keyLocks hands out one mutex per meeting. Entries are never removed so
// two callers can never end up holding different mutexes for one meeting.
type keyLocks struct {
	mu    sync.Mutex
	locks map[types.MeetingID]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[types.MeetingID]*sync.Mutex)}
}

func (k *keyLocks) get(id types.MeetingID) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()

	if lock, ok := k.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	k.locks[id] = lock
	return lock
}
