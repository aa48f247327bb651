package runtime

import (
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/user/meetbot/internal/types"
)

// slots caps the number of live workers. A slot is reserved before a
// start, bound to the handle on success and released when the worker is
// stopped or observed to have exited.
//
// Workers found running at startup are adopted. When there are more of them
// than slots, the excess is held without a semaphore token and inherits one
// as others release.
type slots struct {
	size int64
	sem  *semaphore.Weighted
	mu   sync.Mutex
	held map[types.WorkerHandle]bool // value: holds a semaphore token
	over int
}

func newSlots(size int) *slots {
	return &slots{
		size: int64(size),
		sem:  semaphore.NewWeighted(int64(size)),
		held: make(map[types.WorkerHandle]bool),
	}
}

func (s *slots) reserve() error {
	if !s.sem.TryAcquire(1) {
		return fmt.Errorf("%w: all %d worker slots in use", types.ErrResourceExhausted, s.size)
	}
	return nil
}

// cancel returns a reservation that never became a worker.
func (s *slots) cancel() {
	s.sem.Release(1)
}

func (s *slots) bind(h types.WorkerHandle) {
	s.mu.Lock()
	s.held[h] = true
	s.mu.Unlock()
}

// adopt counts an already running worker against the cap.
func (s *slots) adopt(h types.WorkerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.held[h]; ok {
		return
	}
	backed := s.sem.TryAcquire(1)
	s.held[h] = backed
	if !backed {
		s.over++
	}
}

func (s *slots) release(h types.WorkerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	backed, ok := s.held[h]
	if !ok {
		return
	}
	delete(s.held, h)
	if !backed {
		s.over--
		return
	}
	if s.over > 0 {
		for other, b := range s.held {
			if !b {
				s.held[other] = true
				s.over--
				return
			}
		}
	}
	s.sem.Release(1)
}

func (s *slots) inUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}
