package registry

import (
	"fmt"

	"github.com/user/meetbot/internal/types"
)

// allowedTransitions only moves forward. Stopping is reachable before
// Active so a stop that lands during startup has somewhere to go.
var allowedTransitions = map[types.SessionStatus]map[types.SessionStatus]struct{}{
	types.StatusRequested: {
		types.StatusStarting: {},
		types.StatusStopping: {},
		types.StatusFailed:   {},
	},
	types.StatusStarting: {
		types.StatusActive:   {},
		types.StatusStopping: {},
		types.StatusFailed:   {},
	},
	types.StatusActive: {
		types.StatusStopping: {},
		types.StatusFailed:   {},
	},
	types.StatusStopping: {
		types.StatusStopped: {},
		types.StatusFailed:  {},
	},
	types.StatusStopped: {},
	types.StatusFailed:  {},
}

func ValidateStatus(status types.SessionStatus) error {
	if _, ok := allowedTransitions[status]; !ok {
		return fmt.Errorf("%w: unknown status %q", types.ErrInvalidTransition, status)
	}
	return nil
}

func ValidateTransition(from, to types.SessionStatus) error {
	if err := ValidateStatus(from); err != nil {
		return err
	}
	if err := ValidateStatus(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, from, to)
	}
	return nil
}
