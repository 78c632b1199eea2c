package service

import (
	"fmt"

	"github.com/openportal-dev/openportal/internal/registry"
)

// legalTransitions enumerates every lifecycle transition the controller may
// drive. Start is legal from Running because a recorded-running entry whose
// instance is still live is restarted (stopped first, then recreated).
var legalTransitions = map[registry.State][]registry.State{
	registry.StateNew:     {registry.StateRunning},
	registry.StateRunning: {registry.StateRunning, registry.StateStopped, registry.StateDeleted},
	registry.StateStopped: {registry.StateRunning, registry.StateStopped, registry.StateDeleted},
	registry.StateDeleted: {},
}

// checkTransition returns ErrIllegalTransition if from -> to is not in the
// lifecycle table.
func checkTransition(from, to registry.State) error {
	for _, next := range legalTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
