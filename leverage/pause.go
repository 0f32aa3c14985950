package leverage

import "errors"

// ErrPaused is returned by mutating operations while the module switch is
// engaged.
var ErrPaused = errors.New("leverage engine: module paused")

const moduleName = "leverage"

// PauseView exposes the operational pause switches the engine consults before
// mutating state.
type PauseView interface {
	IsPaused(module string) bool
}

func guard(p PauseView) error {
	if p == nil {
		return nil
	}
	if p.IsPaused(moduleName) {
		return ErrPaused
	}
	return nil
}
