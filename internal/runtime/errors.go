package runtime

import "errors"

var (
	// ErrInstanceExists is returned when a strategy ID is registered twice.
	ErrInstanceExists = errors.New("strategy instance already exists")
	// ErrInstanceNotFound is returned for deals or commands naming no running strategy.
	ErrInstanceNotFound = errors.New("strategy instance not found")
	// ErrNotRunning is returned when feeding an instance whose lanes are down.
	ErrNotRunning = errors.New("strategy instance not running")
	// ErrStopTimeout is returned when lanes outlive the stop timeout.
	ErrStopTimeout = errors.New("lanes did not exit before stop timeout")
)
