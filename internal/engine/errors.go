package engine

import "errors"

var (
	// ErrNilAgent is returned when registering a nil agent.
	ErrNilAgent = errors.New("nil spider")
	// ErrInvalidAgentName is returned when creating a spider with a blank name.
	ErrInvalidAgentName = errors.New("invalid spider name")
	// ErrAgentExists is returned when a spider name is already registered.
	// The existing registration is left untouched.
	ErrAgentExists = errors.New("spider already exists")
	// ErrUnknownAgent is returned when a spider name is not registered.
	ErrUnknownAgent = errors.New("unknown spider")
	// ErrInvalidJobRequest is returned when a job cannot be created from its arguments.
	ErrInvalidJobRequest = errors.New("invalid job request")
	// ErrJobNotFound is returned when cancelling a job that is not live.
	ErrJobNotFound = errors.New("job not found")
	// ErrNoProxySource is returned by proxy operations when no proxy source is attached.
	ErrNoProxySource = errors.New("no proxy source attached")
	// ErrNoMonitor is returned by Httpd when no monitor is attached.
	ErrNoMonitor = errors.New("no monitor attached")
	// ErrAlreadyRunning is returned by a second Run.
	ErrAlreadyRunning = errors.New("engine already running")
	// ErrEngineStopped is returned by mutating operations after Shutdown.
	ErrEngineStopped = errors.New("engine stopped")
	// ErrAgentFault wraps panics recovered from a spider's run loop.
	ErrAgentFault = errors.New("spider fault")
)
