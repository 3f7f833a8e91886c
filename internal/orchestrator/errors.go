package orchestrator

import "errors"

var (
	// ErrNotInitialized is returned by task operations before Initialize
	ErrNotInitialized = errors.New("orchestrator not initialized")

	// ErrAlreadyInitialized is returned by a second Initialize call
	ErrAlreadyInitialized = errors.New("orchestrator already initialized")

	// ErrShutdown is returned by task operations after Shutdown
	ErrShutdown = errors.New("orchestrator shut down")

	// ErrNoAgents is returned by Initialize when no agent type has handlers
	ErrNoAgents = errors.New("no agent types registered")
)
