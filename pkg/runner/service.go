package runner

import "context"

// Service represents a service that can be started and stopped.
// Services are managed by the Runner and should implement graceful
// startup and shutdown semantics.
type Service interface {
	// Name returns a unique identifier for this service.
	// Used for logging and error messages.
	Name() string

	// Start initializes and starts the service.
	// Should block until the service is ready to accept requests.
	// Must respect context cancellation.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the service.
	// Should complete within the context timeout.
	// Must respect context cancellation.
	Stop(ctx context.Context) error
}

// HealthChecker is an optional interface that services can implement
// to provide health check capabilities.
type HealthChecker interface {
	Service

	// HealthCheck returns an error if the service is unhealthy.
	HealthCheck(ctx context.Context) error
}

// funcService adapts start/stop functions into a Service, for components
// that manage their own goroutines and only need lifecycle hooks.
type funcService struct {
	name  string
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

// NewService wraps start and stop functions as a Service. Either function
// may be nil.
func NewService(name string, start, stop func(ctx context.Context) error) Service {
	return &funcService{name: name, start: start, stop: stop}
}

func (s *funcService) Name() string { return s.name }

func (s *funcService) Start(ctx context.Context) error {
	if s.start == nil {
		return nil
	}
	return s.start(ctx)
}

func (s *funcService) Stop(ctx context.Context) error {
	if s.stop == nil {
		return nil
	}
	return s.stop(ctx)
}
