package health

import (
	"context"
)

// Pinger is the slice of the repository the database check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker reports whether the backing store is reachable.
type DatabaseChecker struct {
	store Pinger
}

// NewDatabaseChecker creates a database health check.
func NewDatabaseChecker(store Pinger) *DatabaseChecker {
	return &DatabaseChecker{store: store}
}

// Name identifies the checked component.
func (c *DatabaseChecker) Name() string {
	return "database"
}

// Check pings the store.
func (c *DatabaseChecker) Check(ctx context.Context) Result {
	return run(func() error {
		return c.store.Ping(ctx)
	})
}
