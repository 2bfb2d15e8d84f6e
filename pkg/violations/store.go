// Package violations persists per-user moderation violations and serves the
// history queries behind the policy engine's escalation rules. The durable
// implementation is PostgreSQL; an in-memory implementation backs tests and
// storeless deployments.
package violations

import (
	"context"
	"errors"
	"time"

	"github.com/streamguard/moderator/pkg/models"
)

// DefaultRetention is how long violations are kept before the retention
// sweep removes them.
const DefaultRetention = 90 * 24 * time.Hour

// ErrUnavailable wraps store failures so the decision handler can downgrade
// to the persistence_failure path instead of failing the request.
var ErrUnavailable = errors.New("violation store unavailable")

// Store is the violation persistence interface. Writes are durable before
// the call returns; reads are linearizable within a single writer process
// and best-effort across processes.
type Store interface {
	// Record persists one violation.
	Record(ctx context.Context, v *models.UserViolation) error
	// Recent returns the user's violations inside the window, newest first.
	Recent(ctx context.Context, userID string, window time.Duration) ([]models.UserViolation, error)
	// Counts summarizes the user's violations inside the window.
	Counts(ctx context.Context, userID string, window time.Duration) (models.ViolationCounts, error)
}
