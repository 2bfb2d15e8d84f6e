package violations

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/streamguard/moderator/pkg/models"
)

// MemoryStore is an in-process violation store for tests and deployments
// without a database. Same interface, no durability.
type MemoryStore struct {
	mu        sync.RWMutex
	byUser    map[string][]models.UserViolation
	retention time.Duration
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStore{
		byUser:    make(map[string][]models.UserViolation),
		retention: retention,
	}
}

// Record implements Store.
func (s *MemoryStore) Record(_ context.Context, v *models.UserViolation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byUser[v.UserID] = append(s.byUser[v.UserID], *v)
	return nil
}

// Recent implements Store.
func (s *MemoryStore) Recent(_ context.Context, userID string, window time.Duration) ([]models.UserViolation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	var out []models.UserViolation
	for _, v := range s.byUser[userID] {
		if v.CreatedAt.After(cutoff) && !expired(&v) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Counts implements Store.
func (s *MemoryStore) Counts(ctx context.Context, userID string, window time.Duration) (models.ViolationCounts, error) {
	recent, err := s.Recent(ctx, userID, window)
	if err != nil {
		return models.ViolationCounts{}, err
	}
	counts := models.ViolationCounts{
		BySeverity: make(map[models.Severity]int),
		ByDecision: make(map[models.VerdictDecision]int),
	}
	for _, v := range recent {
		counts.Total++
		counts.BySeverity[v.Severity]++
		counts.ByDecision[v.Decision]++
	}
	return counts, nil
}

// Sweep removes violations older than the retention period. Returns the
// number removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.retention)
	removed := 0
	for user, vs := range s.byUser {
		valid := vs[:0]
		for _, v := range vs {
			if v.CreatedAt.After(cutoff) {
				valid = append(valid, v)
			} else {
				removed++
			}
		}
		if len(valid) == 0 {
			delete(s.byUser, user)
		} else {
			s.byUser[user] = valid
		}
	}
	return removed
}

func expired(v *models.UserViolation) bool {
	return v.ExpiresAt != nil && v.ExpiresAt.Before(time.Now())
}
