package violations

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql

	"github.com/streamguard/moderator/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresConfig holds connection settings for the durable store.
type PostgresConfig struct {
	URL string

	// Connection pool settings. MaxOpenConns defaults to 4 (half the default
	// LLM concurrency of 8) when zero; it does not follow a configured
	// concurrency.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// PostgresStore is the durable violation store.
type PostgresStore struct {
	db *stdsql.DB
}

// NewPostgresStore opens the database, verifies connectivity, and applies
// pending migrations. Migration files are embedded into the binary so
// deployments need no external files.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	db, err := stdsql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 4
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// DB returns the underlying connection for health checks.
func (s *PostgresStore) DB() *stdsql.DB {
	return s.db
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Record implements Store. The write is committed before return.
func (s *PostgresStore) Record(ctx context.Context, v *models.UserViolation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO violations
			(id, message_id, user_id, channel_id, decision, severity, action_kind, reason, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		v.ViolationID, v.MessageID, v.UserID, v.ChannelID,
		string(v.Decision), string(v.Severity), string(v.ActionKind),
		v.Reason, v.CreatedAt, v.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("%w: insert violation: %w", ErrUnavailable, err)
	}
	return nil
}

// Recent implements Store.
func (s *PostgresStore) Recent(ctx context.Context, userID string, window time.Duration) ([]models.UserViolation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, user_id, channel_id, decision, severity, action_kind, reason, created_at, expires_at
		FROM violations
		WHERE user_id = $1
		  AND created_at > $2
		  AND (expires_at IS NULL OR expires_at > now())
		ORDER BY created_at DESC`,
		userID, time.Now().Add(-window),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query violations: %w", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.UserViolation
	for rows.Next() {
		var v models.UserViolation
		var decision, severity, actionKind string
		var expiresAt stdsql.NullTime
		if err := rows.Scan(&v.ViolationID, &v.MessageID, &v.UserID, &v.ChannelID,
			&decision, &severity, &actionKind, &v.Reason, &v.CreatedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("%w: scan violation: %w", ErrUnavailable, err)
		}
		v.Decision = models.VerdictDecision(decision)
		v.Severity = models.Severity(severity)
		v.ActionKind = models.ActionKind(actionKind)
		if expiresAt.Valid {
			t := expiresAt.Time
			v.ExpiresAt = &t
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Counts implements Store with a single aggregate query.
func (s *PostgresStore) Counts(ctx context.Context, userID string, window time.Duration) (models.ViolationCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT severity, decision, count(*)
		FROM violations
		WHERE user_id = $1
		  AND created_at > $2
		  AND (expires_at IS NULL OR expires_at > now())
		GROUP BY severity, decision`,
		userID, time.Now().Add(-window),
	)
	if err != nil {
		return models.ViolationCounts{}, fmt.Errorf("%w: count violations: %w", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	counts := models.ViolationCounts{
		BySeverity: make(map[models.Severity]int),
		ByDecision: make(map[models.VerdictDecision]int),
	}
	for rows.Next() {
		var severity, decision string
		var n int
		if err := rows.Scan(&severity, &decision, &n); err != nil {
			return models.ViolationCounts{}, fmt.Errorf("%w: scan counts: %w", ErrUnavailable, err)
		}
		counts.Total += n
		counts.BySeverity[models.Severity(severity)] += n
		counts.ByDecision[models.VerdictDecision(decision)] += n
	}
	return counts, rows.Err()
}

// DeleteOlderThan removes violations created before the cutoff. Used by the
// retention sweep.
func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM violations WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: retention delete: %w", ErrUnavailable, err)
	}
	return res.RowsAffected()
}

// runMigrations applies embedded SQL migrations with golang-migrate.
func runMigrations(db *stdsql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "violations", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source. m.Close() would also close the
	// database driver, taking the shared *sql.DB with it.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	slog.Info("Violation store migrations applied")
	return nil
}
