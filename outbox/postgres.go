package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rbaliyan/pubsub"
)

// DB is the subset of *pgxpool.Pool and pgx.Tx used by the postgres stores.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// WithTx returns a context whose outbox writes join tx.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction carried by ctx, if any.
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// PostgresStore implements Store for PostgreSQL using pgx.
//
// Concurrent publishers are safe: GetUnflushedEvents selects with
// FOR UPDATE SKIP LOCKED and stamps a lease (claimed_by, claimed_until) on
// the rows it returns. Flushed rows are kept until DeleteFlushed.
//
// Required Schema (created by EnsureSchema):
//
//	CREATE TABLE pubsub_outbox (
//	    id              BIGSERIAL PRIMARY KEY,
//	    event_id        VARCHAR(36) NOT NULL UNIQUE,
//	    event_name      VARCHAR(255) NOT NULL,
//	    version_major   INT NOT NULL,
//	    version_minor   INT NOT NULL,
//	    version_build   INT,
//	    json_payload    BYTEA NOT NULL,
//	    retry_count     INT NOT NULL DEFAULT 0,
//	    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    flushed_at      TIMESTAMPTZ,
//	    claimed_by      VARCHAR(36),
//	    claimed_until   TIMESTAMPTZ,
//	    last_error      TEXT
//	);
//	CREATE INDEX idx_pubsub_outbox_unflushed ON pubsub_outbox(id) WHERE flushed_at IS NULL;
//
// A NULL version_build is the wildcard build.
type PostgresStore struct {
	db        DB
	tableName string
	owner     string
	lease     time.Duration
}

// NewPostgresStore creates a new PostgreSQL outbox store.
//
// The default table name is "pubsub_outbox".
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{
		db:        db,
		tableName: "pubsub_outbox",
		owner:     pubsub.NewID(),
		lease:     DefaultLease,
	}
}

// WithTableName sets a custom table name.
func (s *PostgresStore) WithTableName(name string) *PostgresStore {
	s.tableName = name
	return s
}

// WithLease sets how long a claim lasts before another publisher may take
// the event over.
func (s *PostgresStore) WithLease(d time.Duration) *PostgresStore {
	s.lease = d
	return s
}

// EnsureSchema creates the outbox table and index if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id              BIGSERIAL PRIMARY KEY,
			event_id        VARCHAR(36) NOT NULL UNIQUE,
			event_name      VARCHAR(255) NOT NULL,
			version_major   INT NOT NULL,
			version_minor   INT NOT NULL,
			version_build   INT,
			json_payload    BYTEA NOT NULL,
			retry_count     INT NOT NULL DEFAULT 0,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			flushed_at      TIMESTAMPTZ,
			claimed_by      VARCHAR(36),
			claimed_until   TIMESTAMPTZ,
			last_error      TEXT
		)
	`, s.tableName))
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_%[1]s_unflushed ON %[1]s(id) WHERE flushed_at IS NULL`,
		s.tableName))
	return err
}

func (s *PostgresStore) conn(ctx context.Context) DB {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return s.db
}

// versionColumns splits a version into its stored columns.
func versionColumns(v pubsub.DomainModelVersion) (int, int, *int) {
	if v.WildcardBuild {
		return v.Major, v.Minor, nil
	}
	build := v.Build
	return v.Major, v.Minor, &build
}

func versionFromColumns(major, minor int, build *int) pubsub.DomainModelVersion {
	if build == nil {
		return pubsub.NewWildcardVersion(major, minor)
	}
	return pubsub.NewVersion(major, minor, *build)
}

// Add inserts ev, inside the transaction carried by ctx when there is one.
func (s *PostgresStore) Add(ctx context.Context, ev *pubsub.OutboxEvent) error {
	if ev == nil || ev.EventName == "" {
		return fmt.Errorf("add: %w", pubsub.ErrValidation)
	}
	if ev.EventID == "" {
		ev.EventID = pubsub.NewID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	major, minor, build := versionColumns(ev.DomainModelVersion)

	query := fmt.Sprintf(`
		INSERT INTO %s (event_id, event_name, version_major, version_minor, version_build,
			json_payload, created_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING id
	`, s.tableName)

	return s.conn(ctx).QueryRow(ctx, query,
		ev.EventID,
		ev.EventName,
		major,
		minor,
		build,
		ev.JSONPayload,
		ev.CreatedAt,
	).Scan(&ev.ID)
}

// GetUnflushedEvents claims up to batchSize due events, oldest first.
func (s *PostgresStore) GetUnflushedEvents(ctx context.Context, batchSize int) ([]*pubsub.OutboxEvent, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	now := time.Now().UTC()

	query := fmt.Sprintf(`
		WITH batch AS (
			SELECT id FROM %[1]s
			WHERE flushed_at IS NULL
			  AND next_attempt_at <= $1
			  AND (claimed_until IS NULL OR claimed_until < $1)
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %[1]s o
		SET claimed_by = $3, claimed_until = $4
		FROM batch
		WHERE o.id = batch.id
		RETURNING o.id, o.event_id, o.event_name, o.version_major, o.version_minor, o.version_build,
			o.json_payload, o.retry_count, o.created_at, o.next_attempt_at, COALESCE(o.last_error, '')
	`, s.tableName)

	rows, err := s.db.Query(ctx, query, now, batchSize, s.owner, now.Add(s.lease))
	if err != nil {
		return nil, fmt.Errorf("claim outbox events: %w", err)
	}
	defer rows.Close()

	var events []*pubsub.OutboxEvent
	for rows.Next() {
		var ev pubsub.OutboxEvent
		var major, minor int
		var build *int
		if err := rows.Scan(
			&ev.ID,
			&ev.EventID,
			&ev.EventName,
			&major,
			&minor,
			&build,
			&ev.JSONPayload,
			&ev.RetryCount,
			&ev.CreatedAt,
			&ev.NextAttemptAt,
			&ev.LastError,
		); err != nil {
			return nil, err
		}
		ev.DomainModelVersion = versionFromColumns(major, minor, build)
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not preserve the CTE order.
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}

// MarkFlushed stamps flushed_at and releases the claim.
func (s *PostgresStore) MarkFlushed(ctx context.Context, ev *pubsub.OutboxEvent) error {
	now := time.Now().UTC()
	query := fmt.Sprintf(`
		UPDATE %s
		SET flushed_at = $1, claimed_by = NULL, claimed_until = NULL, last_error = NULL
		WHERE id = $2 AND claimed_by = $3
	`, s.tableName)

	tag, err := s.db.Exec(ctx, query, now, ev.ID, s.owner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	ev.FlushedAt = &now
	return nil
}

// IncrementRetry bumps retry_count under the claim and returns the new value.
func (s *PostgresStore) IncrementRetry(ctx context.Context, ev *pubsub.OutboxEvent, cause error) (int, error) {
	next := ev.NextAttemptAt
	if next.IsZero() {
		next = time.Now().UTC()
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET retry_count = retry_count + 1, last_error = $1, next_attempt_at = $2,
			claimed_by = NULL, claimed_until = NULL
		WHERE id = $3 AND claimed_by = $4
		RETURNING retry_count
	`, s.tableName)

	var count int
	err := s.db.QueryRow(ctx, query, errorText(cause), next, ev.ID, s.owner).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrClaimLost
	}
	if err != nil {
		return 0, err
	}
	ev.RetryCount = count
	ev.LastError = errorText(cause)
	return count, nil
}

// Remove deletes ev.
func (s *PostgresStore) Remove(ctx context.Context, ev *pubsub.OutboxEvent) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.tableName)
	tag, err := s.db.Exec(ctx, query, ev.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

// Release clears this store's claim on ev.
func (s *PostgresStore) Release(ctx context.Context, ev *pubsub.OutboxEvent) error {
	query := fmt.Sprintf(`
		UPDATE %s SET claimed_by = NULL, claimed_until = NULL
		WHERE id = $1 AND claimed_by = $2
	`, s.tableName)
	_, err := s.db.Exec(ctx, query, ev.ID, s.owner)
	return err
}

// DeleteFlushed removes events flushed more than olderThan ago.
func (s *PostgresStore) DeleteFlushed(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE flushed_at IS NOT NULL AND flushed_at < $1
	`, s.tableName)

	tag, err := s.db.Exec(ctx, query, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Compile-time checks
var (
	_ Store   = (*PostgresStore)(nil)
	_ Cleaner = (*PostgresStore)(nil)
)
