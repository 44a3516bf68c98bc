package dlq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rbaliyan/pubsub"
)

/*
PostgreSQL Schema (created by EnsureSchema):

CREATE TABLE pubsub_dead_letters (
    id               VARCHAR(36) PRIMARY KEY,
    topic            VARCHAR(255) NOT NULL,
    outbox_id        BIGINT NOT NULL,
    event_id         VARCHAR(36) NOT NULL,
    event_name       VARCHAR(255) NOT NULL,
    version_major    INT NOT NULL,
    version_minor    INT NOT NULL,
    version_build    INT,
    json_payload     BYTEA NOT NULL,
    retry_count      INT NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ NOT NULL,
    failure_reason   TEXT NOT NULL,
    dead_lettered_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX idx_pubsub_dead_letters_event_name ON pubsub_dead_letters(event_name);
CREATE INDEX idx_pubsub_dead_letters_dead_lettered_at ON pubsub_dead_letters(dead_lettered_at);
*/

// DB is the subset of *pgxpool.Pool used by PostgresStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is a PostgreSQL-based DLQ store
type PostgresStore struct {
	db    DB
	table string
}

// NewPostgresStore creates a new PostgreSQL DLQ store
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{
		db:    db,
		table: "pubsub_dead_letters",
	}
}

// WithTable sets a custom table name
func (s *PostgresStore) WithTable(table string) *PostgresStore {
	s.table = table
	return s
}

// EnsureSchema creates the table and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id               VARCHAR(36) PRIMARY KEY,
			topic            VARCHAR(255) NOT NULL,
			outbox_id        BIGINT NOT NULL,
			event_id         VARCHAR(36) NOT NULL,
			event_name       VARCHAR(255) NOT NULL,
			version_major    INT NOT NULL,
			version_minor    INT NOT NULL,
			version_build    INT,
			json_payload     BYTEA NOT NULL,
			retry_count      INT NOT NULL DEFAULT 0,
			created_at       TIMESTAMPTZ NOT NULL,
			failure_reason   TEXT NOT NULL,
			dead_lettered_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_event_name ON %[1]s(event_name)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_dead_lettered_at ON %[1]s(dead_lettered_at)`, s.table),
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const entryColumns = `id, topic, outbox_id, event_id, event_name, version_major, version_minor, version_build,
	json_payload, retry_count, created_at, failure_reason, dead_lettered_at`

// Add stores an entry
func (s *PostgresStore) Add(ctx context.Context, entry *Entry) error {
	v := entry.Event.DomainModelVersion
	var build *int
	if !v.WildcardBuild {
		b := v.Build
		build = &b
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, s.table, entryColumns)

	_, err := s.db.Exec(ctx, query,
		entry.ID,
		entry.Topic,
		entry.Event.ID,
		entry.Event.EventID,
		entry.Event.EventName,
		v.Major,
		v.Minor,
		build,
		entry.Event.JSONPayload,
		entry.RetryCount,
		entry.Event.CreatedAt,
		entry.Reason,
		entry.DeadLetteredAt,
	)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var major, minor int
	var build *int
	err := row.Scan(
		&e.ID,
		&e.Topic,
		&e.Event.ID,
		&e.Event.EventID,
		&e.Event.EventName,
		&major,
		&minor,
		&build,
		&e.Event.JSONPayload,
		&e.RetryCount,
		&e.Event.CreatedAt,
		&e.Reason,
		&e.DeadLetteredAt,
	)
	if err != nil {
		return nil, err
	}
	if build == nil {
		e.Event.DomainModelVersion = pubsub.NewWildcardVersion(major, minor)
	} else {
		e.Event.DomainModelVersion = pubsub.NewVersion(major, minor, *build)
	}
	e.Event.RetryCount = e.RetryCount
	e.Event.LastError = e.Reason
	return &e, nil
}

// Get retrieves a single entry by ID
func (s *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, entryColumns, s.table)
	e, err := scanEntry(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return e, nil
}

// List returns entries matching the filter, oldest first.
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	query, args := s.buildListQuery(filter, false)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of entries matching the filter
func (s *PostgresStore) Count(ctx context.Context, filter Filter) (int64, error) {
	query, args := s.buildListQuery(filter, true)

	var count int64
	if err := s.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("query: %w", err)
	}
	return count, nil
}

// buildListQuery builds the SQL query for List and Count
func (s *PostgresStore) buildListQuery(filter Filter, countOnly bool) (string, []any) {
	var conditions []string
	var args []any
	argIndex := 1

	if filter.EventName != "" {
		conditions = append(conditions, fmt.Sprintf("event_name = $%d", argIndex))
		args = append(args, filter.EventName)
		argIndex++
	}

	if !filter.StartTime.IsZero() {
		conditions = append(conditions, fmt.Sprintf("dead_lettered_at >= $%d", argIndex))
		args = append(args, filter.StartTime)
		argIndex++
	}

	if !filter.EndTime.IsZero() {
		conditions = append(conditions, fmt.Sprintf("dead_lettered_at <= $%d", argIndex))
		args = append(args, filter.EndTime)
		argIndex++
	}

	if filter.Reason != "" {
		conditions = append(conditions, fmt.Sprintf("failure_reason LIKE $%d", argIndex))
		args = append(args, "%"+filter.Reason+"%")
		argIndex++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	if countOnly {
		return fmt.Sprintf("SELECT COUNT(*) FROM %s %s", s.table, whereClause), args
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		%s
		ORDER BY dead_lettered_at, id
	`, entryColumns, s.table, whereClause)

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
		argIndex++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIndex)
		args = append(args, filter.Offset)
	}

	return query, args
}

// DeleteOlderThan removes entries older than age
func (s *PostgresStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE dead_lettered_at < $1`, s.table)
	tag, err := s.db.Exec(ctx, query, time.Now().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time check
var _ Store = (*PostgresStore)(nil)
