package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/dualrun/internal/runtime/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id TEXT NOT NULL,
	kind TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	core TEXT NOT NULL DEFAULT '',
	arrived_at INTEGER NOT NULL,
	partition_day TEXT NOT NULL,
	payload BLOB NOT NULL,
	PRIMARY KEY (kind, correlation_id, core)
);

CREATE INDEX IF NOT EXISTS idx_audit_records_correlation ON audit_records(correlation_id);
CREATE INDEX IF NOT EXISTS idx_audit_records_partition ON audit_records(partition_day, arrived_at);
`

// SQLiteConfig configures the SQLite adapter.
type SQLiteConfig struct {
	// FilePath is the database file. ":memory:" keeps everything in process.
	FilePath string
}

func (c SQLiteConfig) withDefaults() SQLiteConfig {
	if c.FilePath == "" {
		c.FilePath = "dualrun_audit.db"
	}
	return c
}

// SQLite persists records in a single WAL-mode database file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens the database and creates the schema.
func NewSQLite(cfg SQLiteConfig) (*SQLite, error) {
	cfg = cfg.withDefaults()

	dsn := cfg.FilePath + "?_journal_mode=WAL&_busy_timeout=5000"
	if cfg.FilePath == ":memory:" {
		dsn = fmt.Sprintf("file:dualrun-%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Append(ctx context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO audit_records (id, kind, correlation_id, core, arrived_at, partition_day, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx,
			rec.ID, string(rec.Kind), rec.CorrelationID, string(rec.Core),
			rec.ArrivedAt.UnixNano(), rec.Partition, rec.Payload,
		); err != nil {
			return fmt.Errorf("failed to insert %s record: %w", rec.Kind, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit records: %w", err)
	}
	return nil
}

func (s *SQLite) Query(ctx context.Context, correlationID string) (Records, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, correlation_id, core, arrived_at, partition_day, payload
		FROM audit_records
		WHERE correlation_id = ?
		ORDER BY arrived_at`, correlationID)
	if err != nil {
		return Records{}, fmt.Errorf("failed to query records: %w", err)
	}
	raw, err := scanSQLRows(rows)
	if err != nil {
		return Records{}, err
	}
	return Decode(correlationID, raw)
}

func (s *SQLite) QueryRange(ctx context.Context, from, to time.Time, limit int) ([]Record, error) {
	query := `
		SELECT id, kind, correlation_id, core, arrived_at, partition_day, payload
		FROM audit_records
		WHERE partition_day >= ? AND partition_day <= ? AND arrived_at >= ? AND arrived_at < ?
		ORDER BY arrived_at`
	args := []any{
		from.UTC().Format(PartitionLayout), to.UTC().Format(PartitionLayout),
		from.UnixNano(), to.UnixNano(),
	}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query range: %w", err)
	}
	return scanSQLRows(rows)
}

func scanSQLRows(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			rec        Record
			kind, core string
			arrivedAt  int64
		)
		if err := rows.Scan(&rec.ID, &kind, &rec.CorrelationID, &core, &arrivedAt, &rec.Partition, &rec.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Kind = Kind(kind)
		rec.Core = model.Core(core)
		rec.ArrivedAt = time.Unix(0, arrivedAt).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of stored records of kind, or of every kind when
// kind is empty.
func (s *SQLite) Count(ctx context.Context, kind Kind) (int64, error) {
	query := "SELECT COUNT(*) FROM audit_records"
	var args []any
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, string(kind))
	}
	var count int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
