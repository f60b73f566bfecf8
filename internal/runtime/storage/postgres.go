package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drblury/dualrun/internal/runtime/model"
)

// PostgresConfig configures the PostgreSQL adapter.
type PostgresConfig struct {
	ConnectionString string
	// SchemaName holds the audit table. Defaults to "dualrun".
	SchemaName string
	MaxConns   int32
}

func (c PostgresConfig) withDefaults() PostgresConfig {
	if c.SchemaName == "" {
		c.SchemaName = "dualrun"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	return c
}

// Postgres persists records through a pgx connection pool. Payloads are
// stored as JSONB so adapters downstream can index into them.
type Postgres struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgres connects, pings and creates the schema.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("PostgreSQL connection string is required")
	}
	cfg = cfg.withDefaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL connection string: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	p := &Postgres{
		pool:  pool,
		table: pgx.Identifier{cfg.SchemaName, "audit_records"}.Sanitize(),
	}
	if err := p.initSchema(ctx, cfg.SchemaName); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return p, nil
}

func (p *Postgres) initSchema(ctx context.Context, schema string) error {
	ddl := fmt.Sprintf(`
	CREATE SCHEMA IF NOT EXISTS %[1]s;

	CREATE TABLE IF NOT EXISTS %[2]s (
		id UUID NOT NULL,
		kind TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		core TEXT NOT NULL DEFAULT '',
		arrived_at TIMESTAMPTZ NOT NULL,
		partition_day DATE NOT NULL,
		payload JSONB NOT NULL,
		PRIMARY KEY (kind, correlation_id, core)
	);

	CREATE INDEX IF NOT EXISTS audit_records_correlation_idx ON %[2]s (correlation_id);
	CREATE INDEX IF NOT EXISTS audit_records_partition_idx ON %[2]s (partition_day, arrived_at);
	`, pgx.Identifier{schema}.Sanitize(), p.table)
	_, err := p.pool.Exec(ctx, ddl)
	return err
}

func (p *Postgres) Append(ctx context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	insert := fmt.Sprintf(`
		INSERT INTO %s (id, kind, correlation_id, core, arrived_at, partition_day, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (kind, correlation_id, core) DO NOTHING`, p.table)

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(insert,
			rec.ID, string(rec.Kind), rec.CorrelationID, string(rec.Core),
			rec.ArrivedAt, rec.Partition, rec.Payload,
		)
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for range records {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("failed to insert record: %w", err)
			}
		}
		return results.Close()
	})
}

func (p *Postgres) Query(ctx context.Context, correlationID string) (Records, error) {
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`
		SELECT id::text, kind, correlation_id, core, arrived_at, to_char(partition_day, 'YYYY-MM-DD'), payload
		FROM %s
		WHERE correlation_id = $1
		ORDER BY arrived_at`, p.table), correlationID)
	if err != nil {
		return Records{}, fmt.Errorf("failed to query records: %w", err)
	}
	raw, err := scanPgxRows(rows)
	if err != nil {
		return Records{}, err
	}
	return Decode(correlationID, raw)
}

func (p *Postgres) QueryRange(ctx context.Context, from, to time.Time, limit int) ([]Record, error) {
	query := fmt.Sprintf(`
		SELECT id::text, kind, correlation_id, core, arrived_at, to_char(partition_day, 'YYYY-MM-DD'), payload
		FROM %s
		WHERE partition_day BETWEEN $1::date AND $2::date AND arrived_at >= $3 AND arrived_at < $4
		ORDER BY arrived_at`, p.table)
	args := []any{
		from.UTC().Format(PartitionLayout), to.UTC().Format(PartitionLayout), from, to,
	}
	if limit > 0 {
		query += " LIMIT $5"
		args = append(args, limit)
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query range: %w", err)
	}
	return scanPgxRows(rows)
}

func scanPgxRows(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			rec        Record
			kind, core string
		)
		if err := rows.Scan(&rec.ID, &kind, &rec.CorrelationID, &core, &rec.ArrivedAt, &rec.Partition, &rec.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Kind = Kind(kind)
		rec.Core = model.Core(core)
		rec.ArrivedAt = rec.ArrivedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
