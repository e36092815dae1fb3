package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// OpenPostgres connects and verifies the dispatch history database.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, record Record) error {
	query := `
		INSERT INTO dispatch_records (request_id, tenant_id, provider, attempts, prompt_tokens, output_tokens, latency_ms, streamed, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := s.db.ExecContext(ctx, query,
		record.RequestID,
		record.TenantID,
		record.Provider,
		record.Attempts,
		record.PromptTokens,
		record.OutputTokens,
		record.Latency.Milliseconds(),
		record.Streamed,
		record.Status,
		record.Error,
		record.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("insert dispatch record: %w", err)
	}

	return nil
}

// TenantRecords returns a tenant's dispatch history since a point in
// time, newest first.
func (s *PostgresStore) TenantRecords(ctx context.Context, tenantID string, since time.Time) ([]Record, error) {
	query := `
		SELECT request_id, tenant_id, provider, attempts, prompt_tokens, output_tokens, latency_ms, streamed, status, error, created_at
		FROM dispatch_records
		WHERE tenant_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("query dispatch records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var record Record
		var latencyMs int64
		err := rows.Scan(
			&record.RequestID,
			&record.TenantID,
			&record.Provider,
			&record.Attempts,
			&record.PromptTokens,
			&record.OutputTokens,
			&latencyMs,
			&record.Streamed,
			&record.Status,
			&record.Error,
			&record.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch record: %w", err)
		}
		record.Latency = time.Duration(latencyMs) * time.Millisecond
		records = append(records, record)
	}

	return records, rows.Err()
}
