package importer

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger 將匯入摘要保存到 import_runs
//
// 表結構由 internal/migrations 管理。
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger 創建匯入紀錄
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

// NewPool 依連線字串建立連接池並驗證連線
func NewPool(ctx context.Context, dsn string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	if minConns > 0 {
		config.MinConns = minConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return pool, nil
}

// RecordRun 實現 RunRecorder，寫入後回填 summary.ID
//
// 結束時間早於開始時間時以開始時間寫入，避免違反 import_runs 的檢查條件。
func (l *PostgresLedger) RecordRun(ctx context.Context, summary *Summary) error {
	finished := summary.FinishedAt
	if finished.Before(summary.StartedAt) {
		finished = summary.StartedAt
	}

	query := `
		INSERT INTO import_runs
			(source, started_at, finished_at, records_read, imported, filtered, skipped, failed, users, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''))
		RETURNING id
	`

	err := l.pool.QueryRow(ctx, query,
		summary.Source,
		summary.StartedAt,
		finished,
		summary.Read,
		summary.Imported,
		summary.Filtered,
		summary.Skipped,
		summary.Failed,
		summary.Users,
		summary.Error,
	).Scan(&summary.ID)
	if err != nil {
		return fmt.Errorf("insert import run: %w", err)
	}

	return nil
}

// ListRuns 最近的 limit 次匯入（新到舊）
func (l *PostgresLedger) ListRuns(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		return []Summary{}, nil
	}

	query := `
		SELECT id, source, started_at, finished_at, records_read, imported,
		       filtered, skipped, failed, users, COALESCE(error, '')
		FROM import_runs
		ORDER BY started_at DESC, id DESC
		LIMIT $1
	`

	rows, err := l.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query import runs: %w", err)
	}

	runs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Summary, error) {
		var s Summary
		err := row.Scan(
			&s.ID,
			&s.Source,
			&s.StartedAt,
			&s.FinishedAt,
			&s.Read,
			&s.Imported,
			&s.Filtered,
			&s.Skipped,
			&s.Failed,
			&s.Users,
			&s.Error,
		)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan import runs: %w", err)
	}

	return runs, nil
}
