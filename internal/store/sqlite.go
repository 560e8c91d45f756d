package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/rollupd/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Worker cursors ---

func (s *SQLiteStore) SaveCursor(ctx context.Context, tenantKey string, workerIndex int, c model.WorkerCursor) error {
	s.logger.Debug("sql", "op", "upsert", "table", "worker_cursors", "worker_index", workerIndex)

	finishedJSON, err := json.Marshal(c.Finished)
	if err != nil {
		return fmt.Errorf("marshal finished: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO worker_cursors (tenant_key, worker_index, pre_agg_cursor, timezone_cursor, partition_cursor, partition_counter, finished, concurrency, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_key, worker_index) DO UPDATE SET
		   pre_agg_cursor=excluded.pre_agg_cursor,
		   timezone_cursor=excluded.timezone_cursor,
		   partition_cursor=excluded.partition_cursor,
		   partition_counter=excluded.partition_counter,
		   finished=excluded.finished,
		   concurrency=excluded.concurrency,
		   updated_at=excluded.updated_at`,
		tenantKey, workerIndex, c.PreAggregationCursor, c.TimezoneCursor, c.PartitionCursor, c.PartitionCounter,
		string(finishedJSON), c.Concurrency, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) GetCursor(ctx context.Context, tenantKey string, workerIndex int) (*model.WorkerCursor, error) {
	s.logger.Debug("sql", "op", "select", "table", "worker_cursors", "worker_index", workerIndex)

	var c model.WorkerCursor
	var finishedJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT pre_agg_cursor, timezone_cursor, partition_cursor, partition_counter, finished, concurrency
		 FROM worker_cursors WHERE tenant_key = ? AND worker_index = ?`, tenantKey, workerIndex,
	).Scan(&c.PreAggregationCursor, &c.TimezoneCursor, &c.PartitionCursor, &c.PartitionCounter, &finishedJSON, &c.Concurrency)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(finishedJSON), &c.Finished); err != nil {
		return nil, fmt.Errorf("unmarshal finished: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStore) DeleteCursor(ctx context.Context, tenantKey string, workerIndex int) error {
	s.logger.Debug("sql", "op", "delete", "table", "worker_cursors", "worker_index", workerIndex)
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM worker_cursors WHERE tenant_key = ? AND worker_index = ?`, tenantKey, workerIndex)
	return err
}

func (s *SQLiteStore) DeleteCursorsFrom(ctx context.Context, tenantKey string, workerIndex int) error {
	s.logger.Debug("sql", "op", "delete", "table", "worker_cursors", "from_worker_index", workerIndex)
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM worker_cursors WHERE tenant_key = ? AND worker_index >= ?`, tenantKey, workerIndex)
	return err
}

// --- Refresh runs ---

func (s *SQLiteStore) CreateRefreshRun(ctx context.Context, run *model.RefreshRun) error {
	s.logger.Debug("sql", "op", "insert", "table", "refresh_runs", "id", run.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_runs (id, request_id, tenant_key, finished, warmup, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.RequestID, run.TenantKey, run.Finished, run.Warmup, run.Error,
		run.StartedAt.Format(time.RFC3339Nano), formatTimePtr(run.CompletedAt),
	)
	return err
}

func (s *SQLiteStore) UpdateRefreshRun(ctx context.Context, run *model.RefreshRun) error {
	s.logger.Debug("sql", "op", "update", "table", "refresh_runs", "id", run.ID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE refresh_runs SET finished=?, error=?, completed_at=? WHERE id=?`,
		run.Finished, run.Error, formatTimePtr(run.CompletedAt), run.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("refresh run %s not found", run.ID)
	}
	return nil
}

func (s *SQLiteStore) GetRefreshRun(ctx context.Context, id string) (*model.RefreshRun, error) {
	s.logger.Debug("sql", "op", "select", "table", "refresh_runs", "id", id)

	run, err := scanRefreshRun(s.db.QueryRowContext(ctx,
		`SELECT id, request_id, tenant_key, finished, warmup, error, started_at, completed_at
		 FROM refresh_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (s *SQLiteStore) ListRefreshRuns(ctx context.Context, opts model.ListOptions) ([]*model.RefreshRun, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "refresh_runs", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	whereSQL := ""
	var countArgs []any
	if opts.Tenant != "" {
		whereSQL = " WHERE tenant_key = ?"
		countArgs = append(countArgs, opts.Tenant)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM refresh_runs`+whereSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := `SELECT id, request_id, tenant_key, finished, warmup, error, started_at, completed_at
		FROM refresh_runs` + whereSQL + ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	listArgs := append(countArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*model.RefreshRun
	for rows.Next() {
		run, err := scanRefreshRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRefreshRun(row scanner) (*model.RefreshRun, error) {
	var run model.RefreshRun
	var startedAt string
	var completedAt *string
	if err := row.Scan(&run.ID, &run.RequestID, &run.TenantKey, &run.Finished, &run.Warmup,
		&run.Error, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if completedAt != nil {
		t, _ := time.Parse(time.RFC3339Nano, *completedAt)
		run.CompletedAt = &t
	}
	return &run, nil
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}
