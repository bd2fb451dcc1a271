package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/skylarbarrera/whim/pkg/types"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// timeLayout stores instants as fixed-width UTC text so that lexicographic
// comparison in SQL matches chronological order.
const timeLayout = "2006-01-02 15:04:05.000"

// Column lists shared by the SELECT statements below. Keeping every SQL
// statement here, next to the gateway, is deliberate: business logic only
// ever sees typed methods.
const (
	workItemColumns = `id, repo, branch, type, spec, description, status, priority,
		worker_id, iteration, max_iterations, retry_count, next_retry_at,
		parent_work_item_id, pr_number, pr_url, verification_passed,
		source, source_ref, error, metadata, created_at, updated_at`

	workerColumns = `id, work_item_id, status, iteration, last_heartbeat,
		started_at, completed_at, container_id, error`

	fileLockColumns = `worker_id, repo, file_path, acquired_at`
)

const (
	sqlInsertWorkItem = `INSERT INTO work_items (` + workItemColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlGetWorkItem = `SELECT ` + workItemColumns + ` FROM work_items WHERE id = ?`

	sqlListWorkItems = `SELECT ` + workItemColumns + ` FROM work_items ORDER BY created_at DESC`

	sqlListWorkItemsByType = `SELECT ` + workItemColumns + ` FROM work_items
		WHERE type = ? ORDER BY created_at DESC`

	// Eligible items: queued and past any retry hold. Priority descending,
	// FIFO within a priority.
	sqlEligibleWorkItems = `SELECT ` + workItemColumns + ` FROM work_items
		WHERE status = 'queued' AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY CASE priority
			WHEN 'critical' THEN 3
			WHEN 'high' THEN 2
			WHEN 'medium' THEN 1
			ELSE 0
		END DESC, created_at ASC
		LIMIT ?`

	sqlVerificationExists = `SELECT EXISTS(
		SELECT 1 FROM work_items
		WHERE type = 'verification' AND parent_work_item_id = ? AND pr_number = ?)`

	sqlWorkItemStats = `SELECT status, priority, COUNT(*) FROM work_items GROUP BY status, priority`

	sqlCountWorkItems      = `SELECT COUNT(*) FROM work_items WHERE status = ?`
	sqlCountWorkItemsSince = `SELECT COUNT(*) FROM work_items WHERE status = ? AND updated_at >= ?`

	sqlInsertWorker = `INSERT INTO workers (` + workerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlGetWorker    = `SELECT ` + workerColumns + ` FROM workers WHERE id = ?`
	sqlListWorkers  = `SELECT ` + workerColumns + ` FROM workers ORDER BY started_at DESC`
	sqlDeleteWorker = `DELETE FROM workers WHERE id = ?`

	sqlActiveWorkerForItem = `SELECT ` + workerColumns + ` FROM workers
		WHERE work_item_id = ? AND status IN ('starting', 'running') LIMIT 1`

	sqlStaleWorkers = `SELECT ` + workerColumns + ` FROM workers
		WHERE status IN ('starting', 'running') AND last_heartbeat < ?`

	sqlCountActiveWorkers = `SELECT COUNT(*) FROM workers WHERE status IN ('starting', 'running')`

	sqlWorkerStats = `SELECT status, COUNT(*) FROM workers GROUP BY status`

	sqlInsertFileLock = `INSERT INTO file_locks (` + fileLockColumns + `) VALUES (?, ?, ?, ?)`

	sqlGetFileLock = `SELECT ` + fileLockColumns + ` FROM file_locks
		WHERE repo = ? AND file_path = ?`

	// Ownership guard in the WHERE clause: a delete never touches rows held
	// by a different worker.
	sqlDeleteFileLock     = `DELETE FROM file_locks WHERE worker_id = ? AND repo = ? AND file_path = ?`
	sqlDeleteAllFileLocks = `DELETE FROM file_locks WHERE worker_id = ?`
	sqlLocksForWorker     = `SELECT ` + fileLockColumns + ` FROM file_locks WHERE worker_id = ? ORDER BY acquired_at`

	sqlInsertWorkerMetrics = `INSERT INTO worker_metrics
		(worker_id, work_item_id, tokens_in, tokens_out, duration_ms,
		 files_modified, tests_run, tests_passed, iteration, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlSumIterationsSince = `SELECT COALESCE(SUM(iteration), 0) FROM worker_metrics WHERE created_at >= ?`
	sqlAvgDurationSince   = `SELECT COALESCE(AVG(duration_ms), 0) FROM worker_metrics WHERE created_at >= ?`

	sqlInsertPRReview = `INSERT INTO pr_reviews (work_item_id, pr_number, review, created_at)
		VALUES (?, ?, ?, ?)`

	sqlInsertLearning   = `INSERT INTO learnings (repo, content, created_at) VALUES (?, ?, ?)`
	sqlListLearnings    = `SELECT id, repo, content, created_at FROM learnings ORDER BY created_at DESC`
	sqlLearningsForRepo = `SELECT id, repo, content, created_at FROM learnings WHERE repo = ? ORDER BY created_at DESC`
)

// SQLiteStore implements Store using an embedded sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database under dataDir and applies
// pending migrations.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "whim.db")
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is the store-native unique-index
// violation that the gateway normalizes into ErrDuplicate.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// --- Work items ---

func (s *SQLiteStore) CreateWorkItem(ctx context.Context, item *types.WorkItem) error {
	metadata, err := marshalMetadata(item.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, sqlInsertWorkItem,
		item.ID, item.Repo, item.Branch, string(item.Type),
		item.Spec, item.Description, string(item.Status), string(item.Priority),
		item.WorkerID, item.Iteration, item.MaxIterations, item.RetryCount,
		fmtTimePtr(item.NextRetryAt), item.ParentWorkItemID, item.PRNumber, item.PRURL,
		boolPtrToInt(item.VerificationPassed), item.Source, item.SourceRef, item.Error,
		metadata, fmtTime(item.CreatedAt), fmtTime(item.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("work item %s/%s: %w", item.Repo, item.Branch, ErrDuplicate)
	}
	return err
}

func (s *SQLiteStore) GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error) {
	row := s.db.QueryRowContext(ctx, sqlGetWorkItem, id)
	item, err := scanWorkItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	return item, err
}

func (s *SQLiteStore) ListWorkItems(ctx context.Context, typeFilter *types.WorkItemType) ([]*types.WorkItem, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if typeFilter != nil {
		rows, err = s.db.QueryContext(ctx, sqlListWorkItemsByType, string(*typeFilter))
	} else {
		rows, err = s.db.QueryContext(ctx, sqlListWorkItems)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWorkItems(rows)
}

func (s *SQLiteStore) UpdateWorkItem(ctx context.Context, id string, fields Fields) (int64, error) {
	set, args, err := buildSet(fields, true)
	if err != nil {
		return 0, err
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, "UPDATE work_items SET "+set+" WHERE id = ?", args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) UpdateWorkItemIfStatus(ctx context.Context, id string, allowed []types.WorkItemStatus, fields Fields) (int64, error) {
	set, args, err := buildSet(fields, true)
	if err != nil {
		return 0, err
	}
	placeholders := make([]string, len(allowed))
	for i, st := range allowed {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	query := "UPDATE work_items SET " + set + " WHERE status IN (" + strings.Join(placeholders, ", ") + ") AND id = ?"
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) EligibleWorkItems(ctx context.Context, now time.Time, limit int) ([]*types.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, sqlEligibleWorkItems, fmtTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWorkItems(rows)
}

func (s *SQLiteStore) VerificationExists(ctx context.Context, parentID string, prNumber int) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, sqlVerificationExists, parentID, prNumber).Scan(&exists)
	return exists, err
}

func (s *SQLiteStore) WorkItemStats(ctx context.Context) (*types.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, sqlWorkItemStats)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &types.QueueStats{
		ByStatus:   make(map[types.WorkItemStatus]int),
		ByPriority: make(map[types.Priority]int),
	}
	for rows.Next() {
		var (
			status   string
			priority string
			count    int
		)
		if err := rows.Scan(&status, &priority, &count); err != nil {
			return nil, err
		}
		stats.Total += count
		stats.ByStatus[types.WorkItemStatus(status)] += count
		stats.ByPriority[types.Priority(priority)] += count
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) CountWorkItems(ctx context.Context, status types.WorkItemStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, sqlCountWorkItems, string(status)).Scan(&n)
	return n, err
}

func (s *SQLiteStore) CountWorkItemsSince(ctx context.Context, status types.WorkItemStatus, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, sqlCountWorkItemsSince, string(status), fmtTime(since)).Scan(&n)
	return n, err
}

// --- Workers ---

func (s *SQLiteStore) CreateWorker(ctx context.Context, worker *types.Worker) error {
	_, err := s.db.ExecContext(ctx, sqlInsertWorker,
		worker.ID, worker.WorkItemID, string(worker.Status), worker.Iteration,
		fmtTime(worker.LastHeartbeat), fmtTime(worker.StartedAt),
		fmtTimePtr(worker.CompletedAt), worker.ContainerID, worker.Error,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("worker %s: %w", worker.ID, ErrDuplicate)
	}
	return err
}

func (s *SQLiteStore) GetWorker(ctx context.Context, id string) (*types.Worker, error) {
	row := s.db.QueryRowContext(ctx, sqlGetWorker, id)
	worker, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	return worker, err
}

func (s *SQLiteStore) ListWorkers(ctx context.Context) ([]*types.Worker, error) {
	rows, err := s.db.QueryContext(ctx, sqlListWorkers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWorkers(rows)
}

func (s *SQLiteStore) UpdateWorker(ctx context.Context, id string, fields Fields) (int64, error) {
	set, args, err := buildSet(fields, false)
	if err != nil {
		return 0, err
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, "UPDATE workers SET "+set+" WHERE id = ?", args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) UpdateWorkerIfActive(ctx context.Context, id string, fields Fields) (int64, error) {
	set, args, err := buildSet(fields, false)
	if err != nil {
		return 0, err
	}
	args = append(args, id)
	query := "UPDATE workers SET " + set + " WHERE status IN ('starting', 'running') AND id = ?"
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) UpdateWorkerIfStatus(ctx context.Context, id string, allowed []types.WorkerStatus, fields Fields) (int64, error) {
	set, args, err := buildSet(fields, false)
	if err != nil {
		return 0, err
	}
	placeholders := make([]string, len(allowed))
	for i, st := range allowed {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	query := "UPDATE workers SET " + set + " WHERE status IN (" + strings.Join(placeholders, ", ") + ") AND id = ?"
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) DeleteWorker(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, sqlDeleteWorker, id)
	return err
}

func (s *SQLiteStore) ActiveWorkerForItem(ctx context.Context, workItemID string) (*types.Worker, error) {
	row := s.db.QueryRowContext(ctx, sqlActiveWorkerForItem, workItemID)
	worker, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no active worker for item %s: %w", workItemID, ErrNotFound)
	}
	return worker, err
}

func (s *SQLiteStore) StaleWorkers(ctx context.Context, lastHeartbeatBefore time.Time) ([]*types.Worker, error) {
	rows, err := s.db.QueryContext(ctx, sqlStaleWorkers, fmtTime(lastHeartbeatBefore))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWorkers(rows)
}

func (s *SQLiteStore) CountActiveWorkers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, sqlCountActiveWorkers).Scan(&n)
	return n, err
}

func (s *SQLiteStore) WorkerStats(ctx context.Context) (*types.WorkerStats, error) {
	rows, err := s.db.QueryContext(ctx, sqlWorkerStats)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &types.WorkerStats{ByStatus: make(map[types.WorkerStatus]int)}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.Total += count
		stats.ByStatus[types.WorkerStatus(status)] += count
	}
	return stats, rows.Err()
}

// --- File locks ---

func (s *SQLiteStore) InsertFileLock(ctx context.Context, lock *types.FileLock) error {
	_, err := s.db.ExecContext(ctx, sqlInsertFileLock,
		lock.WorkerID, lock.Repo, lock.FilePath, fmtTime(lock.AcquiredAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("lock %s:%s: %w", lock.Repo, lock.FilePath, ErrDuplicate)
	}
	return err
}

func (s *SQLiteStore) GetFileLock(ctx context.Context, repo, filePath string) (*types.FileLock, error) {
	row := s.db.QueryRowContext(ctx, sqlGetFileLock, repo, filePath)
	lock, err := scanFileLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lock %s:%s: %w", repo, filePath, ErrNotFound)
	}
	return lock, err
}

func (s *SQLiteStore) DeleteFileLocks(ctx context.Context, workerID, repo string, files []string) error {
	for _, f := range files {
		if _, err := s.db.ExecContext(ctx, sqlDeleteFileLock, workerID, repo, f); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) DeleteAllFileLocks(ctx context.Context, workerID string) error {
	_, err := s.db.ExecContext(ctx, sqlDeleteAllFileLocks, workerID)
	return err
}

func (s *SQLiteStore) LocksForWorker(ctx context.Context, workerID string) ([]*types.FileLock, error) {
	rows, err := s.db.QueryContext(ctx, sqlLocksForWorker, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locks []*types.FileLock
	for rows.Next() {
		lock, err := scanFileLock(rows)
		if err != nil {
			return nil, err
		}
		locks = append(locks, lock)
	}
	return locks, rows.Err()
}

// --- Metrics and collaborator tables ---

func (s *SQLiteStore) InsertWorkerMetrics(ctx context.Context, m *types.WorkerMetrics) error {
	_, err := s.db.ExecContext(ctx, sqlInsertWorkerMetrics,
		m.WorkerID, m.WorkItemID, m.TokensIn, m.TokensOut, m.DurationMS,
		m.FilesModified, m.TestsRun, m.TestsPassed, m.Iteration, fmtTime(m.CreatedAt))
	return err
}

func (s *SQLiteStore) SumIterationsSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, sqlSumIterationsSince, fmtTime(since)).Scan(&n)
	return n, err
}

func (s *SQLiteStore) AvgDurationMSSince(ctx context.Context, since time.Time) (int64, error) {
	var avg float64
	err := s.db.QueryRowContext(ctx, sqlAvgDurationSince, fmtTime(since)).Scan(&avg)
	return int64(avg), err
}

func (s *SQLiteStore) InsertPRReview(ctx context.Context, review *types.PRReview) error {
	_, err := s.db.ExecContext(ctx, sqlInsertPRReview,
		review.WorkItemID, review.PRNumber, review.Review, fmtTime(review.CreatedAt))
	return err
}

func (s *SQLiteStore) InsertLearning(ctx context.Context, learning *types.Learning) error {
	_, err := s.db.ExecContext(ctx, sqlInsertLearning,
		learning.Repo, learning.Content, fmtTime(learning.CreatedAt))
	return err
}

func (s *SQLiteStore) ListLearnings(ctx context.Context, repo string) ([]*types.Learning, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if repo != "" {
		rows, err = s.db.QueryContext(ctx, sqlLearningsForRepo, repo)
	} else {
		rows, err = s.db.QueryContext(ctx, sqlListLearnings)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var learnings []*types.Learning
	for rows.Next() {
		var (
			l         types.Learning
			createdAt string
		)
		if err := rows.Scan(&l.ID, &l.Repo, &l.Content, &createdAt); err != nil {
			return nil, err
		}
		l.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		learnings = append(learnings, &l)
	}
	return learnings, rows.Err()
}

// --- SET-clause construction and value normalization ---

// buildSet translates camelCase field keys into a snake_case SET clause.
// Keys are sorted so generated SQL is deterministic. When touch is set an
// updated_at assignment is appended unless the caller provided one.
func buildSet(fields Fields, touch bool) (string, []any, error) {
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("empty field set")
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		parts []string
		args  []any
	)
	for _, k := range keys {
		v, err := normalizeValue(fields[k])
		if err != nil {
			return "", nil, fmt.Errorf("field %s: %w", k, err)
		}
		parts = append(parts, toSnake(k)+" = ?")
		args = append(args, v)
	}
	if touch {
		if _, ok := fields["updatedAt"]; !ok {
			parts = append(parts, "updated_at = ?")
			args = append(args, fmtTime(time.Now().UTC()))
		}
	}
	return strings.Join(parts, ", "), args, nil
}

// normalizeValue flattens the core's field values into store-native ones.
func normalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return fmtTime(val), nil
	case *time.Time:
		return fmtTimePtr(val), nil
	case map[string]any:
		return marshalMetadata(val)
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	case *bool:
		return boolPtrToInt(val), nil
	case *string:
		if val == nil {
			return nil, nil
		}
		return *val, nil
	case *int:
		if val == nil {
			return nil, nil
		}
		return *val, nil
	case types.WorkItemStatus:
		return string(val), nil
	case types.WorkerStatus:
		return string(val), nil
	case types.Priority:
		return string(val), nil
	case types.WorkItemType:
		return string(val), nil
	default:
		return v, nil
	}
}

func marshalMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(data), nil
}

func boolPtrToInt(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.ParseInLocation(timeLayout, s, time.UTC)
}

// --- Row scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (*types.WorkItem, error) {
	var (
		item               types.WorkItem
		itemType           string
		status             string
		priority           string
		spec               sql.NullString
		description        sql.NullString
		workerID           sql.NullString
		nextRetryAt        sql.NullString
		parentWorkItemID   sql.NullString
		prNumber           sql.NullInt64
		prURL              sql.NullString
		verificationPassed sql.NullInt64
		itemErr            sql.NullString
		metadata           string
		createdAt          string
		updatedAt          string
	)
	err := row.Scan(
		&item.ID, &item.Repo, &item.Branch, &itemType, &spec, &description,
		&status, &priority, &workerID, &item.Iteration, &item.MaxIterations,
		&item.RetryCount, &nextRetryAt, &parentWorkItemID, &prNumber, &prURL,
		&verificationPassed, &item.Source, &item.SourceRef, &itemErr,
		&metadata, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Type = types.WorkItemType(itemType)
	item.Status = types.WorkItemStatus(status)
	item.Priority = types.Priority(priority)
	item.Spec = nullStr(spec)
	item.Description = nullStr(description)
	item.WorkerID = nullStr(workerID)
	item.ParentWorkItemID = nullStr(parentWorkItemID)
	item.PRURL = nullStr(prURL)
	item.Error = nullStr(itemErr)
	if prNumber.Valid {
		n := int(prNumber.Int64)
		item.PRNumber = &n
	}
	if verificationPassed.Valid {
		b := verificationPassed.Int64 != 0
		item.VerificationPassed = &b
	}
	if nextRetryAt.Valid {
		t, err := parseTime(nextRetryAt.String)
		if err != nil {
			return nil, err
		}
		item.NextRetryAt = &t
	}
	if err := json.Unmarshal([]byte(metadata), &item.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata for %s: %w", item.ID, err)
	}
	if item.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if item.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &item, nil
}

func scanWorker(row rowScanner) (*types.Worker, error) {
	var (
		worker        types.Worker
		status        string
		lastHeartbeat string
		startedAt     string
		completedAt   sql.NullString
		containerID   sql.NullString
		workerErr     sql.NullString
	)
	err := row.Scan(
		&worker.ID, &worker.WorkItemID, &status, &worker.Iteration,
		&lastHeartbeat, &startedAt, &completedAt, &containerID, &workerErr,
	)
	if err != nil {
		return nil, err
	}

	worker.Status = types.WorkerStatus(status)
	worker.ContainerID = nullStr(containerID)
	worker.Error = nullStr(workerErr)
	if worker.LastHeartbeat, err = parseTime(lastHeartbeat); err != nil {
		return nil, err
	}
	if worker.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, err
		}
		worker.CompletedAt = &t
	}
	return &worker, nil
}

func scanFileLock(row rowScanner) (*types.FileLock, error) {
	var (
		lock       types.FileLock
		acquiredAt string
	)
	if err := row.Scan(&lock.WorkerID, &lock.Repo, &lock.FilePath, &acquiredAt); err != nil {
		return nil, err
	}
	t, err := parseTime(acquiredAt)
	if err != nil {
		return nil, err
	}
	lock.AcquiredAt = t
	return &lock, nil
}

func collectWorkItems(rows *sql.Rows) ([]*types.WorkItem, error) {
	var items []*types.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func collectWorkers(rows *sql.Rows) ([]*types.Worker, error) {
	var workers []*types.Worker
	for rows.Next() {
		worker, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, worker)
	}
	return workers, rows.Err()
}

func nullStr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
