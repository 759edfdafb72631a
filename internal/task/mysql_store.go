package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentHive/internal/errors"
)

// MySQLStore 使用 MySQL 记录任务状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS tasks (
        id VARCHAR(64) PRIMARY KEY,
        command TEXT NOT NULL,
        agent_name VARCHAR(100) DEFAULT '',
        intent VARCHAR(100) DEFAULT '',
        status VARCHAR(32) NOT NULL,
        priority VARCHAR(16) NOT NULL DEFAULT 'medium',
        working_context TEXT,
        result TEXT,
        error TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        completed_at BIGINT NOT NULL DEFAULT 0,
        INDEX idx_tasks_status (status),
        INDEX idx_tasks_agent (agent_name, status),
        INDEX idx_tasks_created (created_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 tasks 表失败")
	}
	return nil
}

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, t *Task) error {
	if t == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(t.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := time.Now().Unix()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusReceived
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}

	wctx, err := encodeJSON(t.WorkingContext)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 working_context 失败")
	}

	const stmt = `INSERT INTO tasks
        (id, command, agent_name, intent, status, priority, working_context, result, error, created_at, updated_at, completed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, '', '', ?, ?, 0)`

	_, err = s.db.ExecContext(ctx, stmt,
		t.ID, t.Command, t.AgentName, t.Intent, t.Status, t.Priority, wctx, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// Update 在事务内读取并校验状态机后写回。
func (s *MySQLStore) Update(ctx context.Context, id string, upd Update) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, selectColumns+` FROM tasks WHERE id = ? FOR UPDATE`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, err
	}

	if err := applyUpdate(t, upd, time.Now().Unix()); err != nil {
		return nil, err
	}

	wctx, err := encodeJSON(t.WorkingContext)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 working_context 失败")
	}
	result, err := encodeJSON(t.Result)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 result 失败")
	}
	failure, err := encodeJSON(t.Error)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 error 失败")
	}

	const stmt = `UPDATE tasks SET agent_name = ?, intent = ?, status = ?, priority = ?,
        working_context = ?, result = ?, error = ?, updated_at = ?, completed_at = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, stmt,
		t.AgentName, t.Intent, t.Status, t.Priority, wctx, result, failure, t.UpdatedAt, t.CompletedAt, t.ID,
	); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务失败")
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交任务更新失败")
	}
	return t, nil
}

// List 返回符合过滤条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := selectColumns + ` FROM tasks`
	where, args := buildWhere(opts)
	if where != "" {
		query += " WHERE " + where
	}
	if opts.Order == SortByCreatedAsc {
		query += " ORDER BY created_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	defer rows.Close()

	var results []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务结果失败")
	}
	return results, nil
}

// Stats 统计符合过滤条件的任务。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query := `SELECT status, agent_name, COUNT(*) FROM tasks`
	where, args := buildWhere(opts)
	if where != "" {
		query += " WHERE " + where
	}
	query += " GROUP BY status, agent_name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计任务失败")
	}
	defer rows.Close()

	stats := Stats{}
	for rows.Next() {
		var status Status
		var agent string
		var count int
		if err := rows.Scan(&status, &agent, &count); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取统计结果失败")
		}
		for i := 0; i < count; i++ {
			stats.observe(&Task{Status: status, AgentName: agent})
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历统计结果失败")
	}
	return stats, nil
}

// Close 释放数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const selectColumns = `SELECT id, command, agent_name, intent, status, priority,
        working_context, result, error, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var wctx, result, failure sql.NullString
	err := row.Scan(
		&t.ID, &t.Command, &t.AgentName, &t.Intent, &t.Status, &t.Priority,
		&wctx, &result, &failure, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取任务记录失败")
	}
	if err := decodeJSON(wctx.String, &t.WorkingContext); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 working_context 失败")
	}
	if err := decodeJSON(result.String, &t.Result); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 result 失败")
	}
	if err := decodeJSON(failure.String, &t.Error); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 error 失败")
	}
	return &t, nil
}

func buildWhere(opts ListOptions) (string, []any) {
	var clauses []string
	var args []any
	if len(opts.Statuses) > 0 {
		placeholders := strings.Repeat("?,", len(opts.Statuses))
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", placeholders[:len(placeholders)-1]))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.Agent != "" {
		clauses = append(clauses, "agent_name = ?")
		args = append(args, opts.Agent)
	}
	return strings.Join(clauses, " AND "), args
}

func encodeJSON(v any) (string, error) {
	switch value := v.(type) {
	case map[string]any:
		if len(value) == 0 {
			return "", nil
		}
	case *Result:
		if value == nil {
			return "", nil
		}
	case *Failure:
		if value == nil {
			return "", nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSON(raw string, dest any) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dest)
}

var _ Store = (*MySQLStore)(nil)
