package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "AgentHive/internal/errors"
)

// MySQLStore 把会话保存到 MySQL，供多实例部署共享登录态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 建立连接并确保表结构存在。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开 MySQL 连接失败")
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 MySQL 失败")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS surface_sessions (
    agent       VARCHAR(64)  NOT NULL,
    surface     VARCHAR(64)  NOT NULL,
    tokens      TEXT         NOT NULL,
    captured_at DATETIME(6)  NOT NULL,
    live        TINYINT(1)   NOT NULL DEFAULT 0,
    updated_at  DATETIME(6)  NOT NULL,
    PRIMARY KEY (agent, surface)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化会话表失败")
	}
	return nil
}

// Load 读取指定组合的会话。
func (s *MySQLStore) Load(ctx context.Context, agent, surface string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT tokens, captured_at, live FROM surface_sessions WHERE agent = ? AND surface = ?",
		agent, surface)

	var (
		rawTokens  string
		capturedAt time.Time
		live       bool
	)
	if err := row.Scan(&rawTokens, &capturedAt, &live); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, xerrors.Wrap(CodeSessionStorage, err, "查询会话失败")
	}

	tokens := make(map[string]string)
	if rawTokens != "" {
		if err := json.Unmarshal([]byte(rawTokens), &tokens); err != nil {
			return nil, xerrors.Wrap(CodeSessionStorage, err, "解析会话凭据失败")
		}
	}
	return &Session{
		Agent:      agent,
		Surface:    surface,
		Tokens:     tokens,
		CapturedAt: capturedAt,
		Live:       live,
	}, nil
}

// Save 写入或覆盖会话。
func (s *MySQLStore) Save(ctx context.Context, sess *Session) error {
	if sess == nil || sess.Agent == "" || sess.Surface == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话缺少 agent 或 surface")
	}
	tokens, err := json.Marshal(sess.Tokens)
	if err != nil {
		return xerrors.Wrap(CodeSessionStorage, err, "序列化会话凭据失败")
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO surface_sessions (agent, surface, tokens, captured_at, live, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE tokens = VALUES(tokens), captured_at = VALUES(captured_at),
    live = VALUES(live), updated_at = VALUES(updated_at)`,
		sess.Agent, sess.Surface, string(tokens), sess.CapturedAt, sess.Live, time.Now().UTC())
	if err != nil {
		return xerrors.Wrap(CodeSessionStorage, err, "保存会话失败")
	}
	return nil
}

// Delete 删除会话记录。
func (s *MySQLStore) Delete(ctx context.Context, agent, surface string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM surface_sessions WHERE agent = ? AND surface = ?", agent, surface); err != nil {
		return xerrors.Wrap(CodeSessionStorage, err, "删除会话失败")
	}
	return nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error { return s.db.Close() }

var _ Store = (*MySQLStore)(nil)
