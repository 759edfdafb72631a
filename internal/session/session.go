package session

import (
	"context"
	"time"

	xerrors "AgentHive/internal/errors"
)

// Session 保存某个智能体在某个外部平台上的登录态。
// Tokens 以名称为键保存凭据片段，例如浏览器会话的 cookie 值。
type Session struct {
	Agent      string            `json:"agent"`
	Surface    string            `json:"surface"`
	Tokens     map[string]string `json:"tokens"`
	CapturedAt time.Time         `json:"captured_at"`
	Live       bool              `json:"live"`
}

// Clone 返回会话的深拷贝。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	dup := *s
	if s.Tokens != nil {
		dup.Tokens = make(map[string]string, len(s.Tokens))
		for k, v := range s.Tokens {
			dup.Tokens[k] = v
		}
	}
	return &dup
}

// Store 持久化会话凭据。键为 (agent, surface) 组合。
type Store interface {
	Load(ctx context.Context, agent, surface string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, agent, surface string) error
	Close() error
}

// 会话相关错误码
const (
	CodeSessionNotFound xerrors.Code = "SESSION_NOT_FOUND"
	CodeSessionStorage  xerrors.Code = "SESSION_STORAGE_FAILED"
)

// ErrSessionNotFound 表示指定组合下没有已保存的会话。
var ErrSessionNotFound = xerrors.New(CodeSessionNotFound, "session not found")

func init() {
	xerrors.Register(CodeSessionNotFound, xerrors.Attributes{
		Message:  "会话不存在",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeSessionStorage, xerrors.Attributes{
		Message:   "会话存储访问失败",
		Severity:  xerrors.SeverityError,
		Retryable: true,
	})
}
