package surface

import (
	"context"

	xerrors "AgentHive/internal/errors"
)

// Action 描述一次要在外部平台上执行的操作。
// Payload 携带操作参数，例如 post 操作的 "text"。
type Action struct {
	Kind    string
	TaskID  string
	Agent   string
	Payload map[string]string
}

// ActionResult 是操作的执行结果。Ref 指向可复核的产物地址，
// 例如发布成功后的帖子链接。拿不到 Ref 但操作可能已生效时，
// Unverified 为 true，Evidence 保留用于人工复核的线索。
type ActionResult struct {
	Ref        string
	Unverified bool
	Evidence   map[string]string
}

// AuthRequest 描述一次登录请求。Credentials 包含平台所需的凭据字段，
// 例如 username、password。
type AuthRequest struct {
	Agent       string
	Credentials map[string]string
}

// AuthResult 描述登录结果。Restored 表示通过已保存的会话恢复登录，
// 而不是重新走交互式登录流程。
type AuthResult struct {
	Restored bool
}

// Driver 封装某个外部平台的自动化操作。
// 同一 (agent, surface) 组合上的操作串行执行，实现必须持锁保证互斥。
// 会话失效后 Perform 返回 AUTH_EXPIRED，直到一次成功的 Authenticate。
type Driver interface {
	Name() string
	Authenticate(ctx context.Context, req AuthRequest) (*AuthResult, error)
	Perform(ctx context.Context, action Action) (*ActionResult, error)
	Close() error
}

// 平台操作相关错误码
const (
	// CodeAuthFailed 表示登录失败，凭据无效或流程被平台拦截。
	CodeAuthFailed xerrors.Code = "AUTH_FAILED"
	// CodeAuthExpired 表示已有会话失效。重新登录一次后允许重试操作。
	CodeAuthExpired xerrors.Code = "AUTH_EXPIRED"
	// CodeLocatorNotFound 表示所有定位策略都未命中页面元素，重试无意义。
	CodeLocatorNotFound xerrors.Code = "LOCATOR_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeAuthFailed, xerrors.Attributes{
		Message:  "平台登录失败",
		Severity: xerrors.SeverityError,
		Alert:    true,
	})
	xerrors.Register(CodeAuthExpired, xerrors.Attributes{
		Message:  "平台会话已失效",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeLocatorNotFound, xerrors.Attributes{
		Message:  "页面元素定位失败",
		Severity: xerrors.SeverityError,
		Alert:    true,
	})
}
