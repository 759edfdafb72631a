package llm

import (
	"context"

	xerrors "AgentHive/internal/errors"
)

// Request 描述一次内容生成调用。Prompt 为完整的用户提示词，
// 由智能体在制定计划时生成，不在执行阶段再拼接。
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Response 是模型生成的文本结果。
type Response struct {
	Text string
}

// Client 定义了调用大模型生成内容的统一接口。
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// 内容生成相关错误码
const (
	// CodeGenerationTimeout 表示生成超时或服务暂时不可用，可以重试。
	CodeGenerationTimeout xerrors.Code = "GENERATION_TIMEOUT"
	// CodeGenerationRejected 表示请求被模型服务拒绝，重试同样会失败。
	CodeGenerationRejected xerrors.Code = "GENERATION_REJECTED"
)

func init() {
	xerrors.Register(CodeGenerationTimeout, xerrors.Attributes{
		Message:   "内容生成超时",
		Severity:  xerrors.SeverityError,
		Retryable: true,
	})
	xerrors.Register(CodeGenerationRejected, xerrors.Attributes{
		Message:  "内容生成请求被拒绝",
		Severity: xerrors.SeverityError,
	})
}
