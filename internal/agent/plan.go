package agent

import (
	xerrors "AgentHive/internal/errors"
)

// StepKind 表示计划步骤的种类。
type StepKind string

// 支持的步骤种类
const (
	// StepGenerateContent 调用大模型生成文本内容。
	StepGenerateContent StepKind = "generate_content"
	// StepReviewContent 校验上一步生成的内容是否满足平台约束。
	StepReviewContent StepKind = "review_content"
	// StepSurfaceAction 在外部平台上执行操作，例如发布内容。
	StepSurfaceAction StepKind = "surface_action"
	// StepVerify 核对平台操作的产物，决定结果是否可验证。
	StepVerify StepKind = "verify"
)

// StepStatus 表示步骤的执行状态。
type StepStatus string

// 步骤状态
const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// Step 是计划中的一个执行单元。Prompt 在制定计划时就完整生成，
// 执行阶段不再改写，保证同一意图产生的计划可复现。
type Step struct {
	Name     string            `json:"name"`
	Kind     StepKind          `json:"kind"`
	Prompt   string            `json:"prompt,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
	Status   StepStatus        `json:"status"`
	Attempts int               `json:"attempts"`
	Output   string            `json:"output,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Plan 是智能体为一个任务制定的执行计划。
type Plan struct {
	Agent string  `json:"agent"`
	Label string  `json:"label"`
	Steps []*Step `json:"steps"`
}

// 计划相关错误码
const (
	// CodePlanningError 表示意图参数不足以制定计划，重试无意义。
	CodePlanningError xerrors.Code = "PLANNING_ERROR"
	// CodeValidationFailed 表示生成内容未通过校验，重试无意义。
	CodeValidationFailed xerrors.Code = "VALIDATION_FAILED"
	// CodeNoCapableAgent 表示没有智能体声明了所需能力。
	CodeNoCapableAgent xerrors.Code = "NO_CAPABLE_AGENT"
)

func init() {
	xerrors.Register(CodePlanningError, xerrors.Attributes{
		Message:  "制定执行计划失败",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeValidationFailed, xerrors.Attributes{
		Message:  "内容校验未通过",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeNoCapableAgent, xerrors.Attributes{
		Message:  "没有可处理该意图的智能体",
		Severity: xerrors.SeverityInfo,
	})
}
