package task

import (
	xerrors "AgentHive/internal/errors"
)

// Status 表示任务在生命周期中的状态。
// 状态只能单向推进；failed 为终态，可从任意非终态进入。
type Status string

const (
	StatusReceived     Status = "received"
	StatusIntentParsed Status = "intent_parsed"
	StatusPlanCreated  Status = "plan_created"
	StatusExecuting    Status = "executing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Priority 表示任务的建议优先级，仅用于展示与排序，不抢占执行。
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// statusRank 定义了状态机的先后次序，用于校验非法回退。
var statusRank = map[Status]int{
	StatusReceived:     0,
	StatusIntentParsed: 1,
	StatusPlanCreated:  2,
	StatusExecuting:    3,
	StatusCompleted:    4,
	StatusFailed:       4,
}

// Result 保存任务成功完成后的结果载荷。
type Result struct {
	Summary  string            `json:"summary,omitempty"`
	Content  string            `json:"content,omitempty"`
	Platform string            `json:"platform,omitempty"`
	URL      string            `json:"url,omitempty"`
	Verified bool              `json:"verified"`
	Evidence map[string]string `json:"evidence,omitempty"`
	Outputs  map[string]any    `json:"outputs,omitempty"`
}

// Failure 描述任务失败的结构化原因。
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Step    string `json:"step,omitempty"`
}

// Task 描述一条被派发的自然语言指令及其执行状态。
type Task struct {
	ID             string         `json:"id"`
	Command        string         `json:"command"`
	AgentName      string         `json:"agent_name,omitempty"`
	Intent         string         `json:"intent,omitempty"`
	Status         Status         `json:"status"`
	Priority       Priority       `json:"priority"`
	WorkingContext map[string]any `json:"working_context,omitempty"`
	Result         *Result        `json:"result,omitempty"`
	Error          *Failure       `json:"error,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
	CompletedAt    int64          `json:"completed_at,omitempty"`
}

// Reached 判断状态是否已到达或越过目标状态。
// 重启后重新执行的任务用它跳过已经完成的状态迁移。
func (s Status) Reached(target Status) bool {
	return statusRank[s] >= statusRank[target]
}

// Terminal 判断任务是否已进入终态。
func (t *Task) Terminal() bool {
	return t != nil && (t.Status == StatusCompleted || t.Status == StatusFailed)
}

// Clone 返回任务的深拷贝，避免调用方修改存储内部状态。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	if t.Result != nil {
		result := *t.Result
		result.Outputs = cloneAnyMap(t.Result.Outputs)
		clone.Result = &result
	}
	if t.Error != nil {
		failure := *t.Error
		clone.Error = &failure
	}
	clone.WorkingContext = cloneAnyMap(t.WorkingContext)
	return &clone
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskTerminal 表示任务已进入终态，不允许继续变更。
	ErrTaskTerminal = xerrors.New(CodeTaskTerminal, "task already terminal")
	// ErrTaskConflict 表示写入与任务当前状态冲突。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskTerminal   xerrors.Code = "TASK_TERMINAL"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskTerminal, xerrors.Attributes{
		Message:  "task already terminal",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:  "task conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:  "task validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:  "task execution failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	_, ok := statusRank[status]
	return ok
}

// IsValidPriority 检查优先级取值。
func IsValidPriority(priority Priority) bool {
	switch priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
