package task

import (
	"context"

	xerrors "AgentHive/internal/errors"
)

// Update 描述对任务的一次部分更新。零值字段不参与写入。
type Update struct {
	Status         Status
	AgentName      string
	Intent         string
	Priority       Priority
	Result         *Result
	Failure        *Failure
	WorkingContext map[string]any
}

// Store 抽象了任务状态的持久化接口，是进度查询的唯一事实来源。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Update(ctx context.Context, id string, upd Update) (*Task, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}

// applyUpdate 在内存副本上执行状态机校验并应用更新。
// 各 Store 实现共享同一套校验，保证不变量一致：
//   - 终态任务不可再变更；
//   - 状态只能向前推进，failed 可从任意非终态进入；
//   - result 仅随 completed 写入，error 仅随 failed 写入，二者互斥；
//   - agent_name 一经指派不可改写。
func applyUpdate(t *Task, upd Update, now int64) error {
	if t.Terminal() {
		return ErrTaskTerminal
	}
	if upd.Result != nil && upd.Failure != nil {
		return xerrors.New(CodeTaskValidation, "result 与 error 不能同时设置")
	}

	if upd.Status != "" {
		if !IsValidStatus(upd.Status) {
			return xerrors.New(CodeTaskValidation, "未知的任务状态: "+string(upd.Status))
		}
		if upd.Status != StatusFailed && statusRank[upd.Status] <= statusRank[t.Status] {
			return ErrTaskConflict
		}
	}
	if upd.Result != nil && upd.Status != StatusCompleted {
		return xerrors.New(CodeTaskValidation, "result 只能在进入 completed 时写入")
	}
	if upd.Failure != nil && upd.Status != StatusFailed {
		return xerrors.New(CodeTaskValidation, "error 只能在进入 failed 时写入")
	}
	if upd.Status == StatusCompleted && upd.Result == nil {
		return xerrors.New(CodeTaskValidation, "completed 状态必须附带 result")
	}
	if upd.Status == StatusFailed && upd.Failure == nil {
		return xerrors.New(CodeTaskValidation, "failed 状态必须附带 error")
	}
	if upd.AgentName != "" && t.AgentName != "" && upd.AgentName != t.AgentName {
		return xerrors.New(CodeTaskValidation, "任务已指派，agent_name 不可改写")
	}
	if upd.Priority != "" && !IsValidPriority(upd.Priority) {
		return xerrors.New(CodeTaskValidation, "未知的优先级: "+string(upd.Priority))
	}

	if upd.Status != "" {
		t.Status = upd.Status
	}
	if upd.AgentName != "" {
		t.AgentName = upd.AgentName
	}
	if upd.Intent != "" {
		t.Intent = upd.Intent
	}
	if upd.Priority != "" {
		t.Priority = upd.Priority
	}
	if upd.Result != nil {
		result := *upd.Result
		t.Result = &result
	}
	if upd.Failure != nil {
		failure := *upd.Failure
		t.Error = &failure
	}
	if len(upd.WorkingContext) > 0 {
		if t.WorkingContext == nil {
			t.WorkingContext = make(map[string]any, len(upd.WorkingContext))
		}
		for k, v := range upd.WorkingContext {
			t.WorkingContext[k] = v
		}
	}
	t.UpdatedAt = now
	if t.Terminal() {
		t.CompletedAt = now
	}
	return nil
}
