package bus

import (
	"context"
	"log/slog"
	"time"

	"AgentHive/internal/task"
	"AgentHive/pkg/logger"
)

// TaskNotifier 把任务状态变更转换为总线事件。实现 task.Notifier。
type TaskNotifier struct {
	bus Bus
	log *slog.Logger
}

// NewTaskNotifier 创建任务通知器。
func NewTaskNotifier(b Bus) *TaskNotifier {
	return &TaskNotifier{bus: b, log: logger.Named("bus.notifier")}
}

// Notify 发布 task_update 事件。发布失败只记录日志，不影响任务主流程。
func (n *TaskNotifier) Notify(ctx context.Context, snapshot *task.Task) {
	if n == nil || n.bus == nil || snapshot == nil {
		return
	}
	event := Event{
		Type:       EventTaskUpdate,
		TaskID:     snapshot.ID,
		Agent:      snapshot.AgentName,
		Status:     string(snapshot.Status),
		Snapshot:   snapshot,
		OccurredAt: time.Now(),
	}
	if err := n.bus.Publish(ctx, event); err != nil {
		n.log.Warn("发布任务事件失败",
			slog.String("task_id", snapshot.ID),
			slog.Any("error", err),
		)
	}
}

var _ task.Notifier = (*TaskNotifier)(nil)
