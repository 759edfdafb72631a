package bus

import (
	"context"
	"time"

	xerrors "AgentHive/internal/errors"
)

// EventType 标识事件的种类。
type EventType string

// 支持的事件种类
const (
	EventTaskUpdate EventType = "task_update"
)

// Event 描述一次需要广播的状态变更。Snapshot 携带变更后的完整对象快照，
// 订阅方不应修改其内容。
type Event struct {
	Type       EventType      `json:"type"`
	TaskID     string         `json:"task_id,omitempty"`
	Agent      string         `json:"agent,omitempty"`
	Status     string         `json:"status,omitempty"`
	Snapshot   any            `json:"task,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Subscription 表示一路订阅。C 在取消订阅后关闭。
type Subscription interface {
	C() <-chan Event
	Close()
}

// Bus 提供事件的发布与订阅。Publish 不阻塞在慢订阅者上，
// 投递是尽力而为的：缓冲耗尽时允许丢弃事件。
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context) (Subscription, error)
	Close() error
}

// 事件总线相关错误码
const (
	CodeBusClosed  xerrors.Code = "BUS_CLOSED"
	CodeBusPublish xerrors.Code = "BUS_PUBLISH_FAILED"
)

func init() {
	xerrors.Register(CodeBusClosed, xerrors.Attributes{
		Message:  "事件总线已关闭",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeBusPublish, xerrors.Attributes{
		Message:   "事件发布失败",
		Severity:  xerrors.SeverityError,
		Retryable: true,
	})
}
