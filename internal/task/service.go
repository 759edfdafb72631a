package task

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentHive/internal/errors"
	"AgentHive/pkg/logger"
)

// Notifier 在任务状态变更后接收最新快照。实现应当尽快返回，不提供投递保证。
type Notifier interface {
	Notify(ctx context.Context, snapshot *Task)
}

// Service 是任务的唯一写入通道：所有状态变更先落库，再对外广播，
// 从而保证单个任务的通知顺序与存储更新顺序一致。
type Service struct {
	store    Store
	producer Producer
	notifier Notifier
}

// NewService 构造任务服务。notifier 可以为 nil。
func NewService(store Store, producer Producer, notifier Notifier) *Service {
	return &Service{store: store, producer: producer, notifier: notifier}
}

// Create 持久化新任务并广播初始状态。
func (s *Service) Create(ctx context.Context, t *Task) error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	if t == nil || strings.TrimSpace(t.Command) == "" {
		return xerrors.New(CodeTaskValidation, "任务指令不能为空")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := s.store.Create(ctx, t); err != nil {
		return err
	}
	s.notify(ctx, t.Clone())
	return nil
}

// Apply 对任务执行一次部分更新并广播结果快照。
// 终态更新会同时写入审计日志。
func (s *Service) Apply(ctx context.Context, id string, upd Update) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	snapshot, err := s.store.Update(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, snapshot.Clone())
	if snapshot.Terminal() {
		s.audit(snapshot)
	}
	return snapshot, nil
}

// Enqueue 将任务投递到执行队列。
func (s *Service) Enqueue(ctx context.Context, id string) error {
	if s.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "任务队列未初始化")
	}
	if err := s.producer.Publish(ctx, id); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", id))
		return xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
	}
	return nil
}

// Get 返回指定任务的快照。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// WaitUntilCompleted 在上下文超时前轮询任务状态，直到任务进入终态。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		t, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

func (s *Service) notify(ctx context.Context, snapshot *Task) {
	if s.notifier == nil || snapshot == nil {
		return
	}
	s.notifier.Notify(ctx, snapshot)
}

func (s *Service) audit(t *Task) {
	attrs := []any{
		slog.String("task_id", t.ID),
		slog.String("agent", t.AgentName),
		slog.String("command", t.Command),
		slog.String("status", string(t.Status)),
	}
	if t.Status == StatusCompleted {
		if t.Result != nil && t.Result.URL != "" {
			attrs = append(attrs, slog.String("url", t.Result.URL))
		}
		logger.Audit().Info("任务执行成功", attrs...)
		return
	}
	if t.Error != nil {
		attrs = append(attrs,
			slog.String("error_kind", t.Error.Kind),
			slog.String("error", t.Error.Message),
		)
	}
	logger.Audit().Warn("任务执行失败", attrs...)
}
