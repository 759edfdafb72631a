package task

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"AgentHive/pkg/logger"
)

// Runner 执行一个已指派的任务。实现负责把任务推进到终态；
// 返回的 error 仅用于日志与兜底，正常路径下任务已经被标记完成或失败。
type Runner interface {
	Run(ctx context.Context, t *Task) error
}

// Processor 从队列消费任务 ID 并交给 Runner 执行。
type Processor struct {
	runner   Runner
	service  *Service
	consumer Consumer
	workers  int
	log      *slog.Logger
}

// ProcessorOption 配置 Processor。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置并发执行的 worker 数量。
func WithWorkerCount(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithProcessorLogger 覆盖默认日志器。
func WithProcessorLogger(log *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if log != nil {
			p.log = log
		}
	}
}

// NewProcessor 构造任务处理器。
func NewProcessor(runner Runner, service *Service, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:   runner,
		service:  service,
		consumer: consumer,
		workers:  4,
		log:      logger.Named("task.processor"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start 启动消费循环，阻塞直到 ctx 取消或队列关闭。
func (p *Processor) Start(ctx context.Context) error {
	p.log.Info("任务处理器启动", slog.Int("workers", p.workers))
	return p.consumer.Consume(ctx, p.workers, p.handle)
}

// handle 处理单个任务 ID。panic 会被捕获并把任务标记为内部错误失败，
// 避免一个异常的计划拖垮整个 worker。
func (p *Processor) handle(ctx context.Context, taskID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("任务执行 panic",
				slog.String("task_id", taskID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			p.failTask(taskID, fmt.Sprintf("internal error: %v", r))
			err = nil
		}
	}()

	t, err := p.service.Get(ctx, taskID)
	if err != nil {
		p.log.Error("读取任务失败", slog.String("task_id", taskID), slog.Any("error", err))
		return err
	}
	if t.Terminal() {
		p.log.Warn("任务已处于终态，跳过执行", slog.String("task_id", taskID), slog.String("status", string(t.Status)))
		return nil
	}

	p.log.Info("开始执行任务",
		slog.String("task_id", t.ID),
		slog.String("agent", t.AgentName),
		slog.String("intent", t.Intent),
	)
	if err := p.runner.Run(ctx, t); err != nil {
		p.log.Error("任务执行出错", slog.String("task_id", t.ID), slog.Any("error", err))
		// Runner 应当自行落终态；这里兜底处理未标记的任务。
		p.failTask(t.ID, err.Error())
	}
	return nil
}

// failTask 把任务标记为内部错误失败。任务已终态时静默忽略。
func (p *Processor) failTask(taskID, message string) {
	ctx := context.Background()
	t, err := p.service.Get(ctx, taskID)
	if err != nil || t.Terminal() {
		return
	}
	_, err = p.service.Apply(ctx, taskID, Update{
		Status: StatusFailed,
		Failure: &Failure{
			Kind:    "INTERNAL_ERROR",
			Message: message,
		},
	})
	if err != nil {
		p.log.Error("标记任务失败状态出错", slog.String("task_id", taskID), slog.Any("error", err))
	}
}
