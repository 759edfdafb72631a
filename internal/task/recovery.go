package task

import (
	"context"
	"log/slog"

	"AgentHive/pkg/logger"
)

// RecoverPending 把仍处于非终态的任务重新投递到队列，
// 用于进程重启后接续被中断的执行。返回重新入队的数量。
func RecoverPending(ctx context.Context, service *Service) (int, error) {
	pending, err := service.List(ctx,
		WithStatuses(StatusReceived, StatusIntentParsed, StatusPlanCreated, StatusExecuting),
		WithSortOrder(SortByCreatedAsc),
		WithLimit(100),
	)
	if err != nil {
		return 0, err
	}

	log := logger.Named("task.recovery")
	recovered := 0
	for _, t := range pending {
		// 尚未指派智能体的任务由编排器继续驱动，不在这里重放。
		if t.AgentName == "" {
			continue
		}
		if err := service.Enqueue(ctx, t.ID); err != nil {
			log.Error("重新投递任务失败", slog.String("task_id", t.ID), slog.Any("error", err))
			continue
		}
		recovered++
	}
	if recovered > 0 {
		log.Info("恢复未完成任务", slog.Int("count", recovered))
	}
	return recovered, nil
}
