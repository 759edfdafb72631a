package orchestrator

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"AgentHive/internal/agent"
	xerrors "AgentHive/internal/errors"
	"AgentHive/internal/intent"
	"AgentHive/internal/task"
	"AgentHive/pkg/logger"
)

// RouteRequest 是一次自然语言指令的路由请求。
type RouteRequest struct {
	Command string
	Context map[string]any
	UserID  string
}

// RouteResult 是路由的同步返回。任务仍在执行时 StillRunning 为 true，
// 调用方稍后凭 TaskID 查询进度。
type RouteResult struct {
	Success      bool          `json:"success"`
	TaskID       string        `json:"task_id"`
	StillRunning bool          `json:"still_running,omitempty"`
	Result       *task.Result  `json:"result,omitempty"`
	Error        *task.Failure `json:"error,omitempty"`
}

// Orchestrator 是指令的统一入口：解析意图、挑选智能体、
// 投递执行并在调用方时限内等待结果。
// 所有失败都落为任务终态，Route 不向上抛业务错误。
type Orchestrator struct {
	service     *task.Service
	parser      *intent.Parser
	registry    *agent.Registry
	waitTimeout time.Duration
	pollEvery   time.Duration
	log         *slog.Logger
}

// Option 配置编排器。
type Option func(*Orchestrator)

// WithWaitTimeout 设置同步等待结果的时限。
func WithWaitTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.waitTimeout = d
		}
	}
}

// WithPollInterval 设置等待期间的轮询间隔。
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pollEvery = d
		}
	}
}

// New 创建编排器。
func New(service *task.Service, parser *intent.Parser, registry *agent.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		service:     service,
		parser:      parser,
		registry:    registry,
		waitTimeout: 60 * time.Second,
		pollEvery:   200 * time.Millisecond,
		log:         logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Route 处理一条指令，返回任务的同步结果或进行中标记。
func (o *Orchestrator) Route(ctx context.Context, req RouteRequest) (*RouteResult, error) {
	t := &task.Task{
		Command:        strings.TrimSpace(req.Command),
		WorkingContext: initialContext(req),
	}
	if err := o.service.Create(ctx, t); err != nil {
		return nil, err
	}
	o.log.Info("收到新指令", slog.String("task_id", t.ID), slog.String("command", t.Command))

	// 连词指令拆成多个子任务接力执行
	if steps := o.planWorkflow(t.Command); len(steps) >= 2 {
		return o.routeWorkflow(ctx, t, steps)
	}

	it, err := o.parser.Parse(t.Command)
	if err != nil {
		return o.failTask(ctx, t.ID, "", err)
	}

	if _, err := o.service.Apply(ctx, t.ID, task.Update{
		Status:   task.StatusIntentParsed,
		Intent:   it.Label,
		Priority: it.Priority,
		WorkingContext: map[string]any{
			"intent_params": it.Params,
		},
	}); err != nil {
		return o.failTask(ctx, t.ID, "", err)
	}

	// 简单询问由编排器自己回答，不占用执行队列
	if it.Simple && it.Label != "system_status" {
		return o.answerSimpleQuery(ctx, t.ID, it)
	}

	ag, err := o.registry.Select(it.Label)
	if err != nil {
		return o.failTask(ctx, t.ID, "", err)
	}
	if _, err := o.service.Apply(ctx, t.ID, task.Update{AgentName: ag.Name()}); err != nil {
		return o.failTask(ctx, t.ID, "", err)
	}

	if err := o.service.Enqueue(ctx, t.ID); err != nil {
		return o.failTask(ctx, t.ID, "", err)
	}

	return o.await(ctx, t.ID)
}

// workflowStep 是工作流中一个已解析并选好智能体的子句。
type workflowStep struct {
	command string
	it      *intent.Intent
	agent   string
}

var workflowSeparators = []string{" and then ", " then ", " and "}

// splitWorkflow 按连词把指令拆成子句。拆不出两个以上子句时返回 nil。
func splitWorkflow(command string) []string {
	normalized := strings.ToLower(strings.TrimSpace(command))
	for _, sep := range workflowSeparators {
		if !strings.Contains(normalized, sep) {
			continue
		}
		var clauses []string
		for _, part := range strings.Split(normalized, sep) {
			if part = strings.TrimSpace(part); part != "" {
				clauses = append(clauses, part)
			}
		}
		if len(clauses) >= 2 {
			return clauses
		}
	}
	return nil
}

// planWorkflow 判断指令是否需要多个智能体接力。
// 只有每个子句都能独立解析并选出智能体时才走工作流，
// 否则当作普通单任务处理，避免把含 "and" 的长句误拆。
func (o *Orchestrator) planWorkflow(command string) []workflowStep {
	clauses := splitWorkflow(command)
	if len(clauses) < 2 {
		return nil
	}
	steps := make([]workflowStep, 0, len(clauses))
	for _, clause := range clauses {
		it, err := o.parser.Parse(clause)
		if err != nil || it.Simple {
			return nil
		}
		ag, err := o.registry.Select(it.Label)
		if err != nil {
			return nil
		}
		steps = append(steps, workflowStep{command: clause, it: it, agent: ag.Name()})
	}
	return steps
}

// routeWorkflow 处理需要多个智能体接力的指令，
// 如 "research ai trends and post a summary tweet"。
// 父任务由编排器驱动，子任务照常走队列，前一步的产出作为后一步的背景材料。
func (o *Orchestrator) routeWorkflow(ctx context.Context, t *task.Task, steps []workflowStep) (*RouteResult, error) {
	labels := make([]string, len(steps))
	for i, s := range steps {
		labels[i] = s.it.Label
	}
	o.log.Info("多智能体工作流",
		slog.String("task_id", t.ID),
		slog.Any("steps", labels),
	)

	if _, err := o.service.Apply(ctx, t.ID, task.Update{
		Status:   task.StatusIntentParsed,
		Intent:   "multi_agent_workflow",
		Priority: steps[0].it.Priority,
		WorkingContext: map[string]any{
			"workflow": labels,
		},
	}); err != nil {
		return o.failTask(ctx, t.ID, "", err)
	}

	go o.runWorkflow(t.ID, steps)

	return o.await(ctx, t.ID)
}

// runWorkflow 按序执行子任务并把聚合结果落到父任务。
// 与调用方连接解耦，调用方超时后工作流继续推进。
func (o *Orchestrator) runWorkflow(parentID string, steps []workflowStep) {
	ctx := context.Background()
	var carried string
	var topic string
	aggregate := &task.Result{
		Summary:  "multi-agent workflow completed",
		Verified: true,
		Outputs:  make(map[string]any, len(steps)),
	}

	for i, step := range steps {
		params := inheritTopic(step.it.Params, topic)
		if p := params["topic"]; p != "" && !pronounTopic(p) {
			topic = p
		}

		wctx := map[string]any{
			"intent_params":  params,
			"parent_task_id": parentID,
		}
		if carried != "" {
			wctx["content"] = carried
		}

		sub := &task.Task{Command: step.command, WorkingContext: wctx}
		if err := o.service.Create(ctx, sub); err != nil {
			o.failWorkflow(parentID, step.it.Label, err)
			return
		}
		if _, err := o.service.Apply(ctx, sub.ID, task.Update{
			Status:    task.StatusIntentParsed,
			Intent:    step.it.Label,
			Priority:  step.it.Priority,
			AgentName: step.agent,
		}); err != nil {
			o.failWorkflow(parentID, step.it.Label, err)
			return
		}
		if err := o.service.Enqueue(ctx, sub.ID); err != nil {
			o.failWorkflow(parentID, step.it.Label, err)
			return
		}

		waitCtx, cancel := context.WithTimeout(ctx, o.waitTimeout)
		done, err := o.service.WaitUntilCompleted(waitCtx, sub.ID, o.pollEvery)
		cancel()
		if err != nil {
			o.failWorkflow(parentID, step.it.Label,
				xerrors.Wrap(xerrors.CodeTimeout, err, "子任务未在时限内完成"))
			return
		}
		if done.Status != task.StatusCompleted {
			failure := &task.Failure{Kind: string(xerrors.CodeInternal), Step: step.it.Label}
			if done.Error != nil {
				failure.Kind = done.Error.Kind
				failure.Message = done.Error.Message
			}
			o.applyWorkflowFailure(parentID, failure)
			return
		}

		aggregate.Outputs[fmt.Sprintf("step_%d_%s", i+1, step.it.Label)] = done.ID
		if done.Result != nil {
			if done.Result.Content != "" {
				carried = done.Result.Content
				aggregate.Content = done.Result.Content
			}
			// 只有产生平台产物的步骤参与已验证判定，纯内容步骤天然无产物
			if done.Result.URL != "" {
				aggregate.URL = done.Result.URL
				aggregate.Platform = done.Result.Platform
				aggregate.Verified = aggregate.Verified && done.Result.Verified
			}
		}
	}

	if _, err := o.service.Apply(ctx, parentID, task.Update{
		Status: task.StatusCompleted,
		Result: aggregate,
	}); err != nil {
		o.log.Error("写入工作流结果失败", slog.String("task_id", parentID), slog.Any("error", err))
	}
}

// failWorkflow 把子任务的失败原因落到父任务。
func (o *Orchestrator) failWorkflow(parentID, step string, cause error) {
	o.applyWorkflowFailure(parentID, &task.Failure{
		Kind:    string(xerrors.CodeOf(cause)),
		Message: cause.Error(),
		Step:    step,
	})
}

func (o *Orchestrator) applyWorkflowFailure(parentID string, failure *task.Failure) {
	if _, err := o.service.Apply(context.Background(), parentID, task.Update{
		Status:  task.StatusFailed,
		Failure: failure,
	}); err != nil {
		o.log.Error("写入工作流失败终态出错",
			slog.String("task_id", parentID),
			slog.Any("error", err),
		)
	}
}

// inheritTopic 把前一步的主题带给代词式的后续子句，如 "post about it"。
func inheritTopic(params map[string]string, topic string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	if topic != "" && pronounTopic(out["topic"]) {
		out["topic"] = topic
	}
	return out
}

func pronounTopic(topic string) bool {
	switch topic {
	case "", "it", "this", "that", "them":
		return true
	}
	return false
}

// await 在调用方时限内等待任务终态。超时不是任务失败：
// 任务继续执行，返回 StillRunning 让调用方稍后查询。
func (o *Orchestrator) await(ctx context.Context, taskID string) (*RouteResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, o.waitTimeout)
	defer cancel()

	t, err := o.service.WaitUntilCompleted(waitCtx, taskID, o.pollEvery)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(err, context.Canceled) {
			o.log.Info("等待超时，任务继续执行", slog.String("task_id", taskID))
			return &RouteResult{Success: true, TaskID: taskID, StillRunning: true}, nil
		}
		return o.failTask(context.Background(), taskID, "", err)
	}
	return resultOf(t), nil
}

// answerSimpleQuery 直接生成回答并把任务置为完成。
func (o *Orchestrator) answerSimpleQuery(ctx context.Context, taskID string, it *intent.Intent) (*RouteResult, error) {
	var message string
	switch it.Label {
	case "greeting":
		message = "Hello! I coordinate a team of agents for social posting, research, finance, health and freelance work. What do you need?"
	case "help_request":
		message = "You can ask me to post content, research a topic, analyse markets, plan workouts or meals, or find freelance gigs. Describe the task in one sentence."
	default:
		message = "I can help with that. Describe the task in one sentence and I will route it."
	}

	result := &task.Result{
		Summary:  "simple query answered",
		Content:  message,
		Verified: true,
	}
	t, err := o.service.Apply(ctx, taskID, task.Update{Status: task.StatusCompleted, Result: result})
	if err != nil {
		return o.failTask(ctx, taskID, "", err)
	}
	return resultOf(t), nil
}

// failTask 把任务推进到失败终态并转换为路由结果。
// 任何内部错误都不会裸着返回给调用方。
func (o *Orchestrator) failTask(ctx context.Context, taskID, stepName string, cause error) (*RouteResult, error) {
	failure := &task.Failure{
		Kind:    string(xerrors.CodeOf(cause)),
		Message: cause.Error(),
		Step:    stepName,
	}
	t, err := o.service.Apply(ctx, taskID, task.Update{
		Status:  task.StatusFailed,
		Failure: failure,
	})
	if err != nil {
		// 任务可能已被执行方落了终态，读回真实状态
		if current, getErr := o.service.Get(ctx, taskID); getErr == nil && current.Terminal() {
			return resultOf(current), nil
		}
		o.log.Error("写入失败终态出错",
			slog.String("task_id", taskID),
			slog.Any("cause", cause),
			slog.Any("error", err),
		)
		return &RouteResult{
			Success: false,
			TaskID:  taskID,
			Error:   failure,
		}, nil
	}
	return resultOf(t), nil
}

func resultOf(t *task.Task) *RouteResult {
	return &RouteResult{
		Success: t.Status == task.StatusCompleted,
		TaskID:  t.ID,
		Result:  t.Result,
		Error:   t.Error,
	}
}

// initialContext 把调用方上下文并入任务工作上下文。
func initialContext(req RouteRequest) map[string]any {
	wctx := make(map[string]any, len(req.Context)+1)
	for k, v := range req.Context {
		wctx[k] = v
	}
	if req.UserID != "" {
		wctx["user_id"] = req.UserID
	}
	return wctx
}
