package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	xerrors "AgentHive/internal/errors"
	"AgentHive/internal/intent"
	"AgentHive/internal/llm"
	"AgentHive/internal/surface"
	"AgentHive/internal/task"
	"AgentHive/pkg/logger"
)

// 生成步骤的重试预算：总共 3 次尝试，退避从 1 秒起倍增。
const (
	generateMaxAttempts = 3
	generateBackoffBase = time.Second
)

// CredentialProvider 返回智能体在某个平台上的登录凭据。
type CredentialProvider func(agent, surface string) map[string]string

// StatsProvider 返回当前任务统计，供监控类步骤使用。
type StatsProvider func(ctx context.Context) (task.Stats, error)

// Executor 驱动计划执行并负责任务的全部终态落盘。
// 任何从 Run 正常返回的路径上任务都已处于终态。
type Executor struct {
	registry    *Registry
	service     *task.Service
	llm         llm.Client
	drivers     map[string]surface.Driver
	credentials CredentialProvider
	stats       StatsProvider
	genTimeout  time.Duration
	sleep       func(time.Duration)
	log         *slog.Logger
}

// ExecutorOption 配置执行器。
type ExecutorOption func(*Executor)

// WithDriver 注册一个平台驱动。
func WithDriver(d surface.Driver) ExecutorOption {
	return func(e *Executor) {
		if d != nil {
			e.drivers[d.Name()] = d
		}
	}
}

// WithCredentialProvider 配置凭据来源，用于会话失效后的重新登录。
func WithCredentialProvider(p CredentialProvider) ExecutorOption {
	return func(e *Executor) { e.credentials = p }
}

// WithStatsProvider 配置统计来源。
func WithStatsProvider(p StatsProvider) ExecutorOption {
	return func(e *Executor) { e.stats = p }
}

// WithGenerateTimeout 设置单次生成调用的超时。
func WithGenerateTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.genTimeout = d
		}
	}
}

// withSleep 供测试替换退避等待。
func withSleep(fn func(time.Duration)) ExecutorOption {
	return func(e *Executor) { e.sleep = fn }
}

// NewExecutor 创建执行器。
func NewExecutor(registry *Registry, service *task.Service, llmClient llm.Client, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:   registry,
		service:    service,
		llm:        llmClient,
		drivers:    make(map[string]surface.Driver),
		genTimeout: 60 * time.Second,
		sleep:      time.Sleep,
		log:        logger.Named("agent.executor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Run 执行一个已指派的任务：制定计划、逐步执行、落终态。
func (e *Executor) Run(ctx context.Context, t *task.Task) error {
	ag, err := e.registry.Get(t.AgentName)
	if err != nil {
		return e.fail(t.ID, "", err)
	}

	plan, err := ag.CreatePlan(e.intentOf(t), t.WorkingContext)
	if err != nil {
		return e.fail(t.ID, "", err)
	}
	// 重启恢复的任务可能已处于 executing，已越过的状态迁移直接跳过
	for _, status := range []task.Status{task.StatusPlanCreated, task.StatusExecuting} {
		if t.Status.Reached(status) {
			continue
		}
		if _, err := e.service.Apply(ctx, t.ID, task.Update{Status: status}); err != nil {
			return err
		}
	}

	wctx := cloneContext(t.WorkingContext)
	outcome := &executionOutcome{evidence: map[string]string{}}

	for _, step := range plan.Steps {
		// 取消只在步骤边界生效，执行中的步骤总是跑完
		if err := ctx.Err(); err != nil {
			cancelErr := xerrors.Wrap(xerrors.CodeInternal, err, "任务执行被取消")
			return e.fail(t.ID, step.Name, cancelErr)
		}

		step.Status = StepRunning
		if err := e.runStep(ctx, t, step, wctx, outcome); err != nil {
			step.Status = StepFailed
			step.Error = err.Error()
			return e.fail(t.ID, step.Name, err)
		}
		step.Status = StepSucceeded

		if len(wctx) > 0 {
			if _, err := e.service.Apply(ctx, t.ID, task.Update{WorkingContext: wctx}); err != nil {
				return err
			}
		}
	}

	result := e.buildResult(plan, wctx, outcome)
	if _, err := e.service.Apply(ctx, t.ID, task.Update{Status: task.StatusCompleted, Result: result}); err != nil {
		return err
	}
	e.log.Info("任务执行完成",
		slog.String("task_id", t.ID),
		slog.String("agent", t.AgentName),
		slog.Bool("verified", result.Verified),
	)
	return nil
}

// executionOutcome 汇集平台操作的结果，供 verify 步骤与最终结果使用。
type executionOutcome struct {
	ref        string
	unverified bool
	platform   string
	evidence   map[string]string
}

func (e *Executor) runStep(ctx context.Context, t *task.Task, step *Step, wctx map[string]any, outcome *executionOutcome) error {
	switch step.Kind {
	case StepGenerateContent:
		return e.runGenerate(ctx, step, wctx)
	case StepReviewContent:
		return e.runReview(step, wctx)
	case StepSurfaceAction:
		return e.runSurfaceAction(ctx, t, step, wctx, outcome)
	case StepVerify:
		return e.runVerify(step, wctx, outcome)
	default:
		return xerrors.New(xerrors.CodeInternal, "未知的步骤种类: "+string(step.Kind))
	}
}

// runGenerate 执行内容生成，失败时按重试预算退避重试。
func (e *Executor) runGenerate(ctx context.Context, step *Step, wctx map[string]any) error {
	if step.Params["source"] == "stats" {
		return e.runStatsGenerate(ctx, step, wctx)
	}
	if e.llm == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}

	maxTokens, _ := strconv.Atoi(step.Params["max_tokens"])
	var lastErr error
	for attempt := 1; attempt <= generateMaxAttempts; attempt++ {
		step.Attempts = attempt

		genCtx, cancel := context.WithTimeout(ctx, e.genTimeout)
		resp, err := e.llm.Complete(genCtx, llm.Request{Prompt: step.Prompt, MaxTokens: maxTokens})
		cancel()
		if err == nil {
			step.Output = resp.Text
			wctx["content"] = resp.Text
			return nil
		}
		if stdErrors.Is(err, context.DeadlineExceeded) {
			err = xerrors.Wrap(llm.CodeGenerationTimeout, err, "内容生成超时")
		}
		lastErr = err
		if !xerrors.RetryableError(err) || attempt == generateMaxAttempts {
			break
		}

		backoff := generateBackoffBase << (attempt - 1)
		e.log.Warn("内容生成失败，准备重试",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.Any("error", err),
		)
		e.sleep(backoff)
	}
	return lastErr
}

// runStatsGenerate 汇总任务统计生成状态报告，不调用外部服务。
func (e *Executor) runStatsGenerate(ctx context.Context, step *Step, wctx map[string]any) error {
	if e.stats == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置统计来源")
	}
	step.Attempts = 1
	stats, err := e.stats(ctx)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "System status: %d tasks total, %d active, %d completed, %d failed.",
		stats.Total, stats.Active, stats.Completed, stats.Failed)
	for name, as := range stats.ByAgent {
		fmt.Fprintf(&b, "\n- %s: %d total, %d completed, %d failed", name, as.Total, as.Completed, as.Failed)
	}
	step.Output = b.String()
	wctx["content"] = b.String()
	return nil
}

// runReview 校验生成内容。校验失败不重试。
func (e *Executor) runReview(step *Step, wctx map[string]any) error {
	step.Attempts = 1
	content, _ := wctx["content"].(string)
	content = strings.TrimSpace(content)
	if content == "" {
		return xerrors.New(CodeValidationFailed, "生成内容为空")
	}

	maxLen, _ := strconv.Atoi(step.Params["max_length"])
	if maxLen > 0 {
		if n := utf8.RuneCountInString(content); n > maxLen {
			return xerrors.New(CodeValidationFailed,
				fmt.Sprintf("内容长度 %d 超出平台上限 %d", n, maxLen))
		}
	}
	step.Output = content
	wctx["content"] = content
	return nil
}

// runSurfaceAction 执行平台操作。会话失效时重新登录一次后再试一次，
// 其余失败不重试。
func (e *Executor) runSurfaceAction(ctx context.Context, t *task.Task, step *Step, wctx map[string]any, outcome *executionOutcome) error {
	surfaceName := step.Params["surface"]
	driver, ok := e.drivers[surfaceName]
	if !ok {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置平台驱动: "+surfaceName)
	}
	content, _ := wctx["content"].(string)

	action := surface.Action{
		Kind:    step.Params["action"],
		TaskID:  t.ID,
		Agent:   t.AgentName,
		Payload: map[string]string{"text": content},
	}

	step.Attempts = 1
	result, err := driver.Perform(ctx, action)
	if err != nil && xerrors.CodeOf(err) == surface.CodeAuthExpired {
		if reauthErr := e.reauthenticate(ctx, driver, t.AgentName); reauthErr != nil {
			return reauthErr
		}
		step.Attempts = 2
		result, err = driver.Perform(ctx, action)
	}
	if err != nil {
		return err
	}

	outcome.platform = surfaceName
	outcome.ref = result.Ref
	outcome.unverified = result.Unverified
	for k, v := range result.Evidence {
		outcome.evidence[k] = v
	}
	if result.Ref != "" {
		step.Output = result.Ref
		wctx["post_url"] = result.Ref
	}
	return nil
}

// reauthenticate 用配置的凭据重新建立会话。
func (e *Executor) reauthenticate(ctx context.Context, driver surface.Driver, agentName string) error {
	if e.credentials == nil {
		return xerrors.New(surface.CodeAuthExpired, "会话失效且未配置凭据来源")
	}
	creds := e.credentials(agentName, driver.Name())
	if len(creds) == 0 {
		return xerrors.New(surface.CodeAuthExpired, "会话失效且没有可用凭据")
	}
	e.log.Info("会话失效，重新登录", slog.String("agent", agentName), slog.String("surface", driver.Name()))
	_, err := driver.Authenticate(ctx, surface.AuthRequest{Agent: agentName, Credentials: creds})
	return err
}

// runVerify 核对平台操作结果：拿到产物链接即视为已验证，
// 否则以未验证成功收尾并保留证据。
func (e *Executor) runVerify(step *Step, wctx map[string]any, outcome *executionOutcome) error {
	step.Attempts = 1
	if outcome.ref != "" {
		step.Output = outcome.ref
		return nil
	}
	if outcome.unverified {
		e.log.Warn("操作结果无法验证，按未验证成功处理")
		wctx["verified"] = false
		return nil
	}
	return xerrors.New(CodeValidationFailed, "没有可核对的平台操作结果")
}

// buildResult 汇总执行结果。
func (e *Executor) buildResult(plan *Plan, wctx map[string]any, outcome *executionOutcome) *task.Result {
	content, _ := wctx["content"].(string)
	verified := outcome.ref != ""

	summary := "任务完成: " + plan.Label
	if outcome.ref != "" {
		summary = fmt.Sprintf("已发布到 %s", outcome.platform)
	} else if outcome.unverified {
		summary = fmt.Sprintf("已提交到 %s，结果未验证", outcome.platform)
	}

	outputs := make(map[string]any, len(plan.Steps))
	for _, step := range plan.Steps {
		if step.Output != "" {
			outputs[step.Name] = step.Output
		}
	}

	result := &task.Result{
		Summary:  summary,
		Content:  content,
		Platform: outcome.platform,
		URL:      outcome.ref,
		Verified: verified || outcome.platform == "",
		Outputs:  outputs,
	}
	if outcome.unverified && len(outcome.evidence) > 0 {
		result.Evidence = outcome.evidence
	}
	return result
}

// fail 把任务标记为失败终态。
func (e *Executor) fail(taskID, stepName string, cause error) error {
	failure := &task.Failure{
		Kind:    string(xerrors.CodeOf(cause)),
		Message: cause.Error(),
		Step:    stepName,
	}
	if _, err := e.service.Apply(context.Background(), taskID, task.Update{
		Status:  task.StatusFailed,
		Failure: failure,
	}); err != nil {
		e.log.Error("写入失败终态出错", slog.String("task_id", taskID), slog.Any("error", err))
		return err
	}
	e.log.Warn("任务执行失败",
		slog.String("task_id", taskID),
		slog.String("step", stepName),
		slog.String("kind", failure.Kind),
		slog.String("error", failure.Message),
	)
	return nil
}

// intentOf 从任务字段还原结构化意图。
func (e *Executor) intentOf(t *task.Task) *intent.Intent {
	return &intent.Intent{
		Label:    t.Intent,
		Params:   paramsFromContext(t.WorkingContext),
		Priority: t.Priority,
	}
}

// paramsFromContext 读取意图参数。存储层的 JSON 往返会把
// map[string]string 还原成 map[string]any，两种形态都要接住。
func paramsFromContext(wctx map[string]any) map[string]string {
	params := make(map[string]string)
	raw, ok := wctx["intent_params"]
	if !ok {
		return params
	}
	switch typed := raw.(type) {
	case map[string]string:
		for k, v := range typed {
			params[k] = v
		}
	case map[string]any:
		for k, v := range typed {
			if s, ok := v.(string); ok {
				params[k] = s
			}
		}
	}
	return params
}

func cloneContext(wctx map[string]any) map[string]any {
	dup := make(map[string]any, len(wctx))
	for k, v := range wctx {
		dup[k] = v
	}
	return dup
}

var _ task.Runner = (*Executor)(nil)
