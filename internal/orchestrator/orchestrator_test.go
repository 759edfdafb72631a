package orchestrator

import (
	"context"
	"testing"
	"time"

	"AgentHive/internal/agent"
	"AgentHive/internal/intent"
	"AgentHive/internal/llm"
	"AgentHive/internal/surface"
	"AgentHive/internal/task"
)

// stubLLM 总是返回固定文本。
type stubLLM struct {
	text  string
	delay time.Duration
}

func (s *stubLLM) Complete(ctx context.Context, _ llm.Request) (*llm.Response, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &llm.Response{Text: s.text}, nil
}

// stubDriver 总是返回固定的发布链接。
type stubDriver struct {
	name string
	ref  string
}

func (s *stubDriver) Name() string { return s.name }
func (s *stubDriver) Authenticate(context.Context, surface.AuthRequest) (*surface.AuthResult, error) {
	return &surface.AuthResult{}, nil
}
func (s *stubDriver) Perform(context.Context, surface.Action) (*surface.ActionResult, error) {
	return &surface.ActionResult{Ref: s.ref}, nil
}
func (s *stubDriver) Close() error { return nil }

// pipeline 组装内存版的完整执行链路：服务、队列、执行器与处理器。
type pipeline struct {
	service *task.Service
	orch    *Orchestrator
	cancel  context.CancelFunc
}

func newPipeline(t *testing.T, llmClient llm.Client, driver surface.Driver, opts ...Option) *pipeline {
	t.Helper()
	queue := task.NewMemoryQueue(16)
	service := task.NewService(task.NewMemoryStore(), queue, nil)

	registry := agent.NewRegistry(
		agent.NewSocialAgent(),
		agent.NewResearchAgent(),
		agent.NewFinanceAgent(),
		agent.NewHealthAgent(),
		agent.NewFreelanceAgent(),
		agent.NewMonitorAgent(),
	)

	execOpts := []agent.ExecutorOption{
		agent.WithStatsProvider(func(ctx context.Context) (task.Stats, error) {
			return service.Stats(ctx)
		}),
	}
	if driver != nil {
		execOpts = append(execOpts, agent.WithDriver(driver))
	}
	executor := agent.NewExecutor(registry, service, llmClient, execOpts...)
	processor := task.NewProcessor(executor, service, queue, task.WithWorkerCount(2))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = processor.Start(ctx) }()
	t.Cleanup(cancel)

	orchOpts := append([]Option{WithWaitTimeout(5 * time.Second), WithPollInterval(10 * time.Millisecond)}, opts...)
	return &pipeline{
		service: service,
		orch:    New(service, intent.NewParser(), registry, orchOpts...),
		cancel:  cancel,
	}
}

func TestRoutePostTweetEndToEnd(t *testing.T) {
	p := newPipeline(t,
		&stubLLM{text: "AI is advancing fast."},
		&stubDriver{name: "x", ref: "https://x.example/1"},
	)

	res, err := p.orch.Route(context.Background(), RouteRequest{Command: "Post a tweet about AI"})
	if err != nil {
		t.Fatalf("route failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Result == nil || res.Result.URL != "https://x.example/1" {
		t.Fatalf("unexpected result: %+v", res.Result)
	}
	if res.Result.Content != "AI is advancing fast." {
		t.Fatalf("unexpected content: %q", res.Result.Content)
	}

	final, err := p.service.Get(context.Background(), res.TaskID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if final.Status != task.StatusCompleted {
		t.Fatalf("unexpected final status: %s", final.Status)
	}
	if final.AgentName != "social" {
		t.Fatalf("unexpected agent: %s", final.AgentName)
	}
}

func TestRouteIntentUnresolved(t *testing.T) {
	p := newPipeline(t, &stubLLM{text: "x"}, nil)

	res, err := p.orch.Route(context.Background(), RouteRequest{Command: "qwertyuiop zxcvbnm"})
	if err != nil {
		t.Fatalf("route failed: %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
	if res.Error == nil || res.Error.Kind != "INTENT_UNRESOLVED" {
		t.Fatalf("unexpected error: %+v", res.Error)
	}

	final, _ := p.service.Get(context.Background(), res.TaskID)
	if final.Status != task.StatusFailed {
		t.Fatalf("unexpected status: %s", final.Status)
	}
}

func TestRouteNoCapableAgent(t *testing.T) {
	// 注册表里只有监控智能体，post_tweet 无人认领
	queue := task.NewMemoryQueue(4)
	service := task.NewService(task.NewMemoryStore(), queue, nil)
	registry := agent.NewRegistry(agent.NewMonitorAgent())
	orch := New(service, intent.NewParser(), registry, WithWaitTimeout(time.Second))

	res, err := orch.Route(context.Background(), RouteRequest{Command: "post a tweet about go"})
	if err != nil {
		t.Fatalf("route failed: %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
	if res.Error == nil || res.Error.Kind != "NO_CAPABLE_AGENT" {
		t.Fatalf("unexpected error: %+v", res.Error)
	}
}

func TestRouteSimpleQueryAnsweredInline(t *testing.T) {
	p := newPipeline(t, &stubLLM{text: "x"}, nil)

	res, err := p.orch.Route(context.Background(), RouteRequest{Command: "hello"})
	if err != nil {
		t.Fatalf("route failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Result == nil || res.Result.Content == "" {
		t.Fatalf("expected inline answer, got %+v", res.Result)
	}

	final, _ := p.service.Get(context.Background(), res.TaskID)
	if final.Status != task.StatusCompleted {
		t.Fatalf("unexpected status: %s", final.Status)
	}
	if final.AgentName != "" {
		t.Fatalf("simple query must not be delegated, agent=%s", final.AgentName)
	}
}

func TestRouteCallerTimeoutLeavesTaskRunning(t *testing.T) {
	p := newPipeline(t,
		&stubLLM{text: "slow content", delay: 2 * time.Second},
		nil,
		WithWaitTimeout(50*time.Millisecond),
	)

	res, err := p.orch.Route(context.Background(), RouteRequest{Command: "research quantum computing for me"})
	if err != nil {
		t.Fatalf("route failed: %v", err)
	}
	if !res.StillRunning {
		t.Fatalf("expected still running, got %+v", res)
	}

	// 任务不能因为调用方超时而失败
	current, err := p.service.Get(context.Background(), res.TaskID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if current.Status == task.StatusFailed {
		t.Fatalf("caller timeout must not fail the task: %+v", current.Error)
	}

	// 任务最终自行完成
	final, err := p.service.WaitUntilCompleted(context.Background(), res.TaskID, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if final.Status != task.StatusCompleted {
		t.Fatalf("unexpected final status: %s (error: %+v)", final.Status, final.Error)
	}
}

func TestRouteMultiAgentWorkflow(t *testing.T) {
	p := newPipeline(t,
		&stubLLM{text: "AI agents are eating software."},
		&stubDriver{name: "x", ref: "https://x.example/42"},
	)

	res, err := p.orch.Route(context.Background(), RouteRequest{
		Command: "research ai trends and post a tweet about it",
	})
	if err != nil {
		t.Fatalf("route failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Result == nil || res.Result.URL != "https://x.example/42" {
		t.Fatalf("expected posted url in aggregate result, got %+v", res.Result)
	}
	if len(res.Result.Outputs) != 2 {
		t.Fatalf("expected one output per workflow step, got %+v", res.Result.Outputs)
	}

	parent, err := p.service.Get(context.Background(), res.TaskID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if parent.Intent != "multi_agent_workflow" {
		t.Fatalf("unexpected parent intent: %s", parent.Intent)
	}
	if parent.AgentName != "" {
		t.Fatalf("workflow parent must stay with the orchestrator, agent=%s", parent.AgentName)
	}

	// 第二步继承第一步的主题与产出
	postID, _ := res.Result.Outputs["step_2_post_tweet"].(string)
	if postID == "" {
		t.Fatalf("missing post subtask id: %+v", res.Result.Outputs)
	}
	sub, err := p.service.Get(context.Background(), postID)
	if err != nil {
		t.Fatalf("get subtask failed: %v", err)
	}
	if sub.AgentName != "social" {
		t.Fatalf("unexpected subtask agent: %s", sub.AgentName)
	}
	params, _ := sub.WorkingContext["intent_params"].(map[string]string)
	if params["topic"] != "ai trends" {
		t.Fatalf("expected inherited topic, got %+v", params)
	}
	if sub.WorkingContext["parent_task_id"] != res.TaskID {
		t.Fatalf("subtask must reference the parent: %+v", sub.WorkingContext)
	}
}

func TestRouteMultiAgentWorkflowFailsWithFailingStep(t *testing.T) {
	p := newPipeline(t,
		&stubLLM{text: "market summary"},
		nil, // 无平台驱动，发布步骤必然失败
	)

	res, err := p.orch.Route(context.Background(), RouteRequest{
		Command: "research crypto markets and post a tweet about it",
	})
	if err != nil {
		t.Fatalf("route failed: %v", err)
	}
	if res.Success {
		t.Fatalf("expected workflow failure, got %+v", res)
	}
	if res.Error == nil || res.Error.Step != "post_tweet" {
		t.Fatalf("failure must name the failing step, got %+v", res.Error)
	}
}

func TestRouteConjunctionStaysSingleTask(t *testing.T) {
	p := newPipeline(t, &stubLLM{text: "sector overview"}, nil)

	// 子句 "gas" 无法独立解析，整句按单任务处理
	res, err := p.orch.Route(context.Background(), RouteRequest{
		Command: "research stocks in oil and gas",
	})
	if err != nil {
		t.Fatalf("route failed: %v", err)
	}
	current, err := p.service.Get(context.Background(), res.TaskID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if current.Intent == "multi_agent_workflow" {
		t.Fatalf("conjunction without two resolvable clauses must not split")
	}
	if current.Intent != "research_stocks" {
		t.Fatalf("unexpected intent: %s", current.Intent)
	}
}

func TestRouteSystemStatusDelegatedToMonitor(t *testing.T) {
	p := newPipeline(t, &stubLLM{text: "x"}, nil)

	res, err := p.orch.Route(context.Background(), RouteRequest{Command: "system status please"})
	if err != nil {
		t.Fatalf("route failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Result == nil || res.Result.Content == "" {
		t.Fatalf("expected status content, got %+v", res.Result)
	}

	final, _ := p.service.Get(context.Background(), res.TaskID)
	if final.AgentName != "monitor" {
		t.Fatalf("unexpected agent: %s", final.AgentName)
	}
}
