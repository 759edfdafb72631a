package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"AgentHive/internal/agent"
	"AgentHive/internal/bus"
	"AgentHive/internal/intent"
	"AgentHive/internal/llm"
	"AgentHive/internal/orchestrator"
	"AgentHive/internal/surface"
	"AgentHive/internal/task"
)

type stubLLM struct {
	text string
}

func (s *stubLLM) Complete(context.Context, llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: s.text}, nil
}

type stubDriver struct {
	ref string
}

func (s *stubDriver) Name() string { return "x" }
func (s *stubDriver) Authenticate(context.Context, surface.AuthRequest) (*surface.AuthResult, error) {
	return &surface.AuthResult{}, nil
}
func (s *stubDriver) Perform(context.Context, surface.Action) (*surface.ActionResult, error) {
	return &surface.ActionResult{Ref: s.ref}, nil
}
func (s *stubDriver) Close() error { return nil }

// newTestServer 组装内存版完整链路并返回 API 服务实例。
func newTestServer(t *testing.T) (*Server, *task.Service) {
	t.Helper()
	queue := task.NewMemoryQueue(16)
	service := task.NewService(task.NewMemoryStore(), queue, nil)

	registry := agent.NewRegistry(
		agent.NewSocialAgent(),
		agent.NewMonitorAgent(),
	)
	executor := agent.NewExecutor(registry, service, &stubLLM{text: "AI is advancing fast."},
		agent.WithDriver(&stubDriver{ref: "https://x.example/1"}),
		agent.WithStatsProvider(func(ctx context.Context) (task.Stats, error) {
			return service.Stats(ctx)
		}),
	)
	processor := task.NewProcessor(executor, service, queue, task.WithWorkerCount(2))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = processor.Start(ctx) }()
	t.Cleanup(cancel)

	orch := orchestrator.New(service, intent.NewParser(), registry,
		orchestrator.WithWaitTimeout(5*time.Second),
		orchestrator.WithPollInterval(10*time.Millisecond),
	)
	return NewServer(":0", orch, service, bus.NewMemoryBus()), service
}

func TestHandleCommandSuccess(t *testing.T) {
	server, service := newTestServer(t)

	body, _ := json.Marshal(commandRequest{Command: "Post a tweet about AI"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	server.handleCommand(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d, body %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var result orchestrator.RouteResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Result == nil || result.Result.URL != "https://x.example/1" {
		t.Fatalf("unexpected result: %+v", result.Result)
	}

	final, err := service.Get(context.Background(), result.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if final.Status != task.StatusCompleted {
		t.Fatalf("unexpected final status: %s", final.Status)
	}
}

func TestHandleCommandValidation(t *testing.T) {
	server, _ := newTestServer(t)

	t.Run("invalid body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", strings.NewReader("not-json"))
		rec := httptest.NewRecorder()

		server.handleCommand(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("empty command", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", strings.NewReader(`{"command":"  "}`))
		rec := httptest.NewRecorder()

		server.handleCommand(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})
}

func TestHandleGetTask(t *testing.T) {
	server, service := newTestServer(t)

	sample := &task.Task{Command: "demo"}
	if err := service.Create(context.Background(), sample); err != nil {
		t.Fatalf("create task: %v", err)
	}

	t.Run("found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+sample.ID, nil)
		req.SetPathValue("id", sample.ID)
		rec := httptest.NewRecorder()

		server.handleGetTask(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
		}
		var got task.Task
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if got.ID != sample.ID || got.Command != "demo" {
			t.Fatalf("unexpected task: %+v", got)
		}
	})

	t.Run("not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/missing", nil)
		req.SetPathValue("id", "missing")
		rec := httptest.NewRecorder()

		server.handleGetTask(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})
}

func TestHandleListTasksFilters(t *testing.T) {
	server, service := newTestServer(t)

	for _, cmd := range []string{"task one", "task two", "task three"} {
		if err := service.Create(context.Background(), &task.Task{Command: cmd}); err != nil {
			t.Fatalf("create task: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks?status=received&limit=2", nil)
	rec := httptest.NewRecorder()

	server.handleListTasks(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	var resp struct {
		Tasks []*task.Task `json:"tasks"`
		Count int          `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 2 || len(resp.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", resp.Count)
	}
}

func TestHandleStats(t *testing.T) {
	server, service := newTestServer(t)

	if err := service.Create(context.Background(), &task.Task{Command: "demo"}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/stats", nil)
	rec := httptest.NewRecorder()

	server.handleStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	var stats task.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stats.Total != 1 {
		t.Fatalf("expected total 1, got %d", stats.Total)
	}
}

func TestHandleStreamPushesEvents(t *testing.T) {
	server, _ := newTestServer(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/tasks/stream", server.handleStream)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/tasks/stream", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type: %q", got)
	}

	// 订阅建立与首次读取之间存在竞争，持续发布直到客户端收到事件。
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = server.bus.Publish(context.Background(), bus.Event{
					Type:   bus.EventTaskUpdate,
					TaskID: "task-1",
					Status: string(task.StatusExecuting),
				})
			}
		}
	}()

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event bus.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &event); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if event.TaskID != "task-1" || event.Type != bus.EventTaskUpdate {
			t.Fatalf("unexpected event: %+v", event)
		}
		return
	}
}
