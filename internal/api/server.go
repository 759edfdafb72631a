package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"AgentHive/internal/bus"
	xerrors "AgentHive/internal/errors"
	"AgentHive/internal/orchestrator"
	"AgentHive/internal/task"
	"AgentHive/pkg/logger"
)

// Server 负责暴露 REST 接口：提交指令、查询任务与实时事件流。
type Server struct {
	addr    string
	orch    *orchestrator.Orchestrator
	service *task.Service
	bus     bus.Bus
	log     *slog.Logger
}

// NewServer 构造 API 服务实例。eventBus 可以为 nil，此时事件流接口不可用。
func NewServer(addr string, orch *orchestrator.Orchestrator, service *task.Service, eventBus bus.Bus) *Server {
	return &Server{
		addr:    addr,
		orch:    orch,
		service: service,
		bus:     eventBus,
		log:     logger.Named("api"),
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/commands", s.handleCommand)
	mux.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/v1/tasks/stats", s.handleStats)
	mux.HandleFunc("GET /api/v1/tasks/stream", s.handleStream)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetTask)

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.Info("API 服务启动", slog.String("addr", s.addr))
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// commandRequest 是指令提交的请求体。
type commandRequest struct {
	Command string         `json:"command"`
	Context map[string]any `json:"context,omitempty"`
	UserID  string         `json:"user_id,omitempty"`
}

// handleCommand 接收自然语言指令并同步返回路由结果。
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		http.Error(w, "command 不能为空", http.StatusBadRequest)
		return
	}

	result, err := s.orch.Route(r.Context(), orchestrator.RouteRequest{
		Command: req.Command,
		Context: req.Context,
		UserID:  req.UserID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusOK
	if result.StillRunning {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

// handleGetTask 返回单个任务的快照。
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleListTasks 按过滤条件返回任务列表。
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts := listOptionsFromQuery(r)
	tasks, err := s.service.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// handleStats 返回任务统计。
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats(r.Context(), listOptionsFromQuery(r)...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleStream 以 SSE 推送任务事件。投递是尽力而为的，
// 断线重连的客户端应通过列表接口補拉状态。
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "事件总线未启用", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "不支持流式响应", http.StatusInternalServerError)
		return
	}

	sub, err := s.bus.Subscribe(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-sub.C():
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// listOptionsFromQuery 从查询参数构建列表过滤条件。
func listOptionsFromQuery(r *http.Request) []task.ListOption {
	var opts []task.ListOption
	query := r.URL.Query()

	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				statuses = append(statuses, task.Status(part))
			}
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if agent := query.Get("agent"); agent != "" {
		opts = append(opts, task.WithAgent(agent))
	}
	if raw := query.Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, task.WithLimit(limit))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if offset, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, task.WithOffset(offset))
		}
	}
	return opts
}

// writeError 把内部错误转换为 HTTP 响应。
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case task.CodeTaskNotFound, xerrors.CodeNotFound:
		status = http.StatusNotFound
	case task.CodeTaskValidation, xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case task.CodeTaskConflict, xerrors.CodeConflict:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.log.Error("请求处理失败", slog.Any("error", err))
	}
	writeJSON(w, status, map[string]string{
		"code":    string(code),
		"message": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
