package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"AI-Orchestra/internal/config"
	xerrors "AI-Orchestra/internal/errors"
	"AI-Orchestra/internal/invoker"
	"AI-Orchestra/internal/observability/metrics"
	"AI-Orchestra/internal/router"
	"AI-Orchestra/internal/run"
	"AI-Orchestra/internal/session"
	"AI-Orchestra/internal/workflow"
	"AI-Orchestra/pkg/logger"
)

// Options 汇总 API 服务的全部依赖。
type Options struct {
	Addr      string
	Router    *router.Router
	Models    map[string]invoker.ModelConfig
	Addons    map[string]string
	Templates map[string]config.WorkflowTemplate
	Sessions  session.Store
	Runs      *run.Service
}

// ModelInfo 是对外展示的模型描述。
type ModelInfo struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Purpose  string `json:"purpose,omitempty"`
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr      string
	router    *router.Router
	models    map[string]invoker.ModelConfig
	addons    map[string]string
	templates map[string]config.WorkflowTemplate
	sessions  session.Store
	runs      *run.Service
	logger    *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(opts Options) *Server {
	return &Server{
		addr:      opts.Addr,
		router:    opts.Router,
		models:    opts.Models,
		addons:    opts.Addons,
		templates: opts.Templates,
		sessions:  opts.Sessions,
		runs:      opts.Runs,
		logger:    logger.Named("api"),
	}
}

// Handler 返回完整路由表，供测试与 Start 复用。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chat", s.instrument("chat", s.handleChat))
	mux.HandleFunc("/api/v1/workflows", s.instrument("workflows", s.handleWorkflows))
	mux.HandleFunc("/api/v1/runs", s.instrument("runs", s.handleRuns))
	mux.HandleFunc("/api/v1/runs/", s.instrument("run_detail", s.handleRunDetail))
	mux.HandleFunc("/api/v1/sessions/", s.instrument("session_detail", s.handleSessionDetail))
	mux.HandleFunc("/api/v1/models", s.instrument("models", s.handleModels))
	mux.HandleFunc("/api/v1/addons", s.instrument("addons", s.handleAddons))
	mux.HandleFunc("/api/v1/templates", s.instrument("templates", s.handleTemplates))
	mux.HandleFunc("/api/v1/templates/", s.instrument("template_execute", s.handleTemplateExecute))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/stats", s.instrument("stats", s.handleStats))
	mux.Handle("/metrics", metrics.Handler())
	return withCORS(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

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

type chatRequest struct {
	SessionID     string `json:"session_id"`
	Message       string `json:"message"`
	ContextTokens int    `json:"context_tokens"`
}

type chatResponse struct {
	SessionID string    `json:"session_id"`
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// handleChat 处理一轮对话：补齐会话、估算上下文规模、写回历史。
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.router == nil {
		http.Error(w, "路由层未初始化", http.StatusServiceUnavailable)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message 不能为空", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	contextTokens := req.ContextTokens
	if s.sessions != nil {
		if contextTokens <= 0 {
			existing, err := s.sessions.Get(ctx, sessionID)
			if err != nil && !stdErrors.Is(err, session.ErrNotFound) {
				s.writeError(w, err)
				return
			}
			contextTokens = session.EstimateContextTokens(existing) + len(req.Message)/4
		}
		if err := s.sessions.Append(ctx, sessionID, session.Message{
			Role:      "user",
			Content:   req.Message,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			s.writeError(w, err)
			return
		}
	}

	response, err := s.router.ProcessRequest(ctx, req.Message, contextTokens)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if s.sessions != nil {
		if err := s.sessions.Append(ctx, sessionID, session.Message{
			Role:      "assistant",
			Content:   response,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			// 历史写入失败不影响已经生成的回复。
			s.logger.Error("写入会话历史失败", slog.Any("error", err), slog.String("session_id", sessionID))
		}
	}

	writeJSON(w, http.StatusOK, chatResponse{
		SessionID: sessionID,
		Response:  response,
		Timestamp: time.Now().UTC(),
	})
}

type workflowRequest struct {
	Definition json.RawMessage `json:"definition"`
	Variables  map[string]any  `json:"variables"`
}

type workflowResponse struct {
	Status          string         `json:"status"`
	Result          map[string]any `json:"result"`
	ExecutionTimeMS int64          `json:"execution_time_ms"`
}

// handleWorkflows 直接执行请求体携带的工作流定义。
func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.router == nil {
		http.Error(w, "路由层未初始化", http.StatusServiceUnavailable)
		return
	}

	var req workflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if len(req.Definition) == 0 {
		http.Error(w, "definition 不能为空", http.StatusBadRequest)
		return
	}

	steps, err := workflow.ParseDefinition(req.Definition)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.executeWorkflow(r.Context(), w, steps, req.Variables)
}

func (s *Server) executeWorkflow(ctx context.Context, w http.ResponseWriter, steps []workflow.Step, seed map[string]any) {
	started := time.Now()
	result, err := s.router.ExecuteWorkflow(ctx, steps, seed)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workflowResponse{
		Status:          "completed",
		Result:          result,
		ExecutionTimeMS: time.Since(started).Milliseconds(),
	})
}

type submitRunRequest struct {
	ID            string         `json:"id"`
	Message       string         `json:"message"`
	SessionID     string         `json:"session_id"`
	ContextTokens int            `json:"context_tokens"`
	Metadata      map[string]any `json:"metadata"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		http.Error(w, "运行服务未初始化", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitRun(w, r)
	case http.MethodGet:
		s.handleListRuns(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	submitted, err := s.runs.Submit(r.Context(), run.SubmitRequest{
		ID:            req.ID,
		Message:       req.Message,
		SessionID:     req.SessionID,
		ContextTokens: req.ContextTokens,
		Metadata:      req.Metadata,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitted)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	opts := listOptionsFromQuery(r)
	results, err := s.runs.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// listOptionsFromQuery 将查询参数翻译成运行列表过滤条件。
func listOptionsFromQuery(r *http.Request) []run.ListOption {
	query := r.URL.Query()
	var opts []run.ListOption
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, run.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, run.WithOffset(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []run.Status
		for _, item := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				statuses = append(statuses, run.Status(trimmed))
			}
		}
		if len(statuses) > 0 {
			opts = append(opts, run.WithStatuses(statuses...))
		}
	}
	if raw := query.Get("session_id"); raw != "" {
		opts = append(opts, run.WithSessionID(raw))
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, run.WithQuery(raw))
	}
	return opts
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.runs == nil {
		http.Error(w, "运行服务未初始化", http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "无效的运行 ID", http.StatusBadRequest)
		return
	}
	result, err := s.runs.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "会话存储未初始化", http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "无效的会话 ID", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		result, err := s.sessions.Get(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case http.MethodDelete:
		if err := s.sessions.Delete(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "仅支持 GET/DELETE", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	listing := make(map[string]ModelInfo, len(s.models))
	for name, model := range s.models {
		listing[name] = ModelInfo{
			Provider: model.Provider,
			Model:    model.Model,
			Purpose:  model.Purpose,
		}
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleAddons(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.addons == nil {
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	writeJSON(w, http.StatusOK, s.addons)
}

type templateInfo struct {
	Description string `json:"description"`
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	listing := make(map[string]templateInfo, len(s.templates))
	for name, tpl := range s.templates {
		listing[name] = templateInfo{Description: tpl.Description}
	}
	writeJSON(w, http.StatusOK, listing)
}

type templateExecuteRequest struct {
	Variables map[string]any `json:"variables"`
}

// handleTemplateExecute 处理 /api/v1/templates/{name}/execute。
func (s *Server) handleTemplateExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.router == nil {
		http.Error(w, "路由层未初始化", http.StatusServiceUnavailable)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/templates/")
	name, action, found := strings.Cut(rest, "/")
	if !found || name == "" || action != "execute" {
		http.Error(w, "无效的模板路径", http.StatusBadRequest)
		return
	}
	tpl, ok := s.templates[name]
	if !ok {
		http.Error(w, "模板不存在", http.StatusNotFound)
		return
	}

	var req templateExecuteRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !stdErrors.Is(err, io.EOF) {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
	}

	steps, err := workflow.ParseDefinition(tpl.Workflow)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.executeWorkflow(r.Context(), w, steps, req.Variables)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	Sessions session.Stats `json:"sessions"`
	Runs     run.RunStats  `json:"runs"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	var resp statsResponse
	if s.sessions != nil {
		stats, err := s.sessions.Stats(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		resp.Sessions = stats
	}
	if s.runs != nil {
		stats, err := s.runs.Stats(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		resp.Runs = stats
	}
	writeJSON(w, http.StatusOK, resp)
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// writeError 将统一错误类型映射为 HTTP 状态码与 JSON 响应。
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := httpStatusOf(code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败", slog.Any("error", err), slog.String("code", string(code)))
	}
	writeJSON(w, status, errorResponse{Code: string(code), Error: err.Error()})
}

func httpStatusOf(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, xerrors.CodeWorkflowParseFailed,
		xerrors.CodeUnknownModel, xerrors.CodeUnknownProvider, run.CodeRunValidation:
		return http.StatusBadRequest
	case xerrors.CodeRequestTooLarge:
		return http.StatusRequestEntityTooLarge
	case session.CodeSessionNotFound, run.CodeRunNotFound:
		return http.StatusNotFound
	case run.CodeRunConflict:
		return http.StatusConflict
	case xerrors.CodeBreakerOpen, xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusRecorder 捕获下游写入的状态码，供指标上报使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

// instrument 为单个处理函数套上请求指标采集。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(started))
	}
}

// withCORS 放行浏览器跨域访问并处理预检请求。
func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
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
