package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ChainPilot/internal/account"
	"ChainPilot/internal/agent"
	"ChainPilot/internal/auth"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/provision"
	"ChainPilot/internal/treasury"
)

// Server 暴露托管账户注册、状态查询与指令执行的 REST 接口。
type Server struct {
	addr      string
	registrar *provision.Registrar
	retrier   provision.Retrier
	store     account.Store
	agent     *agent.Agent
	auth      *auth.Service
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, registrar *provision.Registrar, retrier provision.Retrier,
	store account.Store, ag *agent.Agent, authSvc *auth.Service) *Server {
	return &Server{
		addr:      addr,
		registrar: registrar,
		retrier:   retrier,
		store:     store,
		agent:     ag,
		auth:      authSvc,
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/api/v1/auth/token", s.instrument("auth_token", s.handleToken))
	mux.Handle("/api/v1/register", s.protect(s.instrument("register", s.handleRegister)))
	mux.Handle("/api/v1/accounts", s.protect(s.instrument("accounts", s.handleAccounts)))
	mux.Handle("/api/v1/accounts/retry-deployment", s.protect(s.instrument("retry_deployment", s.handleRetryDeployment)))
	mux.Handle("/api/v1/commands", s.protect(s.instrument("commands", s.handleCommands)))

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

// protect 为受保护的端点挂载认证中间件。
func (s *Server) protect(handler http.Handler) http.Handler {
	if s.auth == nil || s.auth.Mode() == auth.ModeDisabled {
		return handler
	}
	return s.auth.Middleware(auth.MiddlewareConfig{})(handler)
}

// instrument 记录每个端点的请求量与时延。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		handler(sw, r)
		metrics.ObserveHTTPRequest(name, r.Method, sw.status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleToken 处理令牌签发请求。
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.auth == nil || s.auth.Mode() == auth.ModeDisabled {
		http.Error(w, "认证服务未启用", http.StatusNotFound)
		return
	}

	var req auth.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	pair, err := s.auth.Authenticate(r.Context(), req)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrUnsupportedGrant) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// handleRegister 为用户创建并开通托管账户。
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.registrar == nil {
		http.Error(w, "注册服务未初始化", http.StatusServiceUnavailable)
		return
	}

	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		http.Error(w, "user_id 不能为空", http.StatusBadRequest)
		return
	}

	result, err := s.registrar.Register(r.Context(), strings.TrimSpace(req.UserID))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// handleAccounts 按地址或用户查询托管账户状态。
func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		http.Error(w, "账户存储未初始化", http.StatusServiceUnavailable)
		return
	}

	address := strings.TrimSpace(r.URL.Query().Get("address"))
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))

	var (
		acct *account.Account
		err  error
	)
	switch {
	case address != "":
		acct, err = s.store.Get(r.Context(), address)
	case userID != "":
		acct, err = s.store.GetByUser(r.Context(), userID)
	default:
		http.Error(w, "需要 address 或 user_id 参数", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// handleRetryDeployment 重试部署待重试的账户。
func (s *Server) handleRetryDeployment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.retrier == nil {
		http.Error(w, "开户流水线未初始化", http.StatusServiceUnavailable)
		return
	}

	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Address) == "" {
		http.Error(w, "address 不能为空", http.StatusBadRequest)
		return
	}

	outcome, err := s.retrier.RetryDeployment(r.Context(), strings.TrimSpace(req.Address))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// handleCommands 提交自然语言指令或查询指令历史。
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleExecuteCommand(w, r)
	case http.MethodGet:
		s.handleListCommands(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		http.Error(w, "Agent 未初始化", http.StatusServiceUnavailable)
		return
	}

	var req agent.CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	result, err := s.agent.Execute(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		http.Error(w, "Agent 未初始化", http.StatusServiceUnavailable)
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	results, err := s.agent.ListHistory(r.Context(), userID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// errorBody 是统一的错误响应结构。
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError 将统一错误码映射为 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound, account.CodeAccountNotFound:
		status = http.StatusNotFound
	case xerrors.CodeConflict, account.CodeAccountConflict,
		account.CodeAccountState, provision.CodeProvisionBusy:
		status = http.StatusConflict
	case treasury.CodeQuotaExceeded:
		status = http.StatusTooManyRequests
	case xerrors.CodeTimeout, provision.CodeProvisionTimeout:
		status = http.StatusGatewayTimeout
	}

	var body errorBody
	body.Error.Code = string(code)
	body.Error.Message = err.Error()
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusWriter 包装 http.ResponseWriter 以捕获响应状态码。
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
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
