package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestService(t *testing.T, seeds ...Seed) *Service {
	t.Helper()
	store := NewMemoryStore()
	svc, err := NewService(context.Background(), Config{
		Mode:   ModeJWT,
		Secret: "test-secret",
		Issuer: "chainpilot",
		Seeds:  seeds,
	}, store)
	if err != nil {
		t.Fatalf("创建认证服务失败: %v", err)
	}
	return svc
}

func TestAuthenticateIssuesTokenPair(t *testing.T) {
	svc := newTestService(t, Seed{Username: "alice", Password: "secret", Roles: []string{"trader"}})

	pair, err := svc.Authenticate(context.Background(), TokenRequest{Username: "alice", Password: "secret"})
	if err != nil {
		t.Fatalf("认证失败: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("应同时签发访问令牌与刷新令牌: %+v", pair)
	}
	if pair.TokenType != "Bearer" {
		t.Fatalf("令牌类型不符: %s", pair.TokenType)
	}

	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer "+pair.AccessToken)
	if err != nil {
		t.Fatalf("令牌校验失败: %v", err)
	}
	if subject.Username != "alice" || !subject.HasRole("trader") {
		t.Fatalf("主体信息不符: %+v", subject)
	}
}

func TestAuthenticateRejectsWrongPassword(t *testing.T) {
	svc := newTestService(t, Seed{Username: "alice", Password: "secret"})

	if _, err := svc.Authenticate(context.Background(), TokenRequest{Username: "alice", Password: "wrong"}); err != ErrInvalidCredentials {
		t.Fatalf("错误密码应返回 ErrInvalidCredentials，实际: %v", err)
	}
}

func TestRefreshTokenNotAcceptedForAccess(t *testing.T) {
	svc := newTestService(t, Seed{Username: "alice", Password: "secret"})

	pair, err := svc.Authenticate(context.Background(), TokenRequest{Username: "alice", Password: "secret"})
	if err != nil {
		t.Fatalf("认证失败: %v", err)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), "Bearer "+pair.RefreshToken); err != ErrInvalidToken {
		t.Fatalf("刷新令牌不应通过访问校验，实际: %v", err)
	}
}

func TestAuthenticateRequestRejectsTamperedToken(t *testing.T) {
	svc := newTestService(t, Seed{Username: "alice", Password: "secret"})

	pair, err := svc.Authenticate(context.Background(), TokenRequest{Username: "alice", Password: "secret"})
	if err != nil {
		t.Fatalf("认证失败: %v", err)
	}
	tampered := pair.AccessToken[:len(pair.AccessToken)-2] + "xx"
	if _, err := svc.AuthenticateRequest(context.Background(), "Bearer "+tampered); err != ErrInvalidToken {
		t.Fatalf("篡改令牌应返回 ErrInvalidToken，实际: %v", err)
	}
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	svc := newTestService(t, Seed{Username: "alice", Password: "secret"})

	handler := svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/accounts", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("缺少令牌应返回 401，实际: %d", rec.Code)
	}
}

func TestMiddlewareEnforcesRoles(t *testing.T) {
	svc := newTestService(t,
		Seed{Username: "alice", Password: "secret", Roles: []string{"trader"}},
		Seed{Username: "ops", Password: "secret", Roles: []string{"admin"}},
	)

	handler := svc.Middleware(MiddlewareConfig{
		RequiredRoles: map[string][]string{"*": {"admin"}},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, ok := SubjectFromContext(r.Context())
		if !ok {
			t.Fatalf("上下文应携带认证主体")
		}
		if subject.Username != "ops" {
			t.Fatalf("主体不符: %s", subject.Username)
		}
		w.WriteHeader(http.StatusOK)
	}))

	alicePair, err := svc.Authenticate(context.Background(), TokenRequest{Username: "alice", Password: "secret"})
	if err != nil {
		t.Fatalf("认证失败: %v", err)
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", nil)
	req.Header.Set("Authorization", "Bearer "+alicePair.AccessToken)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("缺少角色应返回 403，实际: %d", rec.Code)
	}

	opsPair, err := svc.Authenticate(context.Background(), TokenRequest{Username: "ops", Password: "secret"})
	if err != nil {
		t.Fatalf("认证失败: %v", err)
	}
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/commands", nil)
	req.Header.Set("Authorization", "Bearer "+opsPair.AccessToken)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin 角色应放行，实际: %d", rec.Code)
	}
}

func TestDisabledModePassesThrough(t *testing.T) {
	svc, err := NewService(context.Background(), Config{Mode: ModeDisabled}, nil)
	if err != nil {
		t.Fatalf("创建认证服务失败: %v", err)
	}

	handler := svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("disabled 模式应直接放行，实际: %d", rec.Code)
	}
}

func TestHashPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("secret")
	if err != nil {
		t.Fatalf("哈希失败: %v", err)
	}
	if !verifyPassword(hash, "secret") {
		t.Fatalf("正确密码应通过校验")
	}
	if verifyPassword(hash, "other") {
		t.Fatalf("错误密码不应通过校验")
	}
	if _, err := HashPassword(""); err == nil {
		t.Fatalf("空密码应被拒绝")
	}
}
