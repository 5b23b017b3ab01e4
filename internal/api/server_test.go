package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"ChainPilot/internal/account"
	"ChainPilot/internal/agent"
	"ChainPilot/internal/auth"
	"ChainPilot/internal/chain"
	"ChainPilot/internal/llm"
	"ChainPilot/internal/provision"
	"ChainPilot/internal/treasury"
	"ChainPilot/internal/wallet"
)

type fakeChain struct{}

func (f *fakeChain) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeChain) IsDeployed(ctx context.Context, address common.Address) (bool, error) {
	return false, nil
}

func (f *fakeChain) Deploy(ctx context.Context, req chain.DeployRequest) (string, error) {
	return "0xdeploy", nil
}

func (f *fakeChain) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) (string, error) {
	return "0xfund", nil
}

func (f *fakeChain) WaitForConfirmation(ctx context.Context, txRef string) error { return nil }

func (f *fakeChain) Close() {}

type fakeFunder struct{}

func (f *fakeFunder) Fund(ctx context.Context, to common.Address) treasury.FundingResult {
	return treasury.FundingResult{Success: true, TxRef: "0xfund"}
}

type stubRetrier struct {
	outcome *provision.Outcome
	err     error
}

func (s *stubRetrier) RetryDeployment(ctx context.Context, address string) (*provision.Outcome, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.outcome, nil
}

type stubLLM struct {
	intent *llm.Intent
}

func (s *stubLLM) ParseIntent(ctx context.Context, req llm.Request) (*llm.Intent, error) {
	clone := *s.intent
	return &clone, nil
}

func newTestCustody(t *testing.T) *wallet.Custody {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, 32)
	custody, err := wallet.NewCustody(key)
	if err != nil {
		t.Fatalf("创建密钥托管失败: %v", err)
	}
	return custody
}

func newTestServer(t *testing.T, store account.Store) *Server {
	t.Helper()
	orch := provision.NewOrchestrator(store, &fakeChain{}, &fakeFunder{}, provision.WithSettleDelay(0))
	registrar := provision.NewRegistrar(store, newTestCustody(t), orch, 0)
	ag := agent.New(&stubLLM{intent: &llm.Intent{Action: "chat", Reply: "你好"}}, nil, store, agent.NewMemoryCommandRepository())
	return NewServer(":0", registrar, orch, store, ag, nil)
}

func doRequest(t *testing.T, handler http.HandlerFunc, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("序列化请求体失败: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(method, target, reader))
	return rec
}

func TestRegisterEndToEnd(t *testing.T) {
	store := account.NewMemoryStore()
	srv := newTestServer(t, store)

	rec := doRequest(t, srv.handleRegister, http.MethodPost, "/api/v1/register",
		map[string]string{"user_id": "user-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("注册应返回 201，实际: %d %s", rec.Code, rec.Body.String())
	}

	var result provision.RegistrationResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if result.Account == nil || result.Account.Address == "" {
		t.Fatalf("响应应包含账户记录: %s", rec.Body.String())
	}
	if !result.Outcome.Funded || !result.Outcome.Deployed {
		t.Fatalf("假链上注册应注资并部署成功: %+v", result.Outcome)
	}

	// 同一用户重复注册返回冲突。
	rec = doRequest(t, srv.handleRegister, http.MethodPost, "/api/v1/register",
		map[string]string{"user_id": "user-1"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("重复注册应返回 409，实际: %d", rec.Code)
	}
}

func TestRegisterRequiresUserID(t *testing.T) {
	srv := newTestServer(t, account.NewMemoryStore())
	rec := doRequest(t, srv.handleRegister, http.MethodPost, "/api/v1/register", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("缺少 user_id 应返回 400，实际: %d", rec.Code)
	}
}

func TestAccountsLookup(t *testing.T) {
	store := account.NewMemoryStore()
	srv := newTestServer(t, store)

	rec := doRequest(t, srv.handleRegister, http.MethodPost, "/api/v1/register",
		map[string]string{"user_id": "user-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("注册失败: %d", rec.Code)
	}
	var result provision.RegistrationResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}

	rec = doRequest(t, srv.handleAccounts, http.MethodGet,
		"/api/v1/accounts?address="+result.Account.Address, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("按地址查询应返回 200，实际: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"deployed"`) {
		t.Fatalf("账户状态应为 deployed: %s", rec.Body.String())
	}

	rec = doRequest(t, srv.handleAccounts, http.MethodGet, "/api/v1/accounts?user_id=user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("按用户查询应返回 200，实际: %d", rec.Code)
	}

	rec = doRequest(t, srv.handleAccounts, http.MethodGet, "/api/v1/accounts?address=0xdead", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("未知地址应返回 404，实际: %d", rec.Code)
	}

	rec = doRequest(t, srv.handleAccounts, http.MethodGet, "/api/v1/accounts", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("缺少查询参数应返回 400，实际: %d", rec.Code)
	}
}

func TestAccountsResponseOmitsKeyMaterial(t *testing.T) {
	store := account.NewMemoryStore()
	srv := newTestServer(t, store)

	rec := doRequest(t, srv.handleRegister, http.MethodPost, "/api/v1/register",
		map[string]string{"user_id": "user-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("注册失败: %d", rec.Code)
	}
	body := rec.Body.String()
	for _, field := range []string{"enc_ciphertext", "enc_nonce", "enc_tag", "EncCiphertext"} {
		if strings.Contains(body, field) {
			t.Fatalf("响应不应泄露密文字段 %s: %s", field, body)
		}
	}
}

func TestRetryDeploymentMapsStateConflict(t *testing.T) {
	store := account.NewMemoryStore()
	srv := newTestServer(t, store)
	srv.retrier = &stubRetrier{err: account.ErrStateConflict}

	rec := doRequest(t, srv.handleRetryDeployment, http.MethodPost,
		"/api/v1/accounts/retry-deployment", map[string]string{"address": "0xabc"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("状态冲突应返回 409，实际: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ACCOUNT_STATE_CONFLICT") {
		t.Fatalf("错误响应应包含错误码: %s", rec.Body.String())
	}
}

func TestRetryDeploymentReturnsOutcome(t *testing.T) {
	store := account.NewMemoryStore()
	srv := newTestServer(t, store)
	srv.retrier = &stubRetrier{outcome: &provision.Outcome{Address: "0xabc", Funded: true, Deployed: true}}

	rec := doRequest(t, srv.handleRetryDeployment, http.MethodPost,
		"/api/v1/accounts/retry-deployment", map[string]string{"address": "0xabc"})
	if rec.Code != http.StatusOK {
		t.Fatalf("重试应返回 200，实际: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"deployed":true`) {
		t.Fatalf("响应应包含部署结果: %s", rec.Body.String())
	}
}

func TestCommandsRequireRegisteredUser(t *testing.T) {
	srv := newTestServer(t, account.NewMemoryStore())

	rec := doRequest(t, srv.handleCommands, http.MethodPost, "/api/v1/commands",
		map[string]string{"user_id": "nobody", "command": "查余额"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("未开户用户应返回 404，实际: %d", rec.Code)
	}
}

func TestCommandsExecuteAndList(t *testing.T) {
	store := account.NewMemoryStore()
	srv := newTestServer(t, store)

	rec := doRequest(t, srv.handleRegister, http.MethodPost, "/api/v1/register",
		map[string]string{"user_id": "user-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("注册失败: %d", rec.Code)
	}

	rec = doRequest(t, srv.handleCommands, http.MethodPost, "/api/v1/commands",
		map[string]string{"user_id": "user-1", "command": "你好"})
	if rec.Code != http.StatusOK {
		t.Fatalf("指令执行应返回 200，实际: %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, srv.handleCommands, http.MethodGet, "/api/v1/commands?user_id=user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("历史查询应返回 200，实际: %d", rec.Code)
	}
	var results []agent.CommandResult
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("解析历史失败: %v", err)
	}
	if len(results) != 1 || results[0].Command != "你好" {
		t.Fatalf("历史记录不符: %+v", results)
	}
}

func TestTokenEndpoint(t *testing.T) {
	store := account.NewMemoryStore()
	srv := newTestServer(t, store)

	authSvc, err := auth.NewService(context.Background(), auth.Config{
		Mode:   auth.ModeJWT,
		Secret: "test-secret",
		Seeds:  []auth.Seed{{Username: "alice", Password: "secret"}},
	}, auth.NewMemoryStore())
	if err != nil {
		t.Fatalf("创建认证服务失败: %v", err)
	}
	srv.auth = authSvc

	rec := doRequest(t, srv.handleToken, http.MethodPost, "/api/v1/auth/token",
		map[string]string{"username": "alice", "password": "secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("签发令牌应返回 200，实际: %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "access_token") {
		t.Fatalf("响应应包含访问令牌: %s", rec.Body.String())
	}

	rec = doRequest(t, srv.handleToken, http.MethodPost, "/api/v1/auth/token",
		map[string]string{"username": "alice", "password": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("错误密码应返回 401，实际: %d", rec.Code)
	}
}
