package agent

import (
	"context"
	"strings"
	"testing"

	"ChainPilot/internal/account"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/knowledge"
	"ChainPilot/internal/llm"
	"ChainPilot/internal/tools"
)

type stubLLM struct {
	intent  *llm.Intent
	err     error
	lastReq llm.Request
}

func (s *stubLLM) ParseIntent(ctx context.Context, req llm.Request) (*llm.Intent, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	clone := *s.intent
	return &clone, nil
}

type stubTool struct {
	name   string
	result string
	err    error
	calls  int
	last   tools.Call
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "测试工具" }

func (s *stubTool) Invoke(ctx context.Context, call tools.Call) (string, error) {
	s.calls++
	s.last = call
	return s.result, s.err
}

const (
	testUser    = "user-1"
	testAddress = "0x8ba1f109551bD432803012645Ac136ddd64DBa72"
)

func seedAccount(t *testing.T, store account.Store, deployed bool) {
	t.Helper()
	acct := &account.Account{
		Address:     testAddress,
		UserID:      testUser,
		PublicKey:   "04" + strings.Repeat("ab", 64),
		AddressSalt: strings.Repeat("cd", 32),
	}
	if err := store.Create(context.Background(), acct); err != nil {
		t.Fatalf("创建账户失败: %v", err)
	}
	if !deployed {
		return
	}
	ctx := context.Background()
	if err := store.MarkFunding(ctx, testAddress); err != nil {
		t.Fatalf("标记注资中失败: %v", err)
	}
	if err := store.MarkFunded(ctx, testAddress, "0xfund"); err != nil {
		t.Fatalf("标记已注资失败: %v", err)
	}
	if err := store.MarkDeploying(ctx, testAddress); err != nil {
		t.Fatalf("标记部署中失败: %v", err)
	}
	if err := store.MarkDeployed(ctx, testAddress, "0xdeploy"); err != nil {
		t.Fatalf("标记已部署失败: %v", err)
	}
}

func newRegistry(t *testing.T, toolList ...tools.Tool) *tools.Registry {
	t.Helper()
	registry, err := tools.NewRegistry(toolList...)
	if err != nil {
		t.Fatalf("创建工具注册表失败: %v", err)
	}
	return registry
}

func TestExecuteDispatchesTool(t *testing.T) {
	store := account.NewMemoryStore()
	seedAccount(t, store, true)

	swap := &stubTool{name: "swap", result: "已提交兑换，交易引用 0xabc"}
	llmClient := &stubLLM{intent: &llm.Intent{
		Action: "swap",
		Params: map[string]string{"from": "ETH", "to": "USDC", "amount": "1.5"},
		Reply:  "将为你兑换",
	}}
	repo := NewMemoryCommandRepository()
	ag := New(llmClient, newRegistry(t, swap), store, repo)

	result, err := ag.Execute(context.Background(), CommandRequest{UserID: testUser, Command: "把 1.5 ETH 换成 USDC"})
	if err != nil {
		t.Fatalf("执行指令失败: %v", err)
	}

	if swap.calls != 1 {
		t.Fatalf("工具应被调用一次，实际 %d 次", swap.calls)
	}
	if swap.last.Account != testAddress {
		t.Fatalf("工具应以托管账户地址调用: %s", swap.last.Account)
	}
	if !strings.Contains(result.Reply, "0xabc") {
		t.Fatalf("回复应包含工具结果: %s", result.Reply)
	}
	if llmClient.lastReq.Address != testAddress {
		t.Fatalf("意图解析请求应携带账户地址: %s", llmClient.lastReq.Address)
	}

	records, err := repo.ListLatest(context.Background(), testUser, 10)
	if err != nil {
		t.Fatalf("查询指令记录失败: %v", err)
	}
	if len(records) != 1 || records[0].Action != "swap" {
		t.Fatalf("指令记录不符: %+v", records)
	}
}

func TestExecuteChatSkipsTools(t *testing.T) {
	store := account.NewMemoryStore()
	seedAccount(t, store, true)

	swap := &stubTool{name: "swap", result: "不应被调用"}
	llmClient := &stubLLM{intent: &llm.Intent{Action: "chat", Reply: "你好，有什么可以帮你？"}}
	ag := New(llmClient, newRegistry(t, swap), store, NewMemoryCommandRepository())

	result, err := ag.Execute(context.Background(), CommandRequest{UserID: testUser, Command: "你好"})
	if err != nil {
		t.Fatalf("执行指令失败: %v", err)
	}
	if swap.calls != 0 {
		t.Fatalf("chat 意图不应调用工具")
	}
	if result.Reply == "" {
		t.Fatalf("chat 意图应返回回复")
	}
}

func TestExecuteToolFailureBecomesObservation(t *testing.T) {
	store := account.NewMemoryStore()
	seedAccount(t, store, true)

	swap := &stubTool{name: "swap", err: xerrors.New(tools.CodeToolFailure, "滑点过高")}
	llmClient := &stubLLM{intent: &llm.Intent{
		Action: "swap",
		Params: map[string]string{"from": "ETH", "to": "USDC", "amount": "1.5"},
		Reply:  "将为你兑换",
	}}
	ag := New(llmClient, newRegistry(t, swap), store, NewMemoryCommandRepository())

	result, err := ag.Execute(context.Background(), CommandRequest{UserID: testUser, Command: "兑换"})
	if err != nil {
		t.Fatalf("工具失败不应中断执行: %v", err)
	}
	if !strings.Contains(result.Observations, "滑点过高") {
		t.Fatalf("观察记录应包含失败原因: %s", result.Observations)
	}
}

func TestExecuteSkipsToolWhenNotDeployed(t *testing.T) {
	store := account.NewMemoryStore()
	seedAccount(t, store, false)

	swap := &stubTool{name: "swap", result: "不应被调用"}
	llmClient := &stubLLM{intent: &llm.Intent{
		Action: "swap",
		Params: map[string]string{"from": "ETH", "to": "USDC", "amount": "1"},
		Reply:  "将为你兑换",
	}}
	ag := New(llmClient, newRegistry(t, swap), store, NewMemoryCommandRepository())

	result, err := ag.Execute(context.Background(), CommandRequest{UserID: testUser, Command: "兑换"})
	if err != nil {
		t.Fatalf("执行指令失败: %v", err)
	}
	if swap.calls != 0 {
		t.Fatalf("未部署的账户不应执行链上操作")
	}
	if !strings.Contains(result.Observations, "尚未完成部署") {
		t.Fatalf("观察记录应说明跳过原因: %s", result.Observations)
	}
}

func TestExecuteRejectsUnknownUser(t *testing.T) {
	store := account.NewMemoryStore()
	llmClient := &stubLLM{intent: &llm.Intent{Action: "chat", Reply: "你好"}}
	ag := New(llmClient, nil, store, NewMemoryCommandRepository())

	_, err := ag.Execute(context.Background(), CommandRequest{UserID: "nobody", Command: "你好"})
	if xerrors.CodeOf(err) != account.CodeAccountNotFound {
		t.Fatalf("未开户用户应返回 ACCOUNT_NOT_FOUND，实际: %v", err)
	}
}

func TestExecuteFeedsHistoryAndKnowledge(t *testing.T) {
	store := account.NewMemoryStore()
	seedAccount(t, store, true)

	repo := NewMemoryCommandRepository()
	if err := repo.Create(context.Background(), &CommandRecord{
		UserID:  testUser,
		Address: testAddress,
		Command: "查余额",
		Action:  "balance",
		Reply:   "余额 42",
	}); err != nil {
		t.Fatalf("预置历史记录失败: %v", err)
	}

	provider := knowledge.NewStaticProvider([]knowledge.Snippet{
		{Title: "兑换须知", Content: "兑换前确认滑点设置", Keywords: []string{"兑换"}},
	}, 3)

	llmClient := &stubLLM{intent: &llm.Intent{Action: "chat", Reply: "好的"}}
	ag := New(llmClient, nil, store, repo, WithKnowledgeProvider(provider), WithMemoryDepth(3))

	result, err := ag.Execute(context.Background(), CommandRequest{UserID: testUser, Command: "我想兑换一些代币"})
	if err != nil {
		t.Fatalf("执行指令失败: %v", err)
	}

	if len(llmClient.lastReq.History) != 1 || llmClient.lastReq.History[0].Command != "查余额" {
		t.Fatalf("意图解析请求应携带历史记录: %+v", llmClient.lastReq.History)
	}
	if len(llmClient.lastReq.Knowledge) != 1 || llmClient.lastReq.Knowledge[0].Title != "兑换须知" {
		t.Fatalf("意图解析请求应携带知识卡片: %+v", llmClient.lastReq.Knowledge)
	}
	if !strings.Contains(result.Observations, "知识库提示") {
		t.Fatalf("观察记录应包含知识库提示: %s", result.Observations)
	}
}

func TestListHistoryOrdersNewestFirst(t *testing.T) {
	repo := NewMemoryCommandRepository()
	ctx := context.Background()
	for _, cmd := range []string{"第一条", "第二条", "第三条"} {
		if err := repo.Create(ctx, &CommandRecord{UserID: testUser, Command: cmd}); err != nil {
			t.Fatalf("写入记录失败: %v", err)
		}
	}

	ag := New(&stubLLM{intent: &llm.Intent{Action: "chat"}}, nil, account.NewMemoryStore(), repo)
	results, err := ag.ListHistory(ctx, testUser, 2)
	if err != nil {
		t.Fatalf("查询历史失败: %v", err)
	}
	if len(results) != 2 || results[0].Command != "第三条" {
		t.Fatalf("历史应按时间倒序: %+v", results)
	}
}
