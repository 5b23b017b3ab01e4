package tools

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"ChainPilot/internal/chain"
	xerrors "ChainPilot/internal/errors"
)

type stubChain struct {
	balance *big.Int
	err     error
}

func (s *stubChain) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	if s.err != nil {
		return nil, s.err
	}
	return new(big.Int).Set(s.balance), nil
}

func (s *stubChain) IsDeployed(ctx context.Context, address common.Address) (bool, error) {
	return false, nil
}

func (s *stubChain) Deploy(ctx context.Context, req chain.DeployRequest) (string, error) {
	return "", nil
}

func (s *stubChain) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) (string, error) {
	return "", nil
}

func (s *stubChain) WaitForConfirmation(ctx context.Context, txRef string) error { return nil }

func (s *stubChain) Close() {}

type stubVenue struct {
	txRef string
	err   error
	calls []string
}

func (s *stubVenue) Swap(ctx context.Context, account, from, to, amount string) (string, error) {
	s.calls = append(s.calls, "swap:"+account+":"+from+":"+to+":"+amount)
	return s.txRef, s.err
}

func (s *stubVenue) Lend(ctx context.Context, account, asset, amount string) (string, error) {
	s.calls = append(s.calls, "lend:"+account+":"+asset+":"+amount)
	return s.txRef, s.err
}

func (s *stubVenue) VaultDeposit(ctx context.Context, account, vault, amount string) (string, error) {
	s.calls = append(s.calls, "vault:"+account+":"+vault+":"+amount)
	return s.txRef, s.err
}

const testAccount = "0x8ba1f109551bD432803012645Ac136ddd64DBa72"

func TestRegistryDispatch(t *testing.T) {
	venue := &stubVenue{txRef: "0xabc"}
	registry, err := NewRegistry(NewSwapTool(venue), NewLendTool(venue))
	if err != nil {
		t.Fatalf("注册工具失败: %v", err)
	}

	result, err := registry.Dispatch(context.Background(), "swap", Call{
		Account: testAccount,
		Params:  map[string]string{"from": "ETH", "to": "USDC", "amount": "1.5"},
	})
	if err != nil {
		t.Fatalf("调度失败: %v", err)
	}
	if !strings.Contains(result, "0xabc") {
		t.Fatalf("结果应包含交易引用: %s", result)
	}
	if len(venue.calls) != 1 || !strings.HasPrefix(venue.calls[0], "swap:"+testAccount) {
		t.Fatalf("聚合服务调用记录不符: %v", venue.calls)
	}
}

func TestRegistryRejectsUnknownTool(t *testing.T) {
	registry, err := NewRegistry()
	if err != nil {
		t.Fatalf("创建注册表失败: %v", err)
	}
	if _, err := registry.Dispatch(context.Background(), "stake", Call{Account: testAccount}); xerrors.CodeOf(err) != CodeUnknownTool {
		t.Fatalf("未知工具应返回 UNKNOWN_TOOL，实际: %v", err)
	}
}

func TestRegistryRejectsDuplicateName(t *testing.T) {
	venue := &stubVenue{txRef: "0xabc"}
	registry, err := NewRegistry(NewSwapTool(venue))
	if err != nil {
		t.Fatalf("创建注册表失败: %v", err)
	}
	if err := registry.Register(NewSwapTool(venue)); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("重复注册应返回 CONFLICT，实际: %v", err)
	}
}

func TestBalanceToolDefaultsToCaller(t *testing.T) {
	tool := NewBalanceTool(&stubChain{balance: big.NewInt(42)})
	result, err := tool.Invoke(context.Background(), Call{Account: testAccount})
	if err != nil {
		t.Fatalf("查询余额失败: %v", err)
	}
	if !strings.Contains(result, testAccount) || !strings.Contains(result, "42") {
		t.Fatalf("结果应包含地址与余额: %s", result)
	}
}

func TestBalanceToolRejectsMalformedAddress(t *testing.T) {
	tool := NewBalanceTool(&stubChain{balance: big.NewInt(1)})
	if _, err := tool.Invoke(context.Background(), Call{
		Account: testAccount,
		Params:  map[string]string{"address": "not-an-address"},
	}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("非法地址应返回 INVALID_ARGUMENT，实际: %v", err)
	}
}

func TestBalanceToolWrapsChainFailure(t *testing.T) {
	tool := NewBalanceTool(&stubChain{err: errors.New("rpc down")})
	if _, err := tool.Invoke(context.Background(), Call{Account: testAccount}); xerrors.CodeOf(err) != xerrors.CodeChainFailure {
		t.Fatalf("链错误应返回 CHAIN_FAILURE，实际: %v", err)
	}
}

func TestSwapToolRequiresParams(t *testing.T) {
	tool := NewSwapTool(&stubVenue{txRef: "0xabc"})
	if _, err := tool.Invoke(context.Background(), Call{
		Account: testAccount,
		Params:  map[string]string{"from": "ETH", "to": "USDC"},
	}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("缺少 amount 应返回 INVALID_ARGUMENT，实际: %v", err)
	}
}

func TestVaultToolHappyPath(t *testing.T) {
	venue := &stubVenue{txRef: "0xdef"}
	tool := NewVaultTool(venue)
	result, err := tool.Invoke(context.Background(), Call{
		Account: testAccount,
		Params:  map[string]string{"vault": "yvUSDC", "amount": "500"},
	})
	if err != nil {
		t.Fatalf("金库存入失败: %v", err)
	}
	if !strings.Contains(result, "0xdef") {
		t.Fatalf("结果应包含交易引用: %s", result)
	}
}

func TestHTTPVenueSwap(t *testing.T) {
	var captured struct {
		Path          string
		Authorization string
		Body          map[string]string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Path = r.URL.Path
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"tx_ref": "0xfeed"})
	}))
	defer srv.Close()

	venue, err := NewHTTPVenue(VenueConfig{BaseURL: srv.URL, APIKey: "test"})
	if err != nil {
		t.Fatalf("创建聚合服务客户端失败: %v", err)
	}
	venue.httpClient = srv.Client()

	txRef, err := venue.Swap(context.Background(), testAccount, "ETH", "USDC", "1.5")
	if err != nil {
		t.Fatalf("兑换失败: %v", err)
	}
	if txRef != "0xfeed" {
		t.Fatalf("交易引用不符: %s", txRef)
	}
	if captured.Path != "/v1/swap" {
		t.Fatalf("请求路径不符: %s", captured.Path)
	}
	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("缺少认证头: %q", captured.Authorization)
	}
	if captured.Body["from"] != "ETH" || captured.Body["amount"] != "1.5" {
		t.Fatalf("请求体不符: %v", captured.Body)
	}
}

func TestHTTPVenueErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slippage too high", http.StatusBadRequest)
	}))
	defer srv.Close()

	venue, err := NewHTTPVenue(VenueConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("创建聚合服务客户端失败: %v", err)
	}
	venue.httpClient = srv.Client()

	if _, err := venue.Lend(context.Background(), testAccount, "USDC", "100"); xerrors.CodeOf(err) != CodeToolFailure {
		t.Fatalf("错误状态应返回 TOOL_FAILURE，实际: %v", err)
	}
}
