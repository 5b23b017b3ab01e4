package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "ChainPilot/internal/errors"
)

// Venue 抽象了执行兑换、借贷与金库操作的 DeFi 聚合服务。
type Venue interface {
	Swap(ctx context.Context, account, fromToken, toToken, amount string) (string, error)
	Lend(ctx context.Context, account, asset, amount string) (string, error)
	VaultDeposit(ctx context.Context, account, vault, amount string) (string, error)
}

const defaultVenueTimeout = 30 * time.Second

// HTTPVenue 通过 HTTP 调用聚合服务完成链上操作，返回交易引用。
type HTTPVenue struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// VenueConfig 描述聚合服务的接入信息。
type VenueConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewHTTPVenue 创建聚合服务客户端。
func NewHTTPVenue(cfg VenueConfig) (*HTTPVenue, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置聚合服务地址")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultVenueTimeout
	}

	return &HTTPVenue{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Swap 提交一笔代币兑换。
func (v *HTTPVenue) Swap(ctx context.Context, account, fromToken, toToken, amount string) (string, error) {
	return v.post(ctx, "/v1/swap", map[string]string{
		"account": account,
		"from":    fromToken,
		"to":      toToken,
		"amount":  amount,
	})
}

// Lend 将资产存入借贷市场。
func (v *HTTPVenue) Lend(ctx context.Context, account, asset, amount string) (string, error) {
	return v.post(ctx, "/v1/lend", map[string]string{
		"account": account,
		"asset":   asset,
		"amount":  amount,
	})
}

// VaultDeposit 将资产存入收益金库。
func (v *HTTPVenue) VaultDeposit(ctx context.Context, account, vault, amount string) (string, error) {
	return v.post(ctx, "/v1/vaults/deposit", map[string]string{
		"account": account,
		"vault":   vault,
		"amount":  amount,
	})
}

func (v *HTTPVenue) post(ctx context.Context, path string, payload map[string]string) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", xerrors.Wrap(CodeToolFailure, err, "序列化聚合服务请求失败")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return "", xerrors.Wrap(CodeToolFailure, err, "构建聚合服务请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	if v.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+v.apiKey)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return "", xerrors.Wrap(CodeToolFailure, err, "请求聚合服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", xerrors.New(CodeToolFailure,
			fmt.Sprintf("聚合服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		TxRef string `json:"tx_ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", xerrors.Wrap(CodeToolFailure, err, "解析聚合服务响应失败")
	}
	if strings.TrimSpace(decoded.TxRef) == "" {
		return "", xerrors.New(CodeToolFailure, "聚合服务未返回交易引用")
	}
	return decoded.TxRef, nil
}

var _ Venue = (*HTTPVenue)(nil)

// SwapTool 将一种代币兑换为另一种。
type SwapTool struct {
	venue Venue
}

// NewSwapTool 构造兑换工具。
func NewSwapTool(venue Venue) *SwapTool { return &SwapTool{venue: venue} }

func (t *SwapTool) Name() string { return "swap" }

func (t *SwapTool) Description() string {
	return "将账户中的一种代币兑换为另一种，参数: from, to, amount"
}

// Invoke 实现 Tool 接口。
func (t *SwapTool) Invoke(ctx context.Context, call Call) (string, error) {
	from, to, amount := call.Param("from"), call.Param("to"), call.Param("amount")
	if err := requireParams(call.Account, map[string]string{"from": from, "to": to, "amount": amount}); err != nil {
		return "", err
	}
	txRef, err := t.venue.Swap(ctx, call.Account, from, to, amount)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("已提交兑换: %s %s -> %s，交易引用 %s", amount, from, to, txRef), nil
}

// LendTool 将资产存入借贷市场赚取利息。
type LendTool struct {
	venue Venue
}

// NewLendTool 构造借贷工具。
func NewLendTool(venue Venue) *LendTool { return &LendTool{venue: venue} }

func (t *LendTool) Name() string { return "lend" }

func (t *LendTool) Description() string {
	return "将账户资产存入借贷市场，参数: asset, amount"
}

// Invoke 实现 Tool 接口。
func (t *LendTool) Invoke(ctx context.Context, call Call) (string, error) {
	asset, amount := call.Param("asset"), call.Param("amount")
	if err := requireParams(call.Account, map[string]string{"asset": asset, "amount": amount}); err != nil {
		return "", err
	}
	txRef, err := t.venue.Lend(ctx, call.Account, asset, amount)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("已提交借贷存入: %s %s，交易引用 %s", amount, asset, txRef), nil
}

// VaultTool 将资产存入收益金库。
type VaultTool struct {
	venue Venue
}

// NewVaultTool 构造金库工具。
func NewVaultTool(venue Venue) *VaultTool { return &VaultTool{venue: venue} }

func (t *VaultTool) Name() string { return "vault_deposit" }

func (t *VaultTool) Description() string {
	return "将账户资产存入收益金库，参数: vault, amount"
}

// Invoke 实现 Tool 接口。
func (t *VaultTool) Invoke(ctx context.Context, call Call) (string, error) {
	vault, amount := call.Param("vault"), call.Param("amount")
	if err := requireParams(call.Account, map[string]string{"vault": vault, "amount": amount}); err != nil {
		return "", err
	}
	txRef, err := t.venue.VaultDeposit(ctx, call.Account, vault, amount)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("已提交金库存入: %s 到 %s，交易引用 %s", amount, vault, txRef), nil
}

func requireParams(account string, params map[string]string) error {
	if strings.TrimSpace(account) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "缺少调用账户")
	}
	for name, value := range params {
		if strings.TrimSpace(value) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "缺少参数: "+name)
		}
	}
	return nil
}

var (
	_ Tool = (*SwapTool)(nil)
	_ Tool = (*LendTool)(nil)
	_ Tool = (*VaultTool)(nil)
)
