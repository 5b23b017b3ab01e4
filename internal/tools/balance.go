package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"ChainPilot/internal/chain"
	xerrors "ChainPilot/internal/errors"
)

// BalanceTool 查询账户的原生资产余额。
type BalanceTool struct {
	client chain.Client
}

// NewBalanceTool 构造余额查询工具。
func NewBalanceTool(client chain.Client) *BalanceTool {
	return &BalanceTool{client: client}
}

func (t *BalanceTool) Name() string { return "balance" }

func (t *BalanceTool) Description() string {
	return "查询指定地址（默认为调用者的托管账户）的原生资产余额"
}

// Invoke 实现 Tool 接口。
func (t *BalanceTool) Invoke(ctx context.Context, call Call) (string, error) {
	address := strings.TrimSpace(call.Param("address"))
	if address == "" {
		address = strings.TrimSpace(call.Account)
	}
	if address == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "缺少查询地址")
	}
	if !common.IsHexAddress(address) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "非法的地址: "+address)
	}

	balance, err := t.client.GetBalance(ctx, common.HexToAddress(address))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainFailure, err, "查询余额失败")
	}
	return fmt.Sprintf("地址 %s 当前余额 %s（最小单位）", address, balance.String()), nil
}

var _ Tool = (*BalanceTool)(nil)
