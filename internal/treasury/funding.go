package treasury

import (
	"context"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"ChainPilot/internal/chain"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/pkg/logger"
)

// 国库注资错误码。
const (
	CodeInsufficientBalance xerrors.Code = "INSUFFICIENT_TREASURY_BALANCE"
	CodeNotConfigured       xerrors.Code = "TREASURY_NOT_CONFIGURED"
	CodeTransferFailed      xerrors.Code = "TREASURY_TRANSFER_FAILED"
)

func init() {
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:   "treasury balance below funding amount",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeNotConfigured, xerrors.Attributes{
		Message:  "treasury is not configured",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTransferFailed, xerrors.Attributes{
		Message:   "treasury transfer failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

var (
	// ErrInsufficientBalance 表示国库余额不足以覆盖单笔注资金额。
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "国库余额不足")
	// ErrNotConfigured 表示国库地址或注资金额缺失，服务拒绝注资而不是崩溃。
	ErrNotConfigured = xerrors.New(CodeNotConfigured, "国库未配置")
)

// FundingResult 描述一次注资尝试的结果。注资被拒绝（配额、余额、未配置）
// 与注资出错都通过 Err 表达，调用方依据错误码决定账户的落档状态。
type FundingResult struct {
	Success bool
	TxRef   string
	Err     error
}

// Availability 描述当前注资通道的可用性，用于注册前的快速预检。
type Availability struct {
	Configured      bool
	WithinQuota     bool
	TreasuryFunded  bool
	TreasuryBalance *big.Int
}

// Service 负责从国库账户向新建托管账户转入固定金额的启动资金。
// 所有链上调用都发生在配额锁之外。
type Service struct {
	client   chain.Client
	quota    *DailyQuota
	treasury common.Address
	amount   *big.Int
	log      *slog.Logger
}

// NewService 创建国库注资服务。treasury 为零地址或 amount 非正时服务
// 处于未配置状态，此时 Fund 统一返回 ErrNotConfigured。
func NewService(client chain.Client, quota *DailyQuota, treasury common.Address, amount *big.Int) *Service {
	s := &Service{
		client:   client,
		quota:    quota,
		treasury: treasury,
		log:      logger.Named("treasury"),
	}
	if amount != nil && amount.Sign() > 0 {
		s.amount = new(big.Int).Set(amount)
	}
	return s
}

// Amount 返回单笔注资金额的副本。
func (s *Service) Amount() *big.Int {
	if s.amount == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(s.amount)
}

func (s *Service) configured() bool {
	return s.treasury != (common.Address{}) && s.amount != nil && s.amount.Sign() > 0
}

// CheckAvailability 汇总配额与国库余额的现状。链上余额查询失败时返回错误，
// 由调用方决定是否降级放行。
func (s *Service) CheckAvailability(ctx context.Context) (Availability, error) {
	avail := Availability{Configured: s.configured()}
	if !avail.Configured {
		return avail, nil
	}

	avail.WithinQuota = s.quota.Within(s.amount)

	balance, err := s.client.GetBalance(ctx, s.treasury)
	if err != nil {
		return avail, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询国库余额失败")
	}
	avail.TreasuryBalance = balance
	avail.TreasuryFunded = balance.Cmp(s.amount) >= 0
	return avail, nil
}

// Fund 向指定地址注入一笔固定金额。流程为：余额预检、配额预留、链上转账；
// 转账失败时回滚已预留的配额。配额锁从不跨越任何一次链上调用。
func (s *Service) Fund(ctx context.Context, to common.Address) FundingResult {
	if !s.configured() {
		return FundingResult{Err: ErrNotConfigured}
	}

	balance, err := s.client.GetBalance(ctx, s.treasury)
	if err != nil {
		return FundingResult{Err: xerrors.Wrap(xerrors.CodeChainFailure, err, "查询国库余额失败")}
	}
	if balance.Cmp(s.amount) < 0 {
		s.log.Warn("国库余额不足，拒绝注资",
			"treasury", s.treasury.Hex(),
			"balance", balance.String(),
			"amount", s.amount.String(),
		)
		return FundingResult{Err: ErrInsufficientBalance}
	}

	if err := s.quota.Reserve(s.amount); err != nil {
		count, used, resetDate := s.quota.Usage()
		s.log.Warn("每日注资配额已用尽",
			"count", count,
			"used", used.String(),
			"reset_date", resetDate,
		)
		return FundingResult{Err: err}
	}

	txRef, err := s.client.Transfer(ctx, s.treasury, to, s.amount)
	if err != nil {
		s.quota.Release(s.amount)
		return FundingResult{Err: xerrors.Wrap(CodeTransferFailed, err, "国库转账失败")}
	}

	logger.Audit().Info("注资转账已提交",
		"to", to.Hex(),
		"amount", s.amount.String(),
		"tx_ref", txRef,
	)
	return FundingResult{Success: true, TxRef: txRef}
}

// ParseAmount 解析配置中的十进制最小单位金额字符串。
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return new(big.Int), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || value.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "非法的金额: "+raw)
	}
	return value, nil
}
