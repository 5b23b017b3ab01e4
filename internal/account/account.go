package account

import (
	xerrors "ChainPilot/internal/errors"
)

// Status 表示托管账户在开户流水线中的生命周期状态。
type Status string

const (
	StatusCreated           Status = "created"
	StatusFunding           Status = "funding"
	StatusFunded            Status = "funded"
	StatusFundingFailed     Status = "funding_failed"
	StatusDeploying         Status = "deploying"
	StatusDeployed          Status = "deployed"
	StatusDeploymentPending Status = "deployment_pending"
)

// Account 描述一个托管账户。地址由派生输入唯一确定，创建后不可变更。
// 派生输入随账户一同持久化，便于事后重放校验地址。
type Account struct {
	Address         string `json:"address"`
	UserID          string `json:"user_id"`
	PublicKey       string `json:"public_key"`
	AddressSalt     string `json:"address_salt"`
	ConstructorArgs string `json:"constructor_args"`

	// 私钥密文三元组，明文私钥永不落盘。
	EncCiphertext string `json:"-"`
	EncNonce      string `json:"-"`
	EncTag        string `json:"-"`

	Status Status `json:"status"`

	IsFunded     bool   `json:"is_funded"`
	FundingTxRef string `json:"funding_tx_ref,omitempty"`
	FundedAt     int64  `json:"funded_at,omitempty"`

	IsDeployed      bool   `json:"is_deployed"`
	DeploymentTxRef string `json:"deployment_tx_ref,omitempty"`

	IsDeploymentPending   bool  `json:"is_deployment_pending"`
	DeploymentRequestedAt int64 `json:"deployment_requested_at,omitempty"`

	LastError string `json:"last_error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

var (
	// ErrAccountNotFound 表示指定的账户不存在。
	ErrAccountNotFound = xerrors.New(CodeAccountNotFound, "account not found")
	// ErrAccountConflict 表示账户记录已存在。
	ErrAccountConflict = xerrors.New(CodeAccountConflict, "account already exists", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrStateConflict 表示请求的状态迁移违反了账户生命周期约束。
	ErrStateConflict = xerrors.New(CodeAccountState, "account state conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeAccountNotFound xerrors.Code = "ACCOUNT_NOT_FOUND"
	CodeAccountConflict xerrors.Code = "ACCOUNT_CONFLICT"
	CodeAccountState    xerrors.Code = "ACCOUNT_STATE_CONFLICT"
)

func init() {
	xerrors.Register(CodeAccountNotFound, xerrors.Attributes{
		Message:   "account not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAccountConflict, xerrors.Attributes{
		Message:   "account already exists",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAccountState, xerrors.Attributes{
		Message:   "account state conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// IsValidStatus 检查给定的账户状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusCreated, StatusFunding, StatusFunded, StatusFundingFailed,
		StatusDeploying, StatusDeployed, StatusDeploymentPending:
		return true
	default:
		return false
	}
}
