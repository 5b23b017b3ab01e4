package account

import "context"

// Store 抽象了托管账户状态的持久化接口。
// 状态迁移是单调的：账户不会被取消注资或取消部署；
// 违反生命周期约束的更新返回 ErrStateConflict。
type Store interface {
	Create(ctx context.Context, acct *Account) error
	Get(ctx context.Context, address string) (*Account, error)
	GetByUser(ctx context.Context, userID string) (*Account, error)
	// MarkFunding 在注资开始前记录中间状态。
	MarkFunding(ctx context.Context, address string) error
	// MarkFunded 记录注资成功；fundingTxRef 当且仅当账户已注资时非空。
	MarkFunded(ctx context.Context, address, fundingTxRef string) error
	// MarkFundingFailed 记录注资失败，账户保持可用但未注资。
	MarkFundingFailed(ctx context.Context, address, errorCode, lastError string) error
	// MarkDeploying 在部署提交前记录中间状态；未注资的账户返回 ErrStateConflict。
	MarkDeploying(ctx context.Context, address string) error
	// MarkDeployed 记录部署成功；未注资的账户返回 ErrStateConflict。
	MarkDeployed(ctx context.Context, address, deploymentTxRef string) error
	// MarkDeploymentPending 记录注资成功但部署未完成，等待后台重试。
	MarkDeploymentPending(ctx context.Context, address, errorCode, lastError string) error
	// ListDeploymentPending 返回等待部署重试的账户。
	ListDeploymentPending(ctx context.Context, limit int) ([]*Account, error)
	Close() error
}
