package account

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "ChainPilot/internal/errors"
)

// MemoryStore 以内存方式保存账户状态，主要用于测试。
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*Account)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, acct *Account) error {
	if acct == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "account 不能为空")
	}
	if strings.TrimSpace(acct.Address) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "账户地址不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acct.Address]; ok {
		return ErrAccountConflict
	}
	now := time.Now().Unix()
	if acct.CreatedAt == 0 {
		acct.CreatedAt = now
	}
	acct.UpdatedAt = now
	if acct.Status == "" {
		acct.Status = StatusCreated
	}
	clone := *acct
	m.accounts[acct.Address] = &clone
	return nil
}

// Get 返回账户。
func (m *MemoryStore) Get(_ context.Context, address string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[address]
	if !ok {
		return nil, ErrAccountNotFound
	}
	clone := *acct
	return &clone, nil
}

// GetByUser 返回指定用户的账户。
func (m *MemoryStore) GetByUser(_ context.Context, userID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, acct := range m.accounts {
		if acct.UserID == userID {
			clone := *acct
			return &clone, nil
		}
	}
	return nil, ErrAccountNotFound
}

// MarkFunding 将账户标记为注资进行中。
func (m *MemoryStore) MarkFunding(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[address]
	if !ok {
		return ErrAccountNotFound
	}
	if acct.IsFunded {
		return ErrStateConflict
	}
	acct.Status = StatusFunding
	acct.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFunded 记录注资成功。
func (m *MemoryStore) MarkFunded(_ context.Context, address, fundingTxRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[address]
	if !ok {
		return ErrAccountNotFound
	}
	if acct.IsFunded {
		return ErrStateConflict
	}
	now := time.Now().Unix()
	acct.IsFunded = true
	acct.FundingTxRef = fundingTxRef
	acct.FundedAt = now
	acct.Status = StatusFunded
	acct.LastError = ""
	acct.ErrorCode = ""
	acct.UpdatedAt = now
	return nil
}

// MarkFundingFailed 记录注资失败。
func (m *MemoryStore) MarkFundingFailed(_ context.Context, address, errorCode, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[address]
	if !ok {
		return ErrAccountNotFound
	}
	if acct.IsFunded {
		return ErrStateConflict
	}
	acct.Status = StatusFundingFailed
	acct.ErrorCode = errorCode
	acct.LastError = lastError
	acct.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkDeploying 将账户标记为部署进行中。
func (m *MemoryStore) MarkDeploying(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[address]
	if !ok {
		return ErrAccountNotFound
	}
	if !acct.IsFunded || acct.IsDeployed {
		return ErrStateConflict
	}
	acct.Status = StatusDeploying
	acct.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkDeployed 记录部署成功。未注资的账户不可能进入已部署状态。
func (m *MemoryStore) MarkDeployed(_ context.Context, address, deploymentTxRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[address]
	if !ok {
		return ErrAccountNotFound
	}
	if !acct.IsFunded {
		return ErrStateConflict
	}
	acct.IsDeployed = true
	acct.DeploymentTxRef = deploymentTxRef
	acct.IsDeploymentPending = false
	acct.Status = StatusDeployed
	acct.LastError = ""
	acct.ErrorCode = ""
	acct.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkDeploymentPending 记录部署待重试状态。
func (m *MemoryStore) MarkDeploymentPending(_ context.Context, address, errorCode, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[address]
	if !ok {
		return ErrAccountNotFound
	}
	if !acct.IsFunded || acct.IsDeployed {
		return ErrStateConflict
	}
	now := time.Now().Unix()
	acct.IsDeploymentPending = true
	acct.DeploymentRequestedAt = now
	acct.Status = StatusDeploymentPending
	acct.ErrorCode = errorCode
	acct.LastError = lastError
	acct.UpdatedAt = now
	return nil
}

// ListDeploymentPending 返回等待部署重试的账户，按请求时间升序。
func (m *MemoryStore) ListDeploymentPending(_ context.Context, limit int) ([]*Account, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Account, 0)
	for _, acct := range m.accounts {
		if acct.IsDeploymentPending && !acct.IsDeployed {
			clone := *acct
			results = append(results, &clone)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].DeploymentRequestedAt == results[j].DeploymentRequestedAt {
			return results[i].Address < results[j].Address
		}
		return results[i].DeploymentRequestedAt < results[j].DeploymentRequestedAt
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
