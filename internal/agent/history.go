package agent

import (
	"context"
	"sync"
	"time"

	xerrors "ChainPilot/internal/errors"
)

// CommandRecord 是一条已执行指令的持久化记录。
type CommandRecord struct {
	ID           int64
	TraceID      string
	UserID       string
	Address      string
	Command      string
	Action       string
	Params       string
	Thought      string
	Reply        string
	Observations string
	CreatedAt    int64
	UpdatedAt    int64
}

// CommandRepository 抽象了指令历史的存取接口。
type CommandRepository interface {
	Create(ctx context.Context, record *CommandRecord) error
	ListLatest(ctx context.Context, userID string, limit int) ([]*CommandRecord, error)
	Close() error
}

// MemoryCommandRepository 将指令历史保存在内存中，用于测试与本地运行。
type MemoryCommandRepository struct {
	mu      sync.RWMutex
	records []*CommandRecord
	nextID  int64
}

// NewMemoryCommandRepository 创建内存指令仓库。
func NewMemoryCommandRepository() *MemoryCommandRepository {
	return &MemoryCommandRepository{nextID: 1}
}

// Create 追加一条指令记录。
func (r *MemoryCommandRepository) Create(ctx context.Context, record *CommandRecord) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().Unix()
	clone := *record
	clone.ID = r.nextID
	if clone.CreatedAt == 0 {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	r.nextID++
	r.records = append(r.records, &clone)
	record.ID = clone.ID
	return nil
}

// ListLatest 返回指定用户最近的指令记录，按时间倒序。
func (r *MemoryCommandRepository) ListLatest(ctx context.Context, userID string, limit int) ([]*CommandRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]*CommandRecord, 0, limit)
	for i := len(r.records) - 1; i >= 0 && len(results) < limit; i-- {
		if r.records[i].UserID != userID {
			continue
		}
		clone := *r.records[i]
		results = append(results, &clone)
	}
	return results, nil
}

// Close 实现 CommandRepository 接口。
func (r *MemoryCommandRepository) Close() error { return nil }

var _ CommandRepository = (*MemoryCommandRepository)(nil)
