package auth

import (
	"context"
	"strings"
	"sync"
)

// Store 抽象了用户记录的读取接口。
type Store interface {
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	LoadSubject(ctx context.Context, userID int64) (*Subject, error)
}

// SeedWriter 允许在启动时写入预置用户。
type SeedWriter interface {
	ApplySeed(ctx context.Context, seed Seed) error
}

// MemoryStore 将用户保存在内存中，用于测试与本地运行。
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]*User
	nextID int64
}

// NewMemoryStore 创建内存用户存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*User), nextID: 1}
}

// CreateUser 写入一条用户记录，用户名重复时覆盖。
func (s *MemoryStore) CreateUser(ctx context.Context, user *User) error {
	if user == nil || strings.TrimSpace(user.Username) == "" {
		return ErrInvalidCredentials
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(strings.TrimSpace(user.Username))
	if existing, ok := s.users[key]; ok {
		user.ID = existing.ID
	} else {
		user.ID = s.nextID
		s.nextID++
	}
	clone := *user
	clone.Roles = append([]string(nil), user.Roles...)
	s.users[key] = &clone
	return nil
}

// ApplySeed 实现 SeedWriter 接口。
func (s *MemoryStore) ApplySeed(ctx context.Context, seed Seed) error {
	hash, err := HashPassword(seed.Password)
	if err != nil {
		return err
	}
	return s.CreateUser(ctx, &User{
		Username:     seed.Username,
		PasswordHash: hash,
		Roles:        seed.Roles,
	})
}

// FindUserByUsername 按用户名查找用户。
func (s *MemoryStore) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	clone := *user
	clone.Roles = append([]string(nil), user.Roles...)
	return &clone, nil
}

// LoadSubject 按用户 ID 加载认证主体。
func (s *MemoryStore) LoadSubject(ctx context.Context, userID int64) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.users {
		if user.ID == userID {
			return &Subject{
				UserID:   user.ID,
				Username: user.Username,
				Roles:    append([]string(nil), user.Roles...),
				Disabled: user.Disabled,
			}, nil
		}
	}
	return nil, ErrInvalidToken
}

var (
	_ Store      = (*MemoryStore)(nil)
	_ SeedWriter = (*MemoryStore)(nil)
)
