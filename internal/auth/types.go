package auth

import (
	"errors"
	"strings"
)

// Mode 表示身份认证服务的工作模式。
type Mode string

const (
	// ModeDisabled 关闭认证，所有请求直接放行。
	ModeDisabled Mode = "disabled"
	// ModeJWT 使用 HS256 签名的 JWT 进行认证。
	ModeJWT Mode = "jwt"
)

// 认证相关的哨兵错误。
var (
	ErrDisabled           = errors.New("认证服务未启用")
	ErrMissingToken       = errors.New("缺少访问令牌")
	ErrInvalidToken       = errors.New("访问令牌无效")
	ErrInvalidCredentials = errors.New("用户名或密码错误")
	ErrSubjectRevoked     = errors.New("账号已被禁用")
	ErrPermissionDenied   = errors.New("权限不足")
	ErrUnsupportedGrant   = errors.New("不支持的授权方式")
)

// Config 描述认证服务的配置。
type Config struct {
	Mode       Mode   `json:"mode" yaml:"mode"`
	Secret     string `json:"secret" yaml:"secret"`
	Issuer     string `json:"issuer" yaml:"issuer"`
	AccessTTL  int64  `json:"access_ttl_seconds" yaml:"access_ttl_seconds"`
	RefreshTTL int64  `json:"refresh_ttl_seconds" yaml:"refresh_ttl_seconds"`
	Seeds      []Seed `json:"seeds" yaml:"seeds"`
}

// Seed 描述启动时预置的用户。
type Seed struct {
	Username string   `json:"username" yaml:"username"`
	Password string   `json:"password" yaml:"password"`
	Roles    []string `json:"roles" yaml:"roles"`
}

// User 是存储层中的用户记录。
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Roles        []string
	Disabled     bool
}

// Subject 是通过认证的请求主体。
type Subject struct {
	UserID   int64    `json:"user_id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles,omitempty"`
	Disabled bool     `json:"-"`
}

// Clone 返回主体的深拷贝。
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Roles = append([]string(nil), s.Roles...)
	return &clone
}

// HasRole 判断主体是否拥有指定角色。
func (s *Subject) HasRole(role string) bool {
	if s == nil {
		return false
	}
	role = strings.TrimSpace(strings.ToLower(role))
	for _, owned := range s.Roles {
		if strings.EqualFold(strings.TrimSpace(owned), role) {
			return true
		}
	}
	return false
}

// Authorize 要求主体拥有给定角色中的至少一个。
func (s *Subject) Authorize(roles ...string) error {
	if len(roles) == 0 {
		return nil
	}
	for _, role := range roles {
		if s.HasRole(role) {
			return nil
		}
	}
	return ErrPermissionDenied
}

// TokenRequest 描述一次令牌签发请求。
type TokenRequest struct {
	GrantType string `json:"grant_type,omitempty"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

// TokenPair 是一次签发得到的访问令牌与刷新令牌。
type TokenPair struct {
	AccessToken      string   `json:"access_token"`
	ExpiresIn        int64    `json:"expires_in"`
	RefreshToken     string   `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64    `json:"refresh_expires_in,omitempty"`
	TokenType        string   `json:"token_type"`
	Subject          *Subject `json:"subject,omitempty"`
}
