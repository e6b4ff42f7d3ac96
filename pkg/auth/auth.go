// Package auth 为网关连接提供身份来源。
package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
)

var (
	// ErrInvalidCredential 凭证无效或已过期
	ErrInvalidCredential = errors.New("auth: invalid credential")
	// ErrNoCredential 请求未携带凭证
	ErrNoCredential = errors.New("auth: no credential")
)

// Identity 已认证主体
type Identity struct {
	Subject string   `json:"sub"`
	Roles   []string `json:"roles,omitempty"`
}

// HasAnyRole 身份的角色集合与 roles 有交集时返回 true
// roles 为空视为无角色要求
func (i *Identity) HasAnyRole(roles ...string) bool {
	if len(roles) == 0 {
		return true
	}
	if i == nil {
		return false
	}
	for _, r := range roles {
		if slices.Contains(i.Roles, r) {
			return true
		}
	}
	return false
}

// Provider 根据凭证返回身份
type Provider interface {
	Authenticate(ctx context.Context, credential string) (*Identity, error)
}

// ProviderFunc 函数适配器
type ProviderFunc func(ctx context.Context, credential string) (*Identity, error)

// Authenticate 实现 Provider
func (f ProviderFunc) Authenticate(ctx context.Context, credential string) (*Identity, error) {
	return f(ctx, credential)
}

// StaticProvider 固定令牌表，用于开发与测试
type StaticProvider map[string]Identity

// Authenticate 实现 Provider
func (p StaticProvider) Authenticate(_ context.Context, credential string) (*Identity, error) {
	id, ok := p[credential]
	if !ok {
		return nil, ErrInvalidCredential
	}
	return &id, nil
}

// CredentialFromRequest 从 Authorization: Bearer 头或 token 查询参数读取凭证
// 浏览器的 WebSocket API 无法设置请求头，因此同时支持查询参数
func CredentialFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
