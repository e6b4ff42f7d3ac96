package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWTConfig HS256 令牌配置
type JWTConfig struct {
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	Audience string        `mapstructure:"audience"`
	Leeway   time.Duration `mapstructure:"leeway"`
	TTL      time.Duration `mapstructure:"ttl"` // Issue 使用的有效期（默认 1h）
}

// Claims JWT 声明
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWTProvider 校验 HS256 签名的 JWT
type JWTProvider struct {
	secret []byte
	cfg    JWTConfig
	parser *jwt.Parser
}

// NewJWTProvider 创建 JWT 身份来源
func NewJWTProvider(cfg JWTConfig) (*JWTProvider, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("auth: jwt secret is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &JWTProvider{
		secret: []byte(cfg.Secret),
		cfg:    cfg,
		parser: jwt.NewParser(opts...),
	}, nil
}

// Authenticate 实现 Provider
func (p *JWTProvider) Authenticate(_ context.Context, credential string) (*Identity, error) {
	if credential == "" {
		return nil, ErrNoCredential
	}
	claims := &Claims{}
	token, err := p.parser.ParseWithClaims(credential, claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredential
	}
	if claims.Subject == "" {
		return nil, ErrInvalidCredential
	}
	return &Identity{Subject: claims.Subject, Roles: claims.Roles}, nil
}

// Issue 为身份签发令牌
func (p *JWTProvider) Issue(id Identity) (string, error) {
	now := time.Now()
	claims := &Claims{
		Roles: id.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject,
			Issuer:    p.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.cfg.TTL)),
			ID:        uuid.NewString(),
		},
	}
	if p.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{p.cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}
