package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"adpilot/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// 上下文键
const (
	ContextTenantID = "tenant_id"
	ContextUserID   = "user_id"
	ContextRoles    = "roles"
)

// Claims carries the CRM identity. Every request is scoped to TenantID.
type Claims struct {
	TenantID uint     `json:"tenant_id"`
	UserID   uint     `json:"user_id"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// SignToken 签发 HS256 令牌（CLI token 命令与测试使用）
func SignToken(cfg config.JWTConfig, tenantID, userID uint, roles []string, ttl time.Duration) (string, error) {
	if cfg.Secret == "" {
		return "", errors.New("jwt.secret is empty")
	}
	now := time.Now()
	claims := Claims{
		TenantID: tenantID,
		UserID:   userID,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   cfg.Issuer,
			Subject:  fmt.Sprintf("%d", userID),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
}

// ParseToken verifies signature, algorithm and time claims.
func ParseToken(cfg config.JWTConfig, raw string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuedAt()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if claims.TenantID == 0 {
		return nil, errors.New("token has no tenant")
	}
	return claims, nil
}

// AuthMiddleware enforces Authorization: Bearer <jwt> and injects tenant_id, user_id and roles.
func AuthMiddleware(cfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		ah := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(ah), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": "missing bearer token",
			})
			return
		}
		token := strings.TrimSpace(ah[len("Bearer "):])
		if token == "" || cfg.Secret == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": "invalid token or server misconfig",
			})
			return
		}
		claims, err := ParseToken(cfg, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": err.Error(),
			})
			return
		}
		c.Set(ContextTenantID, claims.TenantID)
		c.Set(ContextUserID, claims.UserID)
		if roles := dedupeStrings(claims.Roles); len(roles) > 0 {
			c.Set(ContextRoles, roles)
		}
		c.Next()
	}
}

// TenantID 当前请求的租户
func TenantID(c *gin.Context) (uint, bool) {
	v, ok := c.Get(ContextTenantID)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint)
	return id, ok && id != 0
}

func UserID(c *gin.Context) uint {
	if v, ok := c.Get(ContextUserID); ok {
		if id, ok := v.(uint); ok {
			return id
		}
	}
	return 0
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
