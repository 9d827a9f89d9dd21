package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailsync/backend/internal/auth/jwt"
)

// JWTAuth 携带者令牌认证中间件。
// 校验通过后把 userID / email 写入请求上下文，
// 账户归属判断由下游服务层基于 userID 完成。
type JWTAuth struct {
	manager *jwt.Manager
	log     *zap.Logger
}

// NewJWTAuth 创建认证中间件
func NewJWTAuth(manager *jwt.Manager, log *zap.Logger) *JWTAuth {
	return &JWTAuth{manager: manager, log: log}
}

// RequireAuth 无有效令牌直接拒绝（401）。
func (ja *JWTAuth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			return
		}

		claims, err := ja.manager.ValidateToken(token)
		if err != nil {
			ja.log.Warn("invalid token",
				zap.Error(err),
				zap.String("ip", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}

		setIdentity(c, claims)
		c.Next()
	}
}

// OptionalAuth 有令牌则解析身份，没有或无效则以匿名身份放行。
// 匿名请求拿不到 userID，下游的归属校验按未认证处理。
func (ja *JWTAuth) OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := bearerToken(c); token != "" {
			if claims, err := ja.manager.ValidateToken(token); err == nil {
				setIdentity(c, claims)
			}
		}
		c.Next()
	}
}

func setIdentity(c *gin.Context, claims *jwt.Claims) {
	c.Set("userID", claims.UserID)
	c.Set("email", claims.Email)
	c.Set("authenticated", true)
}

// bearerToken 依次尝试 Authorization 头与 access_token cookie。
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if parts := strings.SplitN(header, " ", 2); len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	if token, err := c.Cookie("access_token"); err == nil {
		return token
	}
	return ""
}
