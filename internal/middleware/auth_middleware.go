package middleware

import (
	"context"
	"net/http"
	"strings"

	"im-client/internal/auth"
	"im-client/internal/config"
	"im-client/internal/models"
)

// contextKey 是用于在 context.Context 中存储值的自定义类型，以避免键冲突。
type contextKey string

// ActorKey 是用于在上下文中存储当前用户的键。
const ActorKey contextKey = "actor"

// ClaimsKey 保存完整的 JWT 声明，供吊销会话使用。
const ClaimsKey contextKey = "claims"

// AuthMiddleware 验证 JWT 并将当前用户添加到上下文中。
// 浏览器 WebSocket 无法设置请求头，因此也接受 ?token= 查询参数。
func AuthMiddleware(next http.Handler, authCfg config.AuthConfig, blacklist auth.TokenBlacklist) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := bearerToken(r)
		if !ok {
			http.Error(w, "请求未包含有效的授权令牌", http.StatusUnauthorized)
			return
		}

		claims, err := auth.ValidateToken(r.Context(), tokenString, authCfg.JWTSecretKey, blacklist)
		if err != nil {
			http.Error(w, "令牌无效", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ActorKey, claims.Actor())
		ctx = context.WithValue(ctx, ClaimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		t := r.URL.Query().Get("token")
		return t, t != ""
	}
	headerParts := strings.Split(authHeader, " ")
	if len(headerParts) != 2 || strings.ToLower(headerParts[0]) != "bearer" {
		return "", false
	}
	return headerParts[1], true
}

// GetActorFromContext 从上下文中获取当前用户。
func GetActorFromContext(ctx context.Context) (models.Actor, bool) {
	actor, ok := ctx.Value(ActorKey).(models.Actor)
	return actor, ok
}

// GetClaimsFromContext 从上下文中获取 JWT 声明。
func GetClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*auth.Claims)
	return claims, ok
}
