package apiserver

import (
	"net/http"

	"go.uber.org/zap"

	"im-client/internal/auth"
	"im-client/internal/middleware"
)

// SessionHandler 处理会话令牌的查询与吊销。
type SessionHandler struct {
	TokenBlacklist auth.TokenBlacklist
	log            *zap.Logger
}

func NewSessionHandler(tokenBlacklist auth.TokenBlacklist, log *zap.Logger) *SessionHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionHandler{TokenBlacklist: tokenBlacklist, log: log}
}

// WhoAmIHandler 返回令牌对应的用户。
func (h *SessionHandler) WhoAmIHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	writeJSONResponse(w, http.StatusOK, actor)
}

// LogoutHandler 处理用户登出请求，将当前 Token 加入黑名单。
func (h *SessionHandler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaimsFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证或无法解析用户声明", http.StatusUnauthorized)
		return
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		writeJSONError(w, "Token 缺少 JTI 或过期时间，无法执行登出", http.StatusBadRequest)
		return
	}

	if err := h.TokenBlacklist.Add(r.Context(), claims.ID, claims.ExpiresAt.Time); err != nil {
		h.log.Error("将 Token 加入黑名单失败", zap.String("jti", claims.ID), zap.Error(err))
		writeJSONError(w, "登出过程中发生内部错误", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"message": "登出成功"})
}
