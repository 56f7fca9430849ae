package chatserver

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"im-client/internal/chatbackend"
	"im-client/internal/config"
	"im-client/internal/middleware"
	"im-client/internal/presence"
	ws "im-client/internal/websocket"
)

// WebSocketHandler 负责处理 WebSocket 连接请求。
type WebSocketHandler struct {
	// ctx 是服务进程的生命周期；请求的 context 在升级后即被取消
	ctx   context.Context
	hub   *ws.Hub
	svc   chatbackend.Service
	wsCfg config.WebSocketConfig
	log   *zap.Logger
}

// NewWebSocketHandler 创建一个新的 WebSocketHandler 实例。
func NewWebSocketHandler(ctx context.Context, hub *ws.Hub, svc chatbackend.Service, wsCfg config.WebSocketConfig, log *zap.Logger) *WebSocketHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebSocketHandler{ctx: ctx, hub: hub, svc: svc, wsCfg: wsCfg, log: log}
}

// ServeWS 将已认证的 HTTP 连接升级为 WebSocket 连接。
// 必须挂在 AuthMiddleware 之后。
func (h *WebSocketHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, "缺少认证令牌", http.StatusUnauthorized)
		return
	}
	h.log.Debug("websocket connect", zap.String("user_id", actor.UserID))

	handle := func(ctx context.Context, userID string, ev presence.Event) error {
		return h.svc.HandleInbound(ctx, userID, ev)
	}
	ws.ServeWs(h.ctx, h.hub, handle, actor.UserID, w, r, h.wsCfg)
}
