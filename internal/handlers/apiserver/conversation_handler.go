package apiserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"im-client/internal/backend"
	"im-client/internal/chatbackend"
	"im-client/internal/middleware"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// ConversationHandler 封装了会话和消息相关的 HTTP 处理器方法。
type ConversationHandler struct {
	svc chatbackend.Service
	log *zap.Logger
}

// NewConversationHandler 创建一个新的 ConversationHandler 实例。
func NewConversationHandler(svc chatbackend.Service, log *zap.Logger) *ConversationHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConversationHandler{svc: svc, log: log}
}

// OpenConversationRequest 是创建/获取私聊会话的请求结构体。
type OpenConversationRequest struct {
	PeerID string `json:"peerId"`
}

// GetUserConversationsHandler 获取当前用户的所有会话列表。
func (h *ConversationHandler) GetUserConversationsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	convs, err := h.svc.ListConversations(r.Context(), actor.UserID)
	if err != nil {
		h.log.Error("list conversations", zap.String("user_id", actor.UserID), zap.Error(err))
		writeAppError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, convs)
}

// OpenConversationHandler 获取或创建与目标用户的私聊会话。
func (h *ConversationHandler) OpenConversationHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	var req OpenConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	conv, err := h.svc.OpenConversation(r.Context(), actor.UserID, req.PeerID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, conv)
}

// GetConversationMessagesHandler 获取指定会话最近的消息，按时间正序。
func (h *ConversationHandler) GetConversationMessagesHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONError(w, "无效的 limit 参数", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	messages, err := h.svc.ListMessages(r.Context(), actor.UserID, mux.Vars(r)["conversationID"], limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, messages)
}

// CreateMessageHandler 保存一条新消息。重复提交返回 200 和已有消息。
func (h *ConversationHandler) CreateMessageHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	var req backend.CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	req.ConversationID = mux.Vars(r)["conversationID"]

	sm, created, err := h.svc.CreateMessage(r.Context(), actor.UserID, req)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			h.log.Error("create message", zap.String("user_id", actor.UserID), zap.Error(err))
		}
		writeAppError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSONResponse(w, status, sm)
}

// MarkReadHandler 把会话中收到的消息标为已读。
func (h *ConversationHandler) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	var req backend.MarkReadRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, "请求体无效", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()
	}
	if req.UserID != "" && req.UserID != actor.UserID {
		writeJSONError(w, "只能标记自己的已读状态", http.StatusForbidden)
		return
	}

	if err := h.svc.MarkRead(r.Context(), actor.UserID, mux.Vars(r)["conversationID"]); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
