package apiserver

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"im-client/internal/apperrors"
	"im-client/internal/backend"
	"im-client/internal/chatbackend"
	"im-client/internal/middleware"
)

// WalletHandler 处理星星余额的扣费与退款。
type WalletHandler struct {
	svc chatbackend.Service
	log *zap.Logger
}

func NewWalletHandler(svc chatbackend.Service, log *zap.Logger) *WalletHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WalletHandler{svc: svc, log: log}
}

func (h *WalletHandler) decode(w http.ResponseWriter, r *http.Request) (string, backend.WalletRequest, bool) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return "", backend.WalletRequest{}, false
	}
	var req backend.WalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return "", backend.WalletRequest{}, false
	}
	defer r.Body.Close()
	return actor.UserID, req, true
}

// DebitHandler 扣费；余额不足返回 402。
func (h *WalletHandler) DebitHandler(w http.ResponseWriter, r *http.Request) {
	actorID, req, ok := h.decode(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Debit(r.Context(), actorID, req)
	if err != nil {
		if !apperrors.IsCode(err, apperrors.CodeInsufficientBalance) {
			h.log.Warn("debit failed", zap.String("user_id", actorID), zap.Error(err))
		}
		writeAppError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, res)
}

// CreditHandler 退款。
func (h *WalletHandler) CreditHandler(w http.ResponseWriter, r *http.Request) {
	actorID, req, ok := h.decode(w, r)
	if !ok {
		return
	}
	if err := h.svc.Credit(r.Context(), actorID, req); err != nil {
		h.log.Warn("credit failed", zap.String("user_id", actorID), zap.Error(err))
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
