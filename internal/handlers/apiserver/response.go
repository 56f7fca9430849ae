package apiserver

import (
	"encoding/json"
	"net/http"

	"im-client/internal/apperrors"
	"im-client/internal/backend"
)

// writeJSONResponse 是一个辅助函数，用于发送 JSON 响应。
func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		// 头部已发送，编码失败时无法再返回错误
		_ = json.NewEncoder(w).Encode(data)
	}
}

// writeJSONError 是一个辅助函数，用于发送 JSON 格式的错误响应。
func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	writeJSONResponse(w, statusCode, backend.ErrorResponse{Error: message})
}

// statusFor maps the app error taxonomy onto HTTP.
func statusFor(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeForbidden:
		return http.StatusForbidden
	case apperrors.CodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.CodeInsufficientBalance:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// writeAppError 写入错误；内部错误不向客户端暴露细节。
func writeAppError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		writeJSONError(w, "服务器内部错误", status)
		return
	}
	writeJSONResponse(w, status, backend.ErrorResponse{Error: err.Error(), Code: string(apperrors.CodeOf(err))})
}
