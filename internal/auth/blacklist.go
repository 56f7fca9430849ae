package auth

import (
	"context"
	"time"
)

// TokenBlacklist 定义了已吊销会话的存储操作接口。
type TokenBlacklist interface {
	// Add 将 jti 加入黑名单，到 Token 原始过期时间后自动移除。
	Add(ctx context.Context, jti string, originalTokenExpTime time.Time) error
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
}
