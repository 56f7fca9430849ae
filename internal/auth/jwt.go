package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"im-client/internal/config"
	"im-client/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims 是 JWT 中的自定义声明，嵌入了 jwt.RegisteredClaims。
// UnlimitedSpend 标记管理员特权：礼物发送跳过余额检查。
type Claims struct {
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	UnlimitedSpend bool   `json:"unlimitedSpend,omitempty"`
	jwt.RegisteredClaims
}

// Actor converts the claims into the acting user.
func (c *Claims) Actor() models.Actor {
	return models.Actor{UserID: c.UserID, UnlimitedSpend: c.UnlimitedSpend}
}

// GenerateToken 为指定用户生成一个新的 JWT。
func GenerateToken(userID, username string, unlimitedSpend bool, authCfg config.AuthConfig) (string, error) {
	jwtID, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("生成 JWT ID 失败: %w", err)
	}

	now := time.Now()
	claims := &Claims{
		UserID:         userID,
		Username:       username,
		UnlimitedSpend: unlimitedSpend,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(authCfg.JWTExpiry)),
			ID:        jwtID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "im-client-backend",
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(authCfg.JWTSecretKey))
	if err != nil {
		return "", fmt.Errorf("生成 JWT 失败: %w", err)
	}
	return tokenString, nil
}

// ValidateToken 验证给定的 JWT 字符串的有效性。
// blacklist 可以为 nil；否则会检查 JTI 是否已被吊销。
func ValidateToken(ctx context.Context, tokenString string, jwtKey string, blacklist TokenBlacklist) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("非预期的签名算法: %v", token.Header["alg"])
		}
		return []byte(jwtKey), nil
	})
	if err != nil {
		return nil, fmt.Errorf("解析或验证 JWT 失败: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("JWT 无效")
	}
	if claims.UserID == "" {
		return nil, errors.New("JWT 缺少 userId 声明")
	}

	if blacklist != nil {
		if claims.ID == "" {
			return nil, errors.New("JWT 缺少 JTI (ID) 声明，无法检查黑名单")
		}
		isRevoked, err := blacklist.IsBlacklisted(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("检查 Token 黑名单失败: %w", err)
		}
		if isRevoked {
			return nil, errors.New("JWT 已被吊销")
		}
	}

	return claims, nil
}

// ActorFromToken reads the acting user out of the client's own session
// token. The signature is not checked here; the backend verifies it on
// every request.
func ActorFromToken(tokenString string) (models.Actor, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return models.Actor{}, fmt.Errorf("解析会话 JWT 失败: %w", err)
	}
	if claims.UserID == "" {
		return models.Actor{}, errors.New("会话 JWT 缺少 userId 声明")
	}
	return claims.Actor(), nil
}
