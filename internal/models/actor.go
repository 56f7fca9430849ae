package models

// Actor 是当前会话中执行操作的用户。
type Actor struct {
	UserID string `json:"userId"`
	// UnlimitedSpend 是管理员特权：跳过礼物余额检查（扣费仍然会发出）。
	UnlimitedSpend bool `json:"unlimitedSpend"`
}
