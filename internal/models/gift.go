package models

import "time"

// Gift 是礼物目录中的一项，价格以星星计。
type Gift struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price int64  `json:"price"`
}

// GiftState 定义了一次礼物交易在客户端的状态。
type GiftState string

const (
	GiftInitiated          GiftState = "initiated"
	GiftBalanceChecked     GiftState = "balanceChecked"
	GiftDebited            GiftState = "debited"
	GiftMessageEmitted     GiftState = "messageEmitted"
	GiftAborted            GiftState = "aborted"
	GiftEmissionFailed     GiftState = "emissionFailed"
	GiftCompensated        GiftState = "compensated"
	GiftCompensationFailed GiftState = "compensationFailed"
)

// GiftTransaction 记录一次"先扣费后发送"的礼物交易。
// 从客户端角度看是原子的：扣费和消息要么都生效，要么都不生效。
type GiftTransaction struct {
	ID             string      `json:"id"`
	GiftID         string      `json:"giftId"`
	Price          int64       `json:"price"`
	SenderID       string      `json:"senderId"`
	RecipientID    string      `json:"recipientId"`
	ConversationID string      `json:"conversationId"`
	Message        string      `json:"message,omitempty"`
	IsAnonymous    bool        `json:"isAnonymous"`
	State          GiftState   `json:"state"`
	MessageID      string      `json:"messageId,omitempty"`    // 发送成功后的礼物消息 ID
	BalanceAfter   *int64      `json:"balanceAfter,omitempty"` // 扣费后后端返回的余额
	History        []GiftState `json:"history"`
	StartedAt      time.Time   `json:"startedAt"`
}

// Enter moves the transaction to state and records it in the history.
func (t *GiftTransaction) Enter(state GiftState) {
	t.State = state
	t.History = append(t.History, state)
}

// Body builds the gift message body for this transaction.
func (t *GiftTransaction) Body() Body {
	return Body{
		Type: GiftBody,
		Text: t.Message,
		Gift: &GiftPayload{
			GiftID:      t.GiftID,
			Price:       t.Price,
			IsAnonymous: t.IsAnonymous,
		},
	}
}

// DebitResult 是后端扣费接口的返回。
type DebitResult struct {
	Success    bool  `json:"success"`
	NewBalance int64 `json:"newBalance"`
}
