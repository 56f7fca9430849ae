package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"im-client/internal/gift"
	"im-client/internal/models"
	"im-client/internal/services"
)

const consoleHelp = `commands:
  list [query]                       会话列表
  open <conversation>                显示消息
  say <conversation> <text>          发送文本
  reply <conversation> <id> <text>   回复
  typing <conversation>              输入中
  read <conversation>                标为已读
  retry <id>
  edit <id> <text>
  delete <id> [all]
  react <id> <emoji>
  pin|mute|archive <conversation> [off]
  gift <conversation> <giftId> <price> [balance]
`

// console 是调试用的行命令界面。
type console struct {
	actor    models.Actor
	messages services.MessageService
	convs    services.ConversationService
	typing   services.TypingService
	gifts    services.GiftService
	out      io.Writer
	log      *zap.Logger
}

func (c *console) run(ctx context.Context, in io.Reader) {
	fmt.Fprint(c.out, consoleHelp)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := c.exec(ctx, line); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

func (c *console) exec(ctx context.Context, line string) error {
	cmd, rest, _ := strings.Cut(line, " ")
	args := strings.Fields(rest)
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s: expected %d arguments", cmd, n)
		}
		return nil
	}

	switch cmd {
	case "help":
		fmt.Fprint(c.out, consoleHelp)
	case "list":
		for _, v := range c.convs.List(strings.TrimSpace(rest)) {
			flags := ""
			if v.IsPinned {
				flags += "*"
			}
			if v.IsMuted {
				flags += "~"
			}
			fmt.Fprintf(c.out, "%s%s %s (%d) %s\n", flags, v.ID, v.ParticipantName, v.UnreadCount, v.LastMessageText)
		}
	case "open":
		if err := need(1); err != nil {
			return err
		}
		for _, m := range c.messages.MessagesFor(args[0]) {
			c.printMessage(m)
		}
		if users := c.typing.TypingUsers(args[0]); len(users) > 0 {
			fmt.Fprintf(c.out, "typing: %s\n", strings.Join(users, ", "))
		}
	case "say":
		if err := need(2); err != nil {
			return err
		}
		text := strings.TrimSpace(strings.TrimPrefix(rest, args[0]))
		m, err := c.messages.Send(ctx, args[0], models.TextOf(text), "")
		if err != nil {
			return err
		}
		c.printMessage(m)
	case "reply":
		if err := need(3); err != nil {
			return err
		}
		text := strings.Join(args[2:], " ")
		m, err := c.messages.Send(ctx, args[0], models.TextOf(text), args[1])
		if err != nil {
			return err
		}
		c.printMessage(m)
	case "typing":
		if err := need(1); err != nil {
			return err
		}
		c.typing.NotifyTyping(args[0])
	case "read":
		if err := need(1); err != nil {
			return err
		}
		return c.messages.MarkRead(ctx, args[0])
	case "retry":
		if err := need(1); err != nil {
			return err
		}
		m, err := c.messages.Retry(ctx, args[0])
		if err != nil {
			return err
		}
		c.printMessage(m)
	case "edit":
		if err := need(2); err != nil {
			return err
		}
		m, err := c.messages.Edit(args[0], models.TextOf(strings.Join(args[1:], " ")))
		if err != nil {
			return err
		}
		c.printMessage(m)
	case "delete":
		if err := need(1); err != nil {
			return err
		}
		scope := models.DeleteForSelf
		if len(args) > 1 && args[1] == "all" {
			scope = models.DeleteForAll
		}
		_, err := c.messages.Delete(args[0], scope)
		return err
	case "react":
		if err := need(2); err != nil {
			return err
		}
		if _, err := c.messages.ToggleReaction(args[0], args[1]); err != nil {
			return err
		}
		for _, g := range c.messages.CountsFor(args[0]) {
			fmt.Fprintf(c.out, "%s %d\n", g.Emoji, g.Count)
		}
	case "pin", "mute", "archive":
		if err := need(1); err != nil {
			return err
		}
		on := len(args) < 2 || args[1] != "off"
		switch cmd {
		case "pin":
			return c.convs.Pin(args[0], on)
		case "mute":
			return c.convs.Mute(args[0], on)
		default:
			return c.convs.Archive(args[0], on)
		}
	case "gift":
		if err := need(3); err != nil {
			return err
		}
		return c.sendGift(ctx, args)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func (c *console) sendGift(ctx context.Context, args []string) error {
	conv, ok := c.convs.Get(args[0])
	if !ok {
		return fmt.Errorf("unknown conversation %s", args[0])
	}
	price, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	// 未给出余额时按价格计算，由后端扣费做最终检查
	balance := price
	if len(args) > 3 {
		if balance, err = strconv.ParseInt(args[3], 10, 64); err != nil {
			return fmt.Errorf("balance: %w", err)
		}
	}
	tx, err := c.gifts.SendGift(ctx, gift.Request{
		Gift:           models.Gift{ID: args[1], Name: args[1], Price: price},
		RecipientID:    conv.OtherParticipant(c.actor.UserID),
		ConversationID: conv.ID,
		SenderBalance:  balance,
	})
	if tx != nil {
		c.log.Info("gift transaction", zap.String("tx_id", tx.ID), zap.String("state", string(tx.State)))
	}
	return err
}

func (c *console) printMessage(m models.Message) {
	body := m.DisplayBody()
	mark := ""
	if m.ReplyToID != "" {
		mark = " ↪" + m.ReplyToID
	}
	fmt.Fprintf(c.out, "[%s] %s %s: %s%s\n", m.Status, m.ID, m.SenderID, body.Preview(), mark)
	if ferr := m.FailError(); ferr != nil {
		fmt.Fprintf(c.out, "  failed (%s): %s, retry %s\n", ferr.Code, ferr.Message, m.ID)
	}
}
