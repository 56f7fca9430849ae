package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"

	"im-client/internal/auth"
	"im-client/internal/config"
	"im-client/internal/logging"
	"im-client/internal/storage"
)

func usage() {
	fmt.Println("使用方法:")
	fmt.Println("  ./admin create-account <userID> <displayName> <balance> [unlimited] - 创建账户，已存在则不变")
	fmt.Println("  ./admin issue-token <userID> [unlimited] - 为用户签发会话令牌")
	fmt.Println("  ./admin show-conversation <conversationID> - 显示会话和最近消息")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 3 {
		usage()
	}

	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}

	switch os.Args[1] {
	case "issue-token":
		// 不需要数据库
		unlimited := len(os.Args) > 3 && os.Args[3] == "unlimited"
		token, err := auth.GenerateToken(os.Args[2], os.Args[2], unlimited, cfg.Auth)
		if err != nil {
			log.Fatalf("签发令牌失败: %v", err)
		}
		fmt.Println(token)
		return
	}

	logger, err := logging.NewLogger("warn", cfg.LogDev)
	if err != nil {
		log.Fatalf("无法初始化日志: %v", err)
	}
	db, err := storage.InitDB(cfg.Database, logger)
	if err != nil {
		log.Fatalf("无法连接数据库: %v", err)
	}
	if err := storage.AutoMigrateTables(db, logger); err != nil {
		log.Fatalf("无法迁移数据库表: %v", err)
	}
	ctx := context.Background()

	switch os.Args[1] {
	case "create-account":
		if len(os.Args) < 5 {
			usage()
		}
		balance, err := strconv.ParseInt(os.Args[4], 10, 64)
		if err != nil {
			log.Fatalf("无效的余额: %v", err)
		}
		account := &storage.AccountRecord{
			ID:             os.Args[2],
			DisplayName:    os.Args[3],
			Balance:        balance,
			UnlimitedSpend: len(os.Args) > 5 && os.Args[5] == "unlimited",
		}
		if err := storage.NewGormAccountRepository(db).Ensure(ctx, account); err != nil {
			log.Fatalf("保存账户失败: %v", err)
		}
		fmt.Printf("账户 %s (%s) 余额 %d, 无限额度: %v\n", account.ID, account.DisplayName, account.Balance, account.UnlimitedSpend)

	case "show-conversation":
		showConversation(ctx, storage.NewGormConversationRepository(db), storage.NewGormMessageRepository(db), os.Args[2])

	default:
		log.Fatalf("未知命令: %s", os.Args[1])
	}
}

func showConversation(ctx context.Context, convs storage.ConversationRepository, messages storage.MessageRepository, conversationID string) {
	conv, err := convs.GetByID(ctx, conversationID)
	if err != nil {
		log.Fatalf("获取会话失败: %v", err)
	}

	fmt.Printf("会话 %s 信息:\n", conv.ID)
	fmt.Println("--------------------------------------")
	fmt.Printf("参与者: %s, %s\n", conv.UserLow, conv.UserHigh)
	fmt.Printf("最后消息时间: %s\n", conv.LastMessageAt.Format("2006-01-02 15:04:05"))

	recent, err := messages.ListRecent(ctx, conv.ID, 20)
	if err != nil {
		fmt.Printf("获取消息失败: %v\n", err)
		return
	}
	for i, m := range recent {
		fmt.Printf("#%d %s 发送者: %s 状态: %s 时间: %s\n",
			i+1, m.ID, m.SenderID, m.Status, m.CreatedAt.Format("2006-01-02 15:04:05"))
	}
}
