package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	redisDriver "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"im-client/internal/auth"
	"im-client/internal/backend"
	"im-client/internal/config"
	appKafka "im-client/internal/kafka"
	"im-client/internal/logging"
	"im-client/internal/metrics"
	"im-client/internal/models"
	"im-client/internal/presence"
	"im-client/internal/reactions"
	appRedis "im-client/internal/redis"
	"im-client/internal/services"
	"im-client/internal/status"
	"im-client/internal/store"
	"im-client/internal/websocket"
)

func main() {
	// 1. 加载配置
	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		log.Fatalf("无法初始化日志: %v", err)
	}
	defer logger.Sync()

	metrics.Init(prometheus.DefaultRegisterer)

	// 2. 当前用户来自会话令牌
	actor, err := auth.ActorFromToken(cfg.Session.Token)
	if err != nil {
		logger.Fatal("无法解析会话令牌", zap.Error(err))
	}
	logger = logger.With(zap.String("user_id", actor.UserID))
	logger.Info("客户端启动", zap.Bool("unlimited_spend", actor.UnlimitedSpend))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Redis 输入状态中继
	redisClient := redisDriver.NewClient(&redisDriver.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		logger.Fatal("无法连接到 Redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	defer redisClient.Close()
	typingRelay := appRedis.NewTypingRelay(redisClient, cfg.Chat.TypingVisibility, logger)

	// 4. 客户端核心
	api := backend.NewHTTPClient(cfg.Backend, cfg.Session.Token, logger)
	clk := clockwork.NewRealClock()
	st := store.New(status.NewMachine(logger), clk, logger)
	st.Subscribe(func(c models.StatusChange) {
		logger.Debug("message status", zap.String("message_id", c.MessageID), zap.String("local_id", c.LocalID),
			zap.String("from", string(c.From)), zap.String("to", string(c.To)))
	})

	typingSvc := services.NewTypingService(actor, clk, cfg.Chat, typingRelay, logger)
	defer typingSvc.Close()
	convSvc := services.NewConversationService(actor, st, api, logger)
	msgSvc := services.NewMessageService(services.MessageServiceDeps{
		Actor:     actor,
		Store:     st,
		Reactions: reactions.NewAggregator(),
		API:       api,
		Clock:     clk,
		Config:    cfg.Chat,
		Typing:    typingSvc,
		Convs:     convSvc,
		Log:       logger,
	})
	defer msgSvc.Close()
	giftSvc := services.NewGiftService(actor, api, st, clk, cfg.Gift, logger)

	// 5. 状态事件来源
	sources := []presence.Source{typingRelay}
	var acker presence.Acker
	switch cfg.Presence.Source {
	case "kafka":
		consumer, err := appKafka.NewConfluentKafkaConsumer(cfg.Kafka, logger)
		if err != nil {
			logger.Fatal("无法创建 Kafka 消费者", zap.Error(err))
		}
		defer consumer.Close()
		// 每个客户端独立消费整个 topic
		groupID := cfg.Kafka.ConsumerGroup + "-" + actor.UserID
		sources = append(sources, appKafka.NewPresenceSource(consumer, cfg.Kafka.StatusTopic, groupID, actor.UserID, logger))
	default:
		listener, err := websocket.Dial(ctx, cfg.Presence.WSURL, cfg.Session.Token, cfg.WebSocket, logger)
		if err != nil {
			logger.Fatal("无法连接状态推送通道", zap.Error(err))
		}
		defer listener.Close()
		sources = append(sources, listener)
		acker = listener
	}
	dispatcher := presence.NewDispatcher(actor.UserID, msgSvc, typingSvc, acker, logger)

	// 6. 初始同步
	if err := convSvc.Sync(ctx); err != nil {
		logger.Warn("会话同步失败", zap.Error(err))
	}
	for _, conv := range convSvc.List("") {
		if _, err := msgSvc.LoadHistory(ctx, conv.ID); err != nil {
			logger.Warn("历史消息加载失败", zap.String("conversation_id", conv.ID), zap.Error(err))
		}
	}

	presenceDone := make(chan error, 1)
	go func() {
		presenceDone <- presence.RunAll(ctx, dispatcher.Handle, sources...)
	}()

	console := &console{
		actor:    actor,
		messages: msgSvc,
		convs:    convSvc,
		typing:   typingSvc,
		gifts:    giftSvc,
		out:      os.Stdout,
		log:      logger,
	}
	go console.run(ctx, os.Stdin)

	select {
	case <-ctx.Done():
		logger.Info("收到关闭信号，正在关闭客户端...")
	case err := <-presenceDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("状态事件来源中断", zap.Error(err))
		}
		stop()
	}

	// 等待后台发送完成，未确认的消息由确认计时器处理
	msgSvc.Wait()
	logger.Info("客户端已关闭")
}
