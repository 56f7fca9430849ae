package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redisDriver "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"im-client/internal/chatbackend"
	"im-client/internal/config"
	"im-client/internal/handlers/apiserver"
	"im-client/internal/handlers/chatserver"
	appKafka "im-client/internal/kafka"
	kafkaHandlers "im-client/internal/kafka/handlers"
	"im-client/internal/logging"
	"im-client/internal/metrics"
	"im-client/internal/middleware"
	appRedis "im-client/internal/redis"
	"im-client/internal/storage"
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
	logger.Info("API 服务器配置加载成功", zap.String("app", cfg.AppName), zap.String("version", cfg.AppVersion))

	metrics.Init(prometheus.DefaultRegisterer)

	// 2. 初始化数据库连接
	db, err := storage.InitDB(cfg.Database, logger)
	if err != nil {
		logger.Fatal("无法初始化数据库", zap.Error(err))
	}
	if err := storage.AutoMigrateTables(db, logger); err != nil {
		logger.Fatal("无法迁移数据库表", zap.Error(err))
	}

	// 3. 初始化 Redis Client
	redisClient := redisDriver.NewClient(&redisDriver.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		logger.Fatal("无法连接到 Redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	defer redisClient.Close()
	tokenBlacklist := appRedis.NewRedisTokenBlacklist(redisClient)

	// 4. 初始化 Repositories
	msgRepo := storage.NewGormMessageRepository(db)
	convoRepo := storage.NewGormConversationRepository(db)
	accountRepo := storage.NewGormAccountRepository(db)

	// 服务进程生命周期；WebSocket 连接和 Kafka 消费者都挂在它下面
	appCtx, cancelApp := context.WithCancel(context.Background())
	defer cancelApp()

	hub := websocket.NewHub(logger)
	go hub.Run(appCtx)

	// 5. 状态事件：配置了 Kafka 时经 topic 扇出到各实例的 Hub，否则直接投递
	var (
		publisher chatbackend.Publisher
		consumers sync.WaitGroup
	)
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.StatusTopic != "" {
		kfkProducer, err := appKafka.NewConfluentKafkaProducer(cfg.Kafka, logger)
		if err != nil {
			logger.Fatal("无法创建 Kafka 生产者", zap.Error(err))
		}
		defer kfkProducer.Close()
		publisher = appKafka.NewStatusPublisher(kfkProducer, cfg.Kafka.StatusTopic)

		fanoutConsumer, err := appKafka.NewConfluentKafkaConsumer(cfg.Kafka, logger)
		if err != nil {
			logger.Fatal("无法创建状态扇出 Kafka 消费者", zap.Error(err))
		}
		defer fanoutConsumer.Close()

		fanout := kafkaHandlers.NewStatusFanout(hub, logger)
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			logger.Info("Kafka 状态扇出消费者启动", zap.String("topic", cfg.Kafka.StatusTopic), zap.String("group", cfg.Kafka.ConsumerGroup))
			err := fanoutConsumer.Consume(appCtx, []string{cfg.Kafka.StatusTopic}, cfg.Kafka.ConsumerGroup, fanout.Handle)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Kafka 状态扇出消费者错误", zap.Error(err))
			}
		}()
	} else {
		logger.Info("未配置 Kafka，状态事件直接投递到本实例的 WebSocket 连接")
		publisher = chatbackend.NewHubPublisher(hub, logger)
	}

	// 6. 初始化 Service 与 Handlers
	chatService := chatbackend.NewService(msgRepo, convoRepo, accountRepo, publisher, logger)

	convoHandler := apiserver.NewConversationHandler(chatService, logger)
	walletHandler := apiserver.NewWalletHandler(chatService, logger)
	sessionHandler := apiserver.NewSessionHandler(tokenBlacklist, logger)
	wsHandler := chatserver.NewWebSocketHandler(appCtx, hub, chatService, cfg.WebSocket, logger)

	// 7. 设置 HTTP 路由
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	apiRouter := r.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(func(next http.Handler) http.Handler {
		return middleware.AuthMiddleware(next, cfg.Auth, tokenBlacklist)
	})

	apiRouter.HandleFunc("/session", sessionHandler.WhoAmIHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/session/logout", sessionHandler.LogoutHandler).Methods(http.MethodPost)

	apiRouter.HandleFunc("/conversations", convoHandler.GetUserConversationsHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/conversations", convoHandler.OpenConversationHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations/{conversationID}/messages", convoHandler.GetConversationMessagesHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/conversations/{conversationID}/messages", convoHandler.CreateMessageHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations/{conversationID}/read", convoHandler.MarkReadHandler).Methods(http.MethodPost)

	apiRouter.HandleFunc("/wallet/debit", walletHandler.DebitHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/wallet/credit", walletHandler.CreditHandler).Methods(http.MethodPost)

	apiRouter.HandleFunc("/ws", wsHandler.ServeWS).Methods(http.MethodGet)

	// 8. CORS
	corsOptions := []handlers.CORSOption{
		handlers.AllowedOrigins(cfg.APIServer.CORS.AllowedOrigins),
		handlers.AllowedMethods(cfg.APIServer.CORS.AllowedMethods),
		handlers.AllowedHeaders(cfg.APIServer.CORS.AllowedHeaders),
		handlers.ExposedHeaders(cfg.APIServer.CORS.ExposedHeaders),
		handlers.MaxAge(cfg.APIServer.CORS.MaxAge),
	}
	if cfg.APIServer.CORS.AllowCredentials {
		corsOptions = append(corsOptions, handlers.AllowCredentials())
	}

	serverAddr := fmt.Sprintf("%s:%s", cfg.APIServer.Host, cfg.APIServer.Port)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      handlers.CORS(corsOptions...)(r),
		ReadTimeout:  cfg.APIServer.ReadTimeout,
		WriteTimeout: cfg.APIServer.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("API 服务器启动", zap.String("addr", serverAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("API 服务器启动失败", zap.Error(err))
		}
	}()

	// 9. 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("收到关闭信号，正在关闭 API 服务器...")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		logger.Error("API 服务器强制关闭", zap.Error(err))
	}

	cancelApp()
	consumers.Wait()
	logger.Info("API 服务器已成功关闭")
}
