package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ChatConfig 保存客户端消息核心的时间参数。
type ChatConfig struct {
	TypingDebounce      time.Duration `mapstructure:"TYPING_DEBOUNCE"`      // 本地输入广播的去抖时间
	TypingVisibility    time.Duration `mapstructure:"TYPING_VISIBILITY"`    // 远端"正在输入"的显示时长
	ConfirmationTimeout time.Duration `mapstructure:"CONFIRMATION_TIMEOUT"` // pending/sent 等待确认的上限
	HistoryPageSize     int           `mapstructure:"HISTORY_PAGE_SIZE"`
	SendTimeout         time.Duration `mapstructure:"SEND_TIMEOUT"`
}

// GiftConfig 保存礼物交易补偿（退款）的重试参数。
type GiftConfig struct {
	CompensationRetries  uint64        `mapstructure:"COMPENSATION_RETRIES"`
	CompensationInterval time.Duration `mapstructure:"COMPENSATION_INTERVAL"`
}

// BackendConfig 描述客户端访问的 REST 后端。
type BackendConfig struct {
	BaseURL string        `mapstructure:"BASE_URL"`
	Timeout time.Duration `mapstructure:"TIMEOUT"`
	// 熔断器参数
	BreakerMaxFailures uint32        `mapstructure:"BREAKER_MAX_FAILURES"`
	BreakerOpenTimeout time.Duration `mapstructure:"BREAKER_OPEN_TIMEOUT"`
}

// SessionConfig 是客户端当前登录用户的会话。
type SessionConfig struct {
	Token string `mapstructure:"TOKEN"` // 后端签发的 JWT
}

// PresenceConfig 选择状态事件的来源。
type PresenceConfig struct {
	Source string `mapstructure:"SOURCE"` // "websocket" 或 "kafka"
	WSURL  string `mapstructure:"WS_URL"`
}

// APIServerConfig 保存 API 服务器特有的配置。
type APIServerConfig struct {
	Host         string        `mapstructure:"HOST"`
	Port         string        `mapstructure:"PORT"`
	ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
	WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
	CORS         CORSConfig    `mapstructure:"CORS"`
}

// CORSConfig holds configuration for CORS.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"ALLOWED_ORIGINS"`
	AllowedMethods   []string `mapstructure:"ALLOWED_METHODS"`
	AllowedHeaders   []string `mapstructure:"ALLOWED_HEADERS"`
	ExposedHeaders   []string `mapstructure:"EXPOSED_HEADERS"`
	AllowCredentials bool     `mapstructure:"ALLOW_CREDENTIALS"`
	MaxAge           int      `mapstructure:"MAX_AGE"`
}

// RedisConfig holds configuration for Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"ADDR"`
	Password string `mapstructure:"PASSWORD"`
	DB       int    `mapstructure:"DB"`
}

// Config holds all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	AppName    string          `mapstructure:"APP_NAME"`
	AppVersion string          `mapstructure:"APP_VERSION"`
	LogLevel   string          `mapstructure:"LOG_LEVEL"`
	LogDev     bool            `mapstructure:"LOG_DEV"`
	Chat       ChatConfig      `mapstructure:"CHAT"`
	Gift       GiftConfig      `mapstructure:"GIFT"`
	Backend    BackendConfig   `mapstructure:"BACKEND"`
	Session    SessionConfig   `mapstructure:"SESSION"`
	Presence   PresenceConfig  `mapstructure:"PRESENCE"`
	APIServer  APIServerConfig `mapstructure:"API_SERVER"`
	Kafka      KafkaConfig     `mapstructure:"KAFKA"`
	Database   DatabaseConfig  `mapstructure:"DATABASE"`
	Auth       AuthConfig      `mapstructure:"AUTH"`
	WebSocket  WebSocketConfig `mapstructure:"WEBSOCKET"`
	Redis      RedisConfig     `mapstructure:"REDIS"`
}

// KafkaConfig holds configuration for Kafka.
type KafkaConfig struct {
	Brokers       []string `mapstructure:"BROKERS"`
	ClientID      string   `mapstructure:"CLIENT_ID"`
	StatusTopic   string   `mapstructure:"STATUS_TOPIC"` // 消息状态事件（delivered/read）
	ConsumerGroup string   `mapstructure:"CONSUMER_GROUP"`
	Protocol      string   `mapstructure:"PROTOCOL"`
}

// DatabaseConfig holds configuration for the database.
type DatabaseConfig struct {
	Type     string `mapstructure:"TYPE"`
	Host     string `mapstructure:"HOST"`
	Port     int    `mapstructure:"PORT"`
	User     string `mapstructure:"USER"`
	Password string `mapstructure:"PASSWORD"`
	DBName   string `mapstructure:"DB_NAME"`
	SSLMode  string `mapstructure:"SSL_MODE"`
}

// AuthConfig holds configuration for authentication (e.g., JWT).
type AuthConfig struct {
	JWTSecretKey string        `mapstructure:"JWT_SECRET_KEY"`
	JWTExpiry    time.Duration `mapstructure:"JWT_EXPIRY"`
}

// WebSocketConfig holds configuration for WebSocket connections.
type WebSocketConfig struct {
	WriteWaitSeconds    int `mapstructure:"WRITE_WAIT_SECONDS"`
	PongWaitSeconds     int `mapstructure:"PONG_WAIT_SECONDS"`
	PingPeriodSeconds   int `mapstructure:"PING_PERIOD_SECONDS"`
	MaxMessageSizeBytes int `mapstructure:"MAX_MESSAGE_SIZE_BYTES"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()

	v.SetDefault("APP_NAME", "im-client")
	v.SetDefault("APP_VERSION", "0.1.0")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_DEV", false)

	// Chat core
	v.SetDefault("CHAT.TYPING_DEBOUNCE", 1000*time.Millisecond)
	v.SetDefault("CHAT.TYPING_VISIBILITY", 3000*time.Millisecond)
	v.SetDefault("CHAT.CONFIRMATION_TIMEOUT", 30*time.Second)
	v.SetDefault("CHAT.HISTORY_PAGE_SIZE", 50)
	v.SetDefault("CHAT.SEND_TIMEOUT", 15*time.Second)

	v.SetDefault("GIFT.COMPENSATION_RETRIES", 5)
	v.SetDefault("GIFT.COMPENSATION_INTERVAL", 200*time.Millisecond)

	v.SetDefault("BACKEND.BASE_URL", "http://localhost:8081/api/v1")
	v.SetDefault("BACKEND.TIMEOUT", 10*time.Second)
	v.SetDefault("BACKEND.BREAKER_MAX_FAILURES", 5)
	v.SetDefault("BACKEND.BREAKER_OPEN_TIMEOUT", 30*time.Second)

	v.SetDefault("SESSION.TOKEN", "")

	v.SetDefault("PRESENCE.SOURCE", "websocket")
	v.SetDefault("PRESENCE.WS_URL", "ws://localhost:8081/api/v1/ws")

	// APIServer Defaults
	v.SetDefault("API_SERVER.HOST", "0.0.0.0")
	v.SetDefault("API_SERVER.PORT", "8081")
	v.SetDefault("API_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("API_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("API_SERVER.CORS.ALLOWED_ORIGINS", []string{"http://localhost:5173"})
	v.SetDefault("API_SERVER.CORS.ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("API_SERVER.CORS.ALLOWED_HEADERS", []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"})
	v.SetDefault("API_SERVER.CORS.EXPOSED_HEADERS", []string{"Content-Length"})
	v.SetDefault("API_SERVER.CORS.ALLOW_CREDENTIALS", true)
	v.SetDefault("API_SERVER.CORS.MAX_AGE", 300) // 5 minutes

	// Kafka Defaults
	v.SetDefault("KAFKA.BROKERS", []string{"localhost:9092"})
	v.SetDefault("KAFKA.CLIENT_ID", "im-client")
	v.SetDefault("KAFKA.STATUS_TOPIC", "im-message-status")
	v.SetDefault("KAFKA.CONSUMER_GROUP", "im-status-fanout")

	// Database Defaults (Example for PostgreSQL)
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.HOST", "localhost")
	v.SetDefault("DATABASE.PORT", 5432)
	v.SetDefault("DATABASE.USER", "postgres")
	v.SetDefault("DATABASE.PASSWORD", "password")
	v.SetDefault("DATABASE.DB_NAME", "im_client_db")
	v.SetDefault("DATABASE.SSL_MODE", "disable")

	// Auth Defaults
	v.SetDefault("AUTH.JWT_SECRET_KEY", "a_very_secret_key_that_should_be_changed")
	v.SetDefault("AUTH.JWT_EXPIRY", 24*time.Hour)

	v.SetDefault("REDIS.ADDR", "localhost:6379")
	v.SetDefault("REDIS.PASSWORD", "")
	v.SetDefault("REDIS.DB", 0)

	// WebSocket Defaults
	v.SetDefault("WEBSOCKET.WRITE_WAIT_SECONDS", 10)
	v.SetDefault("WEBSOCKET.PONG_WAIT_SECONDS", 60)
	v.SetDefault("WEBSOCKET.PING_PERIOD_SECONDS", 54) // (60 * 9) / 10
	v.SetDefault("WEBSOCKET.MAX_MESSAGE_SIZE_BYTES", 4096)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.AutomaticEnv()
	// For nested structs, viper uses underscore: CHAT_CONFIRMATION_TIMEOUT
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err = v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return
		}
		// no config file, defaults and env apply
		err = nil
	}

	err = v.Unmarshal(&config)
	return
}
