package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppMode string
	LogMode string
	Relay   RelayConfig
	Client  ClientConfig
	Chat    ChatConfig
}

type RelayConfig struct {
	Port          string
	JWTSecret     string
	JWTExpiryMin  int
	DatabaseURL   string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	MessageLimit  int
	S3Region      string
	S3Bucket      string
	S3AccessKey   string
	S3SecretKey   string
	S3Endpoint    string
	S3PublicBase  string
	S3PresignTTL  time.Duration
}

type ClientConfig struct {
	SocketURL   string
	APIBaseURL  string
	Token       string
	Topic       string
	HTTPTimeout time.Duration
}

// ChatConfig holds the timing knobs of the chat core. None of the defaults
// are load-bearing; they can all be overridden from the environment.
type ChatConfig struct {
	HeartbeatInterval     time.Duration
	AutoReconnect         bool
	ReconnectBaseInterval time.Duration
	MaxReconnectAttempts  int
	InactivityTimeout     time.Duration
	InactivityDisabled    bool
	TypingThrottle        time.Duration
	TypingIdleStop        time.Duration
	TypingDecay           time.Duration
	ActiveWindow          time.Duration
	ActiveThrottle        time.Duration
	AckCooldown           time.Duration
	AckRequiresVisible    bool
	SendTimeout           time.Duration
	FetchTimeout          time.Duration
	FailedQueueCap        int
	// RetryInterval is how often failed sends are retried in the
	// background; zero disables it.
	RetryInterval time.Duration
	PageSize      int
}

// DefaultChatConfig returns the chat core timings used when nothing is configured.
func DefaultChatConfig() ChatConfig {
	return ChatConfig{
		HeartbeatInterval:     20 * time.Second,
		AutoReconnect:         true,
		ReconnectBaseInterval: time.Second,
		MaxReconnectAttempts:  5,
		InactivityTimeout:     300 * time.Second,
		TypingThrottle:        2 * time.Second,
		TypingIdleStop:        3 * time.Second,
		TypingDecay:           2 * time.Second,
		ActiveWindow:          20 * time.Second,
		ActiveThrottle:        time.Second,
		AckCooldown:           900 * time.Millisecond,
		AckRequiresVisible:    true,
		SendTimeout:           10 * time.Second,
		FetchTimeout:          10 * time.Second,
		FailedQueueCap:        50,
		RetryInterval:         30 * time.Second,
		PageSize:              30,
	}
}

// LoadConfig reads .env when present, then the environment.
func LoadConfig() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	def := DefaultChatConfig()
	return &Config{
		AppMode: getEnv("APP_MODE", "debug"),
		LogMode: getEnv("LOG_MODE", "development"),
		Relay: RelayConfig{
			Port:          getEnv("RELAY_PORT", "8080"),
			JWTSecret:     getEnv("JWT_SECRET", "change-me"),
			JWTExpiryMin:  getEnvAsInt("JWT_EXPIRY_MIN", 60),
			DatabaseURL:   getEnv("DATABASE_URL", ""),
			RedisHost:     getEnv("REDIS_HOST", ""),
			RedisPort:     getEnv("REDIS_PORT", "6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvAsInt("REDIS_DB", 0),
			MessageLimit:  getEnvAsInt("RELAY_MESSAGE_LIMIT", 120),
			S3Region:      getEnv("S3_REGION", "us-east-1"),
			S3Bucket:      getEnv("S3_BUCKET", ""),
			S3AccessKey:   getEnv("S3_ACCESS_KEY", ""),
			S3SecretKey:   getEnv("S3_SECRET_KEY", ""),
			S3Endpoint:    getEnv("S3_ENDPOINT", ""),
			S3PublicBase:  getEnv("S3_PUBLIC_BASE", ""),
			S3PresignTTL:  getEnvAsDuration("S3_PRESIGN_TTL", 15*time.Minute),
		},
		Client: ClientConfig{
			SocketURL:   getEnv("CHAT_SOCKET_URL", "ws://localhost:8080/ws"),
			APIBaseURL:  getEnv("CHAT_API_URL", "http://localhost:8080"),
			Token:       getEnv("CHAT_TOKEN", ""),
			Topic:       getEnv("CHAT_TOPIC", "chat"),
			HTTPTimeout: getEnvAsDuration("CHAT_HTTP_TIMEOUT", 30*time.Second),
		},
		Chat: ChatConfig{
			HeartbeatInterval:     getEnvAsDuration("CHAT_HEARTBEAT_INTERVAL", def.HeartbeatInterval),
			AutoReconnect:         getEnvAsBool("CHAT_AUTO_RECONNECT", def.AutoReconnect),
			ReconnectBaseInterval: getEnvAsDuration("CHAT_RECONNECT_BASE", def.ReconnectBaseInterval),
			MaxReconnectAttempts:  getEnvAsInt("CHAT_MAX_RECONNECT_ATTEMPTS", def.MaxReconnectAttempts),
			InactivityTimeout:     getEnvAsDuration("CHAT_INACTIVITY_TIMEOUT", def.InactivityTimeout),
			InactivityDisabled:    getEnvAsBool("CHAT_INACTIVITY_DISABLED", def.InactivityDisabled),
			TypingThrottle:        getEnvAsDuration("CHAT_TYPING_THROTTLE", def.TypingThrottle),
			TypingIdleStop:        getEnvAsDuration("CHAT_TYPING_IDLE_STOP", def.TypingIdleStop),
			TypingDecay:           getEnvAsDuration("CHAT_TYPING_DECAY", def.TypingDecay),
			ActiveWindow:          getEnvAsDuration("CHAT_ACTIVE_WINDOW", def.ActiveWindow),
			ActiveThrottle:        getEnvAsDuration("CHAT_ACTIVE_THROTTLE", def.ActiveThrottle),
			AckCooldown:           getEnvAsDuration("CHAT_ACK_COOLDOWN", def.AckCooldown),
			AckRequiresVisible:    getEnvAsBool("CHAT_ACK_REQUIRES_VISIBLE", def.AckRequiresVisible),
			SendTimeout:           getEnvAsDuration("CHAT_SEND_TIMEOUT", def.SendTimeout),
			FetchTimeout:          getEnvAsDuration("CHAT_FETCH_TIMEOUT", def.FetchTimeout),
			FailedQueueCap:        getEnvAsInt("CHAT_FAILED_QUEUE_CAP", def.FailedQueueCap),
			RetryInterval:         getEnvAsDuration("CHAT_RETRY_INTERVAL", def.RetryInterval),
			PageSize:              getEnvAsInt("CHAT_PAGE_SIZE", def.PageSize),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

// getEnvAsDuration accepts Go duration strings ("20s", "900ms").
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}
