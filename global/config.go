package global

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig is the whole process configuration. Values come from the
// environment with code defaults, so a bare `go run .` starts a dev node.
type AppConfig struct {
	NodeID    string // gateway instance id, used for bridge origin tagging
	SnowNode  int64  // snowflake node part
	HTTPAddr  string
	JWTSecret string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MongoURI string
	MongoDB  string

	NatsServers []string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaEnabled bool

	// message limits
	MaxContentRunes int

	// batch write buffer
	BatchingEnabled bool
	BatchFlushEvery time.Duration
	BatchMaxSize    int
	BatchMaxRetries int

	// per-call deadlines
	AuthTimeout  time.Duration
	StoreTimeout time.Duration
}

var Config = defaults()

func defaults() AppConfig {
	return AppConfig{
		NodeID:          "gateway_01",
		SnowNode:        1,
		HTTPAddr:        ":8080",
		JWTSecret:       "mN9b1f8zPq+W2xjX/45sKcVd0TfyoG+3Hp5Z8q9Rj1o=",
		RedisAddr:       "127.0.0.1:6379",
		RedisPassword:   "",
		RedisDB:         0,
		MongoURI:        "mongodb://localhost:27017",
		MongoDB:         "relaychat",
		NatsServers:     []string{"nats://127.0.0.1:4222"},
		KafkaBrokers:    []string{"localhost:9092"},
		KafkaTopic:      "relaychat_notify",
		KafkaEnabled:    false,
		MaxContentRunes: 4096,
		BatchingEnabled: true,
		BatchFlushEvery: time.Second,
		BatchMaxSize:    256,
		BatchMaxRetries: 3,
		AuthTimeout:     5 * time.Second,
		StoreTimeout:    3 * time.Second,
	}
}

// Load overlays environment variables onto the defaults. Call once from main.
func Load() {
	c := &Config
	envStr("RC_NODE_ID", &c.NodeID)
	envInt64("RC_SNOW_NODE", &c.SnowNode)
	envStr("RC_HTTP_ADDR", &c.HTTPAddr)
	envStr("RC_JWT_SECRET", &c.JWTSecret)
	envStr("RC_REDIS_ADDR", &c.RedisAddr)
	envStr("RC_REDIS_PASSWORD", &c.RedisPassword)
	envInt("RC_REDIS_DB", &c.RedisDB)
	envStr("RC_MONGO_URI", &c.MongoURI)
	envStr("RC_MONGO_DB", &c.MongoDB)
	envList("RC_NATS_SERVERS", &c.NatsServers)
	envList("RC_KAFKA_BROKERS", &c.KafkaBrokers)
	envStr("RC_KAFKA_TOPIC", &c.KafkaTopic)
	envBool("RC_KAFKA_ENABLED", &c.KafkaEnabled)
	envInt("RC_MAX_CONTENT_RUNES", &c.MaxContentRunes)
	envBool("RC_BATCHING_ENABLED", &c.BatchingEnabled)
	envDur("RC_BATCH_FLUSH_EVERY", &c.BatchFlushEvery)
	envInt("RC_BATCH_MAX_SIZE", &c.BatchMaxSize)
	envInt("RC_BATCH_MAX_RETRIES", &c.BatchMaxRetries)
	envDur("RC_AUTH_TIMEOUT", &c.AuthTimeout)
	envDur("RC_STORE_TIMEOUT", &c.StoreTimeout)
}

func GetJwtSecret() []byte { return []byte(Config.JWTSecret) }

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDur(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envList(key string, dst *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}
