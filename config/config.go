package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config configures the development signaling relay (cmd/signaling).
type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	APIKey         string
	Redis          RedisConfig
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Password string
	DB       int
}

// ClientConfig configures the call client (cmd/meet).
type ClientConfig struct {
	SignalingURL      string
	APIURL            string
	APIKey            string
	RoomID            string
	UserName          string
	ControlAddr       string
	ControlSecret     string
	STUNURLs          []string
	OfferDelay        time.Duration
	Device            string
	LogLevel          string
	LogPretty         bool
	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

// Load reads the relay configuration. A .env file in the working directory is
// applied first; variables already set in the environment win.
func Load() *Config {
	loadDotEnv()

	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: splitList(originsStr),
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		APIKey:         getEnv("API_KEY", ""),
		Redis: RedisConfig{
			Enabled:  getBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
	}
}

// LoadClient reads the call client configuration.
func LoadClient() *ClientConfig {
	loadDotEnv()

	return &ClientConfig{
		SignalingURL:      getEnv("SIGNALING_URL", "ws://localhost:8080/ws/signal"),
		APIURL:            getEnv("API_URL", "http://localhost:8080"),
		APIKey:            getEnv("API_KEY", ""),
		RoomID:            getEnv("ROOM_ID", ""),
		UserName:          getEnv("USER_NAME", "guest"),
		ControlAddr:       getEnv("CONTROL_ADDR", "127.0.0.1:7070"),
		ControlSecret:     getEnv("CONTROL_SECRET", "change-me-in-production"),
		STUNURLs:          splitList(getEnv("STUN_URLS", "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302")),
		OfferDelay:        getDuration("OFFER_DELAY", time.Second),
		Device:            getEnv("DEVICE", "capture"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogPretty:         getBool("LOG_PRETTY", true),
		ReconnectAttempts: getInt("RECONNECT_ATTEMPTS", 5),
		ReconnectDelay:    getDuration("RECONNECT_DELAY", time.Second),
	}
}

func loadDotEnv() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return n
}

func getBool(key string, defaultValue bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return b
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
