package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	DatabaseURL           string
	StoreDriver           string
	TickInterval          time.Duration
	ResubscribeInterval   time.Duration
	DefaultServiceMinutes int
	AbsentPositionCap     int
	Rooms                 []string
	GuestCustomerIDs      []string
	NotifyProvider        string
	NotifyWebhookURL      string
	NotifyWebhookToken    string
	AllowedOrigins        []string
	RateLimitIPPerMinute  int
	RateLimitIPBurst      int
	RateLimitItemPerMin   int
	RateLimitItemBurst    int
}

// Load reads the environment, after merging an optional .env file from the
// working directory.
func Load() Config {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	driver := strings.ToLower(strings.TrimSpace(os.Getenv("STORE_DRIVER")))
	if driver == "" {
		driver = "postgres"
	}

	return Config{
		Port:                  port,
		DatabaseURL:           os.Getenv("DB_DSN"),
		StoreDriver:           driver,
		TickInterval:          readDurationMillis("AUTOMATION_TICK_MS", 1000),
		ResubscribeInterval:   readDurationSeconds("RESUBSCRIBE_SECONDS", 5),
		DefaultServiceMinutes: readInt("DEFAULT_SERVICE_MINUTES", 30),
		AbsentPositionCap:     readInt("ABSENT_POSITION_CAP", 3),
		Rooms:                 readList("ROOMS", nil),
		GuestCustomerIDs:      readList("GUEST_CUSTOMER_IDS", []string{"guest", "anonymous"}),
		NotifyProvider:        os.Getenv("NOTIFY_PROVIDER"),
		NotifyWebhookURL:      os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookToken:    os.Getenv("NOTIFY_WEBHOOK_TOKEN"),
		AllowedOrigins:        readList("WS_ALLOWED_ORIGINS", nil),
		RateLimitIPPerMinute:  readInt("RATE_LIMIT_IP_PER_MINUTE", 600),
		RateLimitIPBurst:      readInt("RATE_LIMIT_IP_BURST", 100),
		RateLimitItemPerMin:   readInt("RATE_LIMIT_ITEM_PER_MINUTE", 30),
		RateLimitItemBurst:    readInt("RATE_LIMIT_ITEM_BURST", 10),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readDurationMillis(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Millisecond
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readList(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
}
