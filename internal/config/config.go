package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv   string
	LogLevel string
	HTTPAddr string

	DBUser        string
	DBPassword    string
	DBName        string
	DBHost        string
	DBPort        string
	RedisHost     string
	RedisPort     string
	RedisPassword string

	BotToken       string
	ChannelID      int64
	PaymentGroupID int64
	AdminChatIDs   []string
	ReturnURL      string

	YookassaShopID string
	YookassaKey    string
	YookassaAPIURL string
	GatewayTimeout time.Duration
	AllowedYooIp   []string
	TrustProxy     bool

	InviteLinkTTL    time.Duration
	ReminderInterval time.Duration
	SnowflakeNode    int64
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	return &Config{
		AppEnv:   getEnv("APP_ENV", "production"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		HTTPAddr: getEnv("HTTP_ADDR", ":10000"),

		DBUser:        getEnv("DB_USER", "postgres"),
		DBPassword:    getEnv("DB_PASSWORD", "postgres"),
		DBName:        getEnv("DB_NAME", "clubpass"),
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBPort:        getEnv("DB_PORT", "5432"),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		BotToken:       getEnv("TELEGRAM_BOT_TOKEN", ""),
		ChannelID:      getEnvInt64("CHANNEL_ID", 0),
		PaymentGroupID: getEnvInt64("PAYMENT_GROUP_ID", 0),
		AdminChatIDs:   splitList(getEnv("ADMIN_CHAT_IDS", "")),
		ReturnURL:      getEnv("RETURN_URL", ""),

		YookassaShopID: getEnv("YOOKASSA_SHOP_ID", ""),
		YookassaKey:    getEnv("YOOKASSA_SECRET_KEY", ""),
		YookassaAPIURL: getEnv("YOOKASSA_API_URL", "https://api.yookassa.ru/v3"),
		GatewayTimeout: getEnvDuration("GATEWAY_TIMEOUT", 15*time.Second),
		AllowedYooIp: []string{
			"185.71.76.0/27",
			"185.71.77.0/27",
			"77.75.153.0/25",
			"77.75.156.11/32",
			"77.75.156.35/32",
			"77.75.154.128/25",
			"2a02:5180::/32",
		},
		TrustProxy: getEnvBool("TRUST_PROXY", false),

		InviteLinkTTL:    getEnvDuration("INVITE_LINK_TTL", 24*time.Hour),
		ReminderInterval: getEnvDuration("REMINDER_INTERVAL", time.Hour),
		SnowflakeNode:    getEnvInt64("SNOWFLAKE_NODE", 1),
	}
}

// Validate reports every missing or malformed required setting at once.
func (c *Config) Validate() error {
	var errs []error
	required := map[string]string{
		"TELEGRAM_BOT_TOKEN":  c.BotToken,
		"YOOKASSA_SHOP_ID":    c.YookassaShopID,
		"YOOKASSA_SECRET_KEY": c.YookassaKey,
		"RETURN_URL":          c.ReturnURL,
	}
	for _, key := range []string{"TELEGRAM_BOT_TOKEN", "YOOKASSA_SHOP_ID", "YOOKASSA_SECRET_KEY", "RETURN_URL"} {
		if strings.TrimSpace(required[key]) == "" {
			errs = append(errs, fmt.Errorf("%s is not defined", key))
		}
	}
	if c.ChannelID == 0 {
		errs = append(errs, errors.New("CHANNEL_ID is not defined"))
	}
	if c.PaymentGroupID == 0 {
		errs = append(errs, errors.New("PAYMENT_GROUP_ID is not defined"))
	}
	if len(c.AdminChatIDs) == 0 {
		errs = append(errs, errors.New("ADMIN_CHAT_IDS is not defined"))
	}
	if c.InviteLinkTTL < 0 {
		errs = append(errs, errors.New("INVITE_LINK_TTL must not be negative"))
	}
	if c.GatewayTimeout <= 0 {
		errs = append(errs, errors.New("GATEWAY_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development" || c.AppEnv == "dev"
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(getEnv(key, ""))
	if value == "" {
		return fallback
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		log.Printf("Invalid %s value %q, using default %d", key, value, fallback)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(getEnv(key, ""))
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Invalid %s value %q, using default %s", key, value, fallback)
		return fallback
	}
	return d
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(getEnv(key, ""))
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}

func splitList(value string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, ok := seen[part]; ok {
			continue
		}
		seen[part] = struct{}{}
		out = append(out, part)
	}
	return out
}
