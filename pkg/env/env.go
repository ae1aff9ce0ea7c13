package env

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds every environment-derived setting the bridge needs to boot.
type Config struct {
	AppEnv  string
	Port    string
	NodeEnv string

	ElevenLabsAPIKey string
	ElevenLabsAgent  string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	CalComAPIKey       string
	CalComBaseURL      string
	CalComTimezone     string
	CalComTimeoutMs    int
	ToolCallTimeoutSec int

	PublicURL          string
	RailwayPublicDomain string

	LogLevel string

	RedisAddr string
	RedisDB   int

	MongoURI   string
	MongoDBName string

	OTELEndpoint string

	JWTSecret         string
	OperatorUsername  string
	OperatorPassHash  string

	URLCacheMinSize int
	URLCacheMaxSize int
	URLCacheTTLSec  int

	AgentConnectTimeoutSec    int
	TelcoStartTimeoutSec      int
	AMDWatchdogSec            int
	VoicemailWatchdogSec      int
	InboundBufferCap          int
	OutboundBufferCap         int

	APIRateLimitRPM int
}

func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	cfg := &Config{
		AppEnv:  getEnv("APP_ENV", "development"),
		Port:    getEnv("PORT", "8080"),
		NodeEnv: getEnv("NODE_ENV", "development"),

		ElevenLabsAPIKey: mustGetEnv("ELEVENLABS_API_KEY"),
		ElevenLabsAgent:  mustGetEnv("ELEVENLABS_AGENT_ID"),

		TwilioAccountSID: mustGetEnv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  mustGetEnv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: mustGetEnv("TWILIO_PHONE_NUMBER"),

		CalComAPIKey:       getEnv("CAL_COM_API_KEY", ""),
		CalComBaseURL:      getEnv("CAL_COM_BASE_URL", "https://api.cal.com"),
		CalComTimezone:     getEnv("CAL_COM_TIMEZONE_DEFAULT", "Australia/Brisbane"),
		CalComTimeoutMs:    getEnvInt("CAL_COM_TIMEOUT_MS", 10000),
		ToolCallTimeoutSec: getEnvInt("TOOL_CALL_TIMEOUT_SEC", 10),

		PublicURL:           getEnv("PUBLIC_URL", ""),
		RailwayPublicDomain: getEnv("RAILWAY_PUBLIC_DOMAIN", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:   getEnvInt("REDIS_DB", 0),

		MongoURI:    getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDBName: getEnv("MONGO_DB_NAME", "voicebridge"),

		OTELEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		JWTSecret:        getEnv("JWT_SECRET", ""),
		OperatorUsername: getEnv("OPERATOR_USERNAME", ""),
		OperatorPassHash: getEnv("OPERATOR_PASSWORD_HASH", ""),

		URLCacheMinSize: getEnvInt("URL_CACHE_MIN_SIZE", 3),
		URLCacheMaxSize: getEnvInt("URL_CACHE_MAX_SIZE", 10),
		URLCacheTTLSec:  getEnvInt("URL_CACHE_TTL_SEC", 300),

		AgentConnectTimeoutSec: getEnvInt("AGENT_CONNECT_TIMEOUT_SEC", 3),
		TelcoStartTimeoutSec:   getEnvInt("TELCO_START_TIMEOUT_SEC", 3),
		AMDWatchdogSec:         getEnvInt("AMD_WATCHDOG_SEC", 60),
		VoicemailWatchdogSec:   getEnvInt("VOICEMAIL_WATCHDOG_SEC", 30),
		InboundBufferCap:       getEnvInt("INBOUND_BUFFER_CAP", 150),
		OutboundBufferCap:      getEnvInt("OUTBOUND_BUFFER_CAP", 150),

		APIRateLimitRPM: getEnvInt("API_RATE_LIMIT_RPM", 60),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func mustGetEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		fmt.Fprintf(os.Stderr, "configuration missing: required environment variable %s is not set\n", key)
		os.Exit(1)
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(strValue)
	if err != nil {
		return defaultValue
	}
	return value
}
