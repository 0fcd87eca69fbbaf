package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all app configuration
type Config struct {
	// Server
	Env      string
	HTTPPort string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// MySQL (system of record)
	MySQLDSN string

	// ClickHouse (optional transfer audit archive)
	ClickhouseAddr     string
	ClickhouseUsername string
	ClickhousePassword string
	ClickhouseTimeout  int

	// Kafka (optional transfer transport)
	KafkaBrokers       []string
	KafkaTopic         string
	KafkaConsumerGroup string
	KafkaBatchSize     int
	KafkaBatchTimeout  int // milliseconds

	// Chain client
	TronGridURL     string
	WalletDaemonURL string
	USDTContract    string
	OperatorAddress string
	AdminWallet     string
	PollIntervalSec int

	// Randomness beacon (empty: local entropy)
	EntropyBeaconURL string

	// Raffle defaults, matching the original bot
	DefaultEntryFee  string
	DefaultHostSplit int
	DefaultDuration  int

	// Payouts
	PayoutMaxAttempts   int
	PayoutBackoffBaseMS int

	// App settings
	EventBufferSize int
	Debug           bool
}

// LoadConfig loads configuration from environment variables, with optional .env file
func LoadConfig() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	cfg := &Config{
		// Server
		Env:      getEnv("ENV", "local"),
		HTTPPort: getEnv("HTTP_PORT", "8080"),

		// Redis
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// MySQL
		MySQLDSN: getEnv("MYSQL_DSN", "raffle:raffle@tcp(localhost:3306)/raffle?charset=utf8mb4&parseTime=True&loc=UTC"),

		// ClickHouse
		ClickhouseAddr:     getEnv("CLICKHOUSE_ADDR", "localhost:9000"),
		ClickhouseUsername: getEnv("CLICKHOUSE_USERNAME", ""),
		ClickhousePassword: getEnv("CLICKHOUSE_PASSWORD", ""),
		ClickhouseTimeout:  getEnvAsInt("CLICKHOUSE_TIMEOUT", 10),

		// Kafka
		KafkaBrokers:       getEnvAsSlice("KAFKA_BROKERS", nil, ","),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "transfers"),
		KafkaConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", "raffle-group"),
		KafkaBatchSize:     getEnvAsInt("KAFKA_BATCH_SIZE", 500),
		KafkaBatchTimeout:  getEnvAsInt("KAFKA_BATCH_TIMEOUT", 3000),

		// Chain
		TronGridURL:     getEnv("TRONGRID_URL", "https://nile.trongrid.io"),
		WalletDaemonURL: getEnv("WALLET_DAEMON_URL", "http://localhost:8090"),
		USDTContract:    getEnv("USDT_CONTRACT", "TXLAQ63Xg1NAzckPwKHvzw7CSEmLMEqcdj"),
		OperatorAddress: getEnv("OPERATOR_ADDRESS", ""),
		AdminWallet:     getEnv("ADMIN_WALLET", ""),
		PollIntervalSec: getEnvAsInt("POLL_INTERVAL", 30),

		EntropyBeaconURL: getEnv("ENTROPY_BEACON_URL", ""),

		// Raffle defaults
		DefaultEntryFee:  getEnv("DEFAULT_ENTRY_FEE", "1"),
		DefaultHostSplit: getEnvAsInt("DEFAULT_HOST_SPLIT", 40),
		DefaultDuration:  getEnvAsInt("DEFAULT_DURATION", 24),

		// Payouts
		PayoutMaxAttempts:   getEnvAsInt("PAYOUT_MAX_ATTEMPTS", 5),
		PayoutBackoffBaseMS: getEnvAsInt("PAYOUT_BACKOFF_BASE", 2000),

		// App settings
		EventBufferSize: getEnvAsInt("EVENT_BUFFER_SIZE", 10000),
		Debug:           getEnvAsBool("DEBUG", false),
	}

	if cfg.AdminWallet == "" {
		cfg.AdminWallet = cfg.OperatorAddress
	}

	return cfg
}

// Helper functions for parsing environment variables
func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	valStr := getEnv(key, "")
	if val, err := strconv.ParseBool(valStr); err == nil {
		return val
	}
	return defaultVal
}

func getEnvAsSlice(key string, defaultVal []string, sep string) []string {
	valStr := getEnv(key, "")
	if valStr == "" {
		return defaultVal
	}
	return strings.Split(valStr, sep)
}
