package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port          string
	AllowedOrigin string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	StoreID        string
	RemoteAPIURL   string
	RemoteAPIToken string

	LookupTimeoutSeconds   int
	SnapshotRefreshMinutes int
	SnapshotWindowHours    int
	DrainIntervalSeconds   int

	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string

	StoreTaxRatePercent string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:          getEnv("PORT", "8080"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       redisDB,

		StoreID:        getEnv("STORE_ID", "main-store"),
		RemoteAPIURL:   strings.TrimRight(os.Getenv("REMOTE_API_URL"), "/"),
		RemoteAPIToken: strings.TrimSpace(os.Getenv("REMOTE_API_TOKEN")),

		LookupTimeoutSeconds:   getPositiveInt("LOOKUP_TIMEOUT_SECONDS", 10),
		SnapshotRefreshMinutes: getPositiveInt("SNAPSHOT_REFRESH_MINUTES", 5),
		SnapshotWindowHours:    getPositiveInt("SNAPSHOT_WINDOW_HOURS", 72),
		DrainIntervalSeconds:   getPositiveInt("DRAIN_INTERVAL_SECONDS", 30),

		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),

		StoreTaxRatePercent: getEnv("STORE_TAX_RATE_PERCENT", "0"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < 1 {
		return fallback
	}
	return val
}
