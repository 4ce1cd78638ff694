// Package config loads the agent and server configuration from the
// environment. A field deployment typically ships these in a systemd unit or
// a .env file next to the binary.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AgentConfig drives the offline-first field terminal.
type AgentConfig struct {
	ServerURL           string
	Username            string
	Password            string
	DataDir             string
	SyncInterval        time.Duration
	SubmitTimeout       time.Duration
	ProbeInterval       time.Duration
	StabilizationWindow time.Duration
	SweepInterval       time.Duration
	PaymentWindow       time.Duration
	MaxAttempts         int
	NATSURL             string
	MetricsAddr         string
	LocalAddr           string
}

// ServerConfig drives the authoritative backend.
type ServerConfig struct {
	Port                  string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
}

func LoadAgent() AgentConfig {
	maxAttempts, err := strconv.Atoi(getEnv("MAX_ATTEMPTS", "5"))
	if err != nil || maxAttempts < 1 {
		maxAttempts = 5
	}
	paymentHours, err := strconv.Atoi(getEnv("PAYMENT_WINDOW_HOURS", "24"))
	if err != nil || paymentHours < 1 {
		paymentHours = 24
	}

	return AgentConfig{
		ServerURL:           getEnv("SERVER_URL", "http://127.0.0.1:8080"),
		Username:            getEnv("AGENT_USERNAME", "agente"),
		Password:            os.Getenv("AGENT_PASSWORD"),
		DataDir:             getEnv("DATA_DIR", "./data"),
		SyncInterval:        getDuration("SYNC_INTERVAL", 30*time.Second),
		SubmitTimeout:       getDuration("SUBMIT_TIMEOUT", 10*time.Second),
		ProbeInterval:       getDuration("PROBE_INTERVAL", 5*time.Second),
		StabilizationWindow: getDuration("STABILIZATION_WINDOW", 10*time.Second),
		SweepInterval:       getDuration("SWEEP_INTERVAL", time.Second),
		PaymentWindow:       time.Duration(paymentHours) * time.Hour,
		MaxAttempts:         maxAttempts,
		NATSURL:             os.Getenv("NATS_URL"),
		MetricsAddr:         os.Getenv("METRICS_ADDR"),
		LocalAddr:           getEnv("LOCAL_ADDR", "127.0.0.1:7070"),
	}
}

func LoadServer() ServerConfig {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}

	return ServerConfig{
		Port:                  getEnv("PORT", "8080"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
	}
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
