package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                  string
	DatabaseDriver        string
	DatabaseDSN           string
	JWTSecret             string
	Env                   string
	LogLevel              string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int

	StoreTimeout      time.Duration
	HeartbeatInterval time.Duration
	MessageRate       float64
	MessageBurst      int
	CORSOrigins       []string

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getint 读取正整数环境变量，非法值回落到默认值。
func getint(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getfloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(getenv(key, ""), 64)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func Load() Config {
	var origins []string
	for _, o := range strings.Split(getenv("CORS_ORIGINS", ""), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		DatabaseDriver:        getenv("DATABASE_DRIVER", "postgres"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=parley port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:             getenv("JWT_SECRET", defaultJWTSecret),
		Env:                   getenv("APP_ENV", "dev"),
		LogLevel:              getenv("LOG_LEVEL", "info"),
		AccessTokenTTLMinutes: getint("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTLDays:   getint("REFRESH_TOKEN_TTL_DAYS", 7),
		StoreTimeout:          time.Duration(getint("STORE_TIMEOUT_MS", 5000)) * time.Millisecond,
		HeartbeatInterval:     time.Duration(getint("HEARTBEAT_INTERVAL_SECONDS", 30)) * time.Second,
		MessageRate:           getfloat("MESSAGE_RATE", 5),
		MessageBurst:          getint("MESSAGE_BURST", 10),
		CORSOrigins:           origins,
		VAPIDPublicKey:        getenv("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey:       getenv("VAPID_PRIVATE_KEY", ""),
		VAPIDSubscriber:       getenv("VAPID_SUBSCRIBER", "mailto:admin@parley.local"),
	}
}

// Validate 检查启动必需的配置项，非 dev 环境禁止使用默认 JWT 密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN is required")
	}
	if cfg.DatabaseDriver != "" && cfg.DatabaseDriver != "postgres" && cfg.DatabaseDriver != "sqlite" {
		return errors.New("DATABASE_DRIVER must be postgres or sqlite")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("JWT_SECRET must be set outside dev")
	}
	if (cfg.VAPIDPublicKey == "") != (cfg.VAPIDPrivateKey == "") {
		return errors.New("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}
	return nil
}
