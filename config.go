package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the runtime configuration, resolved from defaults, an optional
// .env file, STUDYMATE_* environment variables and command line flags.
type Config struct {
	Env               string
	Port              int
	DatabaseURL       string
	JWTSecret         string
	JWTTTL            time.Duration
	RedisURL          string
	LogLevel          string
	CORSOrigins       []string
	RelatedFieldsFile string
	StreakSchedule    string
	AuthRateLimit     float64
	AuthRateBurst     int
	TrustedProxies    trustedProxies
}

const devJWTSecret = "studymate_dev_secret_change_me"

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("env", "development")
	v.SetDefault("port", 8080)
	v.SetDefault("database_url", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("jwt_ttl", 24*time.Hour)
	v.SetDefault("redis_url", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("cors_origins", []string{
		"http://localhost:5173", "http://127.0.0.1:5173",
		"http://localhost:3000", "http://127.0.0.1:3000",
	})
	v.SetDefault("related_fields_file", "")
	v.SetDefault("streak_schedule", "5 0 * * *")
	v.SetDefault("auth_rate_limit", 1.0)
	v.SetDefault("auth_rate_burst", 5)
	v.SetDefault("trusted_proxies", []string{})

	v.SetEnvPrefix("STUDYMATE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	// Unprefixed names kept for docker-compose setups.
	_ = v.BindEnv("database_url", "STUDYMATE_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("jwt_secret", "STUDYMATE_JWT_SECRET", "JWT_SECRET")
	_ = v.BindEnv("env", "STUDYMATE_ENV", "GO_ENV")
	return v
}

// loadDotEnv loads path into the process environment if the file exists.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func loadConfig(v *viper.Viper) (Config, error) {
	cfg := Config{
		Env:               strings.ToLower(v.GetString("env")),
		Port:              v.GetInt("port"),
		DatabaseURL:       v.GetString("database_url"),
		JWTSecret:         v.GetString("jwt_secret"),
		JWTTTL:            v.GetDuration("jwt_ttl"),
		RedisURL:          v.GetString("redis_url"),
		LogLevel:          v.GetString("log_level"),
		CORSOrigins:       splitList(v.GetStringSlice("cors_origins")),
		RelatedFieldsFile: v.GetString("related_fields_file"),
		StreakSchedule:    v.GetString("streak_schedule"),
		AuthRateLimit:     v.GetFloat64("auth_rate_limit"),
		AuthRateBurst:     v.GetInt("auth_rate_burst"),
	}

	if cfg.JWTSecret == "" {
		if !cfg.isDevelopment() {
			return Config{}, errors.New("jwt_secret must be set outside development")
		}
		cfg.JWTSecret = devJWTSecret
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.JWTTTL <= 0 {
		return Config{}, fmt.Errorf("invalid jwt_ttl %s", cfg.JWTTTL)
	}
	if cfg.AuthRateLimit <= 0 || cfg.AuthRateBurst <= 0 {
		return Config{}, errors.New("auth rate limit and burst must be positive")
	}
	proxies, err := parseTrustedProxies(splitList(v.GetStringSlice("trusted_proxies")))
	if err != nil {
		return Config{}, err
	}
	cfg.TrustedProxies = proxies
	return cfg, nil
}

func (c Config) isDevelopment() bool {
	return c.Env == "" || c.Env == "development" || c.Env == "dev"
}

// splitList flattens comma separated entries; env vars arrive as one string.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
