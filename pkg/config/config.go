package config

import (
	"os"
	"strconv"
)

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

type MQConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type JWTConfig struct {
	Secret string `yaml:"secret"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

// ProcessorConfig points at the external payment processor API.
type ProcessorConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// ScannerConfig controls the approval-deadline sweep.
type ScannerConfig struct {
	IntervalSeconds     int `yaml:"interval_seconds"`
	BatchSize           int `yaml:"batch_size"`
	ClaimTTLSeconds     int `yaml:"claim_ttl_seconds"`
	ApprovalWindowHours int `yaml:"approval_window_hours"`
}

func OverrideDBFromEnv(cfg *DBConfig) {
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.Name = name
	}
}

func OverrideMQFromEnv(cfg *MQConfig) {
	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.URL = url
	}
}

func OverrideRedisFromEnv(cfg *RedisConfig) {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Password = password
	}
}

func OverrideJWTFromEnv(cfg *JWTConfig) {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Secret = secret
	}
}

func OverrideServerFromEnv(cfg *ServerConfig) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
}

func OverrideProcessorFromEnv(cfg *ProcessorConfig) {
	if url := os.Getenv("PROCESSOR_URL"); url != "" {
		cfg.URL = url
	}
	if timeout := os.Getenv("PROCESSOR_TIMEOUT_SECONDS"); timeout != "" {
		if t, err := strconv.Atoi(timeout); err == nil {
			cfg.TimeoutSeconds = t
		}
	}
	if retries := os.Getenv("PROCESSOR_MAX_RETRIES"); retries != "" {
		if r, err := strconv.Atoi(retries); err == nil {
			cfg.MaxRetries = r
		}
	}
}

func OverrideScannerFromEnv(cfg *ScannerConfig) {
	if interval := os.Getenv("SCANNER_INTERVAL_SECONDS"); interval != "" {
		if i, err := strconv.Atoi(interval); err == nil {
			cfg.IntervalSeconds = i
		}
	}
	if batch := os.Getenv("SCANNER_BATCH_SIZE"); batch != "" {
		if b, err := strconv.Atoi(batch); err == nil {
			cfg.BatchSize = b
		}
	}
}
