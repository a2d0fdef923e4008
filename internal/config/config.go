package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`            // sqlite / postgres
	Path            string        `yaml:"path"`              // sqlite 数据库文件路径
	DSN             string        `yaml:"dsn"`               // postgres 连接串
	MaxOpenConns    int           `yaml:"max_open_conns"`    // 最大连接数
	MaxIdleConns    int           `yaml:"max_idle_conns"`    // 最大空闲连接数
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"` // 连接最大生命周期
	AutoMigrate     bool          `yaml:"auto_migrate"`      // 是否自动迁移
	LogLevel        string        `yaml:"log_level"`         // gorm 日志级别: silent/error/warn/info
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Mode           string   `yaml:"mode"`            // gin 模式: debug/release/test
	OperatorToken  string   `yaml:"operator_token"`  // 运维命令鉴权 Token，为空则不校验
	AllowedOrigins []string `yaml:"allowed_origins"` // 运维控制台跨域来源
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Env   string `yaml:"env"` // dev / prod
	Level string `yaml:"level"`
}

// HealthConfig 健康监测配置
type HealthConfig struct {
	Window           int           `yaml:"window"`            // 每个集群保留的样本数 W
	FailureThreshold int           `yaml:"failure_threshold"` // 连续失败 K 次判定不可达
	SampleTTL        time.Duration `yaml:"sample_ttl"`        // 样本过期时间
	ExpectedInterval time.Duration `yaml:"expected_interval"` // 预期样本间隔，用于判定缺失样本
	ClockSkew        time.Duration `yaml:"clock_skew"`        // 允许样本时间戳超前本地时钟的最大值
	SweepInterval    time.Duration `yaml:"sweep_interval"`    // 缺失样本扫描间隔
	ProbeInterval    time.Duration `yaml:"probe_interval"`    // 主动探测间隔，0 表示关闭
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`     // 单次探测超时
}

// FailoverConfig 故障切换配置
type FailoverConfig struct {
	StabilityPeriod     time.Duration `yaml:"stability_period"`     // 主集群恢复后需持续稳定的时长
	EvaluationInterval  time.Duration `yaml:"evaluation_interval"`  // 稳定期评估间隔
	DispatchConcurrency int           `yaml:"dispatch_concurrency"` // 授权迁移并发数
}

// RedisConfig 事件流配置
type RedisConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	StreamPrefix string `yaml:"stream_prefix"`
	MaxLen       int64  `yaml:"max_len"` // 每个 stream 的近似最大长度
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Config 应用配置
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Health   HealthConfig   `yaml:"health"`
	Failover FailoverConfig `yaml:"failover"`
	Redis    RedisConfig    `yaml:"redis"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// LoadConfig 加载配置：默认值 -> YAML 文件 -> 环境变量
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = os.Getenv("CVP_STANDBY_CONFIG")
	}

	config := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", configPath, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Mode: "release",
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			Path:            "./data/cvp-standby.db",
			MaxOpenConns:    1, // sqlite 单写者
			MaxIdleConns:    1,
			ConnMaxLifetime: time.Hour,
			AutoMigrate:     true,
			LogLevel:        "warn",
		},
		Logging: LoggingConfig{
			Env:   "dev",
			Level: "info",
		},
		Health: HealthConfig{
			Window:           10,
			FailureThreshold: 3,
			SampleTTL:        5 * time.Minute,
			ExpectedInterval: 10 * time.Second,
			ClockSkew:        30 * time.Second,
			SweepInterval:    5 * time.Second,
			ProbeInterval:    10 * time.Second,
			ProbeTimeout:     3 * time.Second,
		},
		Failover: FailoverConfig{
			StabilityPeriod:     2 * time.Minute,
			EvaluationInterval:  5 * time.Second,
			DispatchConcurrency: 8,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Addr:         "localhost:6379",
			StreamPrefix: "cvp-standby",
			MaxLen:       10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	if c.Health.FailureThreshold <= 0 {
		return fmt.Errorf("health.failure_threshold must be positive, got %d", c.Health.FailureThreshold)
	}
	if c.Health.Window < c.Health.FailureThreshold {
		return fmt.Errorf("health.window (%d) must be >= health.failure_threshold (%d)",
			c.Health.Window, c.Health.FailureThreshold)
	}
	if c.Failover.StabilityPeriod < 0 {
		return fmt.Errorf("failover.stability_period must not be negative")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	// 支持环境变量覆盖
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("OPERATOR_TOKEN"); v != "" {
		cfg.Server.OperatorToken = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_ENV"); v != "" {
		cfg.Logging.Env = v
	}
	if v := os.Getenv("HEALTH_FAILURE_THRESHOLD"); v != "" {
		if k, err := strconv.Atoi(v); err == nil {
			cfg.Health.FailureThreshold = k
		}
	}
	if v := os.Getenv("HEALTH_WINDOW"); v != "" {
		if w, err := strconv.Atoi(v); err == nil {
			cfg.Health.Window = w
		}
	}
	if v := os.Getenv("FAILOVER_STABILITY_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Failover.StabilityPeriod = d
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.Redis.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
}
