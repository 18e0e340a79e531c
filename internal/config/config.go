// Package config 載入服務配置
//
// 載入順序：.env（可選）→ YAML 檔（可選）→ 環境變數覆蓋 → 驗證。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Redis struct {
		Enabled      bool          `yaml:"enabled"`
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	Postgres struct {
		Enabled  bool   `yaml:"enabled"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	NATS struct {
		Enabled    bool   `yaml:"enabled"`
		URL        string `yaml:"url"`
		StreamName string `yaml:"stream_name"`
		Subject    string `yaml:"subject"`
	} `yaml:"nats"`

	Auth struct {
		Secret string `yaml:"secret"`
		Issuer string `yaml:"issuer"`
	} `yaml:"auth"`

	Game struct {
		JoinTimeout   time.Duration `yaml:"join_timeout"`   // waiting 房間無人加入的保留時間
		Retention     time.Duration `yaml:"retention"`      // 終局房間保留時間（含再戰窗口）
		SweepInterval time.Duration `yaml:"sweep_interval"` // 清理週期
	} `yaml:"game"`

	Matchmaking struct {
		PassInterval        time.Duration `yaml:"pass_interval"`
		QueueUpdateInterval time.Duration `yaml:"queue_update_interval"`
		WidenAfter          time.Duration `yaml:"widen_after"`
		MaxRadius           int           `yaml:"max_radius"`
		MaxWait             time.Duration `yaml:"max_wait"`
	} `yaml:"matchmaking"`

	RateLimit struct {
		Backend       string        `yaml:"backend"` // "memory" 或 "redis"
		PerLevelBonus float64       `yaml:"per_level_bonus"`
		MaxMultiplier float64       `yaml:"max_multiplier"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"rate_limit"`

	Realtime struct {
		GracePeriod time.Duration `yaml:"grace_period"`
		SendBuffer  int           `yaml:"send_buffer"`
	} `yaml:"realtime"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"log"`
}

// Default 返回預設配置
func Default() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.ReadTimeout = 3 * time.Second
	cfg.Redis.WriteTimeout = 3 * time.Second

	cfg.Postgres.Host = "localhost"
	cfg.Postgres.Port = 5432
	cfg.Postgres.User = "postgres"
	cfg.Postgres.Password = "postgres"
	cfg.Postgres.DBName = "tictactoe"
	cfg.Postgres.MaxConns = 10
	cfg.Postgres.MinConns = 2

	cfg.NATS.URL = "nats://localhost:4222"
	cfg.NATS.StreamName = "GAMES"
	cfg.NATS.Subject = "games"

	cfg.Auth.Secret = "change-me-in-production"
	cfg.Auth.Issuer = "tictactoe"

	cfg.Game.JoinTimeout = 5 * time.Minute
	cfg.Game.Retention = 10 * time.Minute
	cfg.Game.SweepInterval = 30 * time.Second

	cfg.Matchmaking.PassInterval = time.Second
	cfg.Matchmaking.QueueUpdateInterval = 5 * time.Second
	cfg.Matchmaking.WidenAfter = 15 * time.Second
	cfg.Matchmaking.MaxRadius = 2
	cfg.Matchmaking.MaxWait = 5 * time.Minute

	cfg.RateLimit.Backend = "memory"
	cfg.RateLimit.PerLevelBonus = 0.06
	cfg.RateLimit.MaxMultiplier = 2.0
	cfg.RateLimit.SweepInterval = time.Minute

	cfg.Realtime.GracePeriod = 30 * time.Second
	cfg.Realtime.SendBuffer = 64

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Log.Output = "stdout"

	return cfg
}

// Load 載入配置
//
// path 不存在時只使用預設值與環境變數。
func Load(path string) (*Config, error) {
	// .env 只在本機開發使用，不存在不算錯誤
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()

	if path != "" {
		// #nosec G304 - path 來自命令列參數
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv 環境變數覆蓋（生產環境常用）
func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.Enabled = true
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
		c.NATS.Enabled = true
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("RATE_LIMIT_BACKEND"); v != "" {
		c.RateLimit.Backend = v
	}
	return nil
}

// Validate 檢查配置
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret is required"))
	}
	if c.Game.JoinTimeout <= 0 || c.Game.Retention <= 0 || c.Game.SweepInterval <= 0 {
		errs = append(errs, errors.New("game timeouts must be positive"))
	}
	if c.Matchmaking.WidenAfter <= 0 || c.Matchmaking.PassInterval <= 0 {
		errs = append(errs, errors.New("matchmaking intervals must be positive"))
	}
	if c.Matchmaking.MaxRadius < 0 {
		errs = append(errs, errors.New("matchmaking.max_radius must not be negative"))
	}
	if c.RateLimit.MaxMultiplier < 1 {
		errs = append(errs, errors.New("rate_limit.max_multiplier must be >= 1"))
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, errors.New("rate_limit.backend redis requires redis.enabled"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown rate_limit.backend %q", c.RateLimit.Backend))
	}
	if c.Realtime.GracePeriod <= 0 {
		errs = append(errs, errors.New("realtime.grace_period must be positive"))
	}

	return errors.Join(errs...)
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
	)
}
