package internal

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// 預設值（與原始資料模型一致）
const (
	DefaultTimelineMaxSize = 100_000 // 超過此數量觸發淘汰
	DefaultTimelineKeep    = 1_000   // 淘汰後保留的最新 chirp 數
	DefaultImportLang      = "en"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"server"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		DialTimeout  time.Duration `yaml:"dial_timeout"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	// Postgres 只用於匯入紀錄（import_runs），未啟用時匯入器不寫紀錄
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

	Timeline struct {
		MaxSize int64 `yaml:"max_size"`
		Keep    int64 `yaml:"keep"`
	} `yaml:"timeline"`

	Import struct {
		Lang             string  `yaml:"lang"`
		Limit            int     `yaml:"limit"`
		RatePerSecond    float64 `yaml:"rate_per_second"` // 0 表示不限速
		Burst            int     `yaml:"burst"`
		RandomEngagement bool    `yaml:"random_engagement"`
	} `yaml:"import"`

	Snowflake struct {
		NodeID int64 `yaml:"node_id"`
	} `yaml:"snowflake"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"log"`
}

// LoadConfig 載入配置檔案並套用環境變數與預設值
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - path 來自命令列參數，非使用者輸入
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.ApplyEnv()
	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &config, nil
}

// ApplyEnv 套用環境變數覆蓋（容器部署常用）
func (c *Config) ApplyEnv() {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		c.Redis.Password = pw
	}
	if os.Getenv("DATABASE_URL") != "" {
		c.Postgres.Enabled = true
	}
	if node := os.Getenv("SNOWFLAKE_NODE_ID"); node != "" {
		if id, err := strconv.ParseInt(node, 10, 64); err == nil {
			c.Snowflake.NodeID = id
		}
	}
}

// SetDefaults 填入未設定欄位的預設值
func (c *Config) SetDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Timeline.MaxSize == 0 {
		c.Timeline.MaxSize = DefaultTimelineMaxSize
	}
	if c.Timeline.Keep == 0 {
		c.Timeline.Keep = DefaultTimelineKeep
	}
	if c.Import.Lang == "" {
		c.Import.Lang = DefaultImportLang
	}
	if c.Import.Burst == 0 {
		c.Import.Burst = 1
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate 檢查配置
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Timeline.Keep < 0 || c.Timeline.MaxSize < 0 {
		errs = append(errs, errors.New("timeline sizes must be non-negative"))
	}
	if c.Timeline.Keep > c.Timeline.MaxSize {
		errs = append(errs, fmt.Errorf("timeline.keep (%d) exceeds timeline.max_size (%d)",
			c.Timeline.Keep, c.Timeline.MaxSize))
	}
	if c.Import.RatePerSecond < 0 {
		errs = append(errs, errors.New("import.rate_per_second must be non-negative"))
	}
	if c.Snowflake.NodeID < 0 || c.Snowflake.NodeID > 1023 {
		errs = append(errs, fmt.Errorf("snowflake.node_id out of range: %d", c.Snowflake.NodeID))
	}

	return errors.Join(errs...)
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.DBName,
	)
}

// PostgresURL 生成 URL 形式的連線字串（golang-migrate 只接受 URL）
func (c *Config) PostgresURL() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Postgres.User, c.Postgres.Password),
		Host:     net.JoinHostPort(c.Postgres.Host, strconv.Itoa(c.Postgres.Port)),
		Path:     "/" + c.Postgres.DBName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
