package internal

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/koopa0/system-design/link-rotator/internal/clicks"
)

// 寫入策略
const (
	RecordModeAtomic          = "atomic"
	RecordModeReadModifyWrite = "read_modify_write"
)

// Token 模式
const (
	TokenModeJWT    = "jwt"
	TokenModeLegacy = "legacy"
)

// 時間序列資料來源
const (
	SeriesSourceLedger  = "ledger"
	SeriesSourceArchive = "archive"
)

// 儲存後端
const (
	StorageRedis  = "redis"
	StorageMemory = "memory"
)

// 舊系統的預設密碼
const defaultAdminSecret = "admin123"

// EntityConfig 設定檔中的 business entity
type EntityConfig struct {
	Name         string   `yaml:"name"`
	Aliases      []string `yaml:"aliases"`
	DefaultLinks []string `yaml:"default_links"`
}

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Storage struct {
		Backend string `yaml:"backend"` // "redis" 或 "memory"
	} `yaml:"storage"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		KeyPrefix    string        `yaml:"key_prefix"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	Rotation struct {
		RecordMode       string `yaml:"record_mode"`        // "atomic" 或 "read_modify_write"
		Timezone         string `yaml:"timezone"`           // dailyClicks 的參考時區
		UserSeparator    string `yaml:"user_separator"`     // userId 後綴分隔字元
		MaxLogLength     int64  `yaml:"max_log_length"`     // 0 表示不限制
		DefaultReadLimit int    `yaml:"default_read_limit"` // GET /clicks 未指定 limit 時
	} `yaml:"rotation"`

	LinkPool struct {
		FallbackFile string `yaml:"fallback_file"` // 舊系統的 JSON 檔案，空字串表示停用
	} `yaml:"linkpool"`

	Series struct {
		Source    string `yaml:"source"` // "ledger" 或 "archive"
		MaxEvents int    `yaml:"max_events"`
	} `yaml:"series"`

	Archive struct {
		Enabled        bool          `yaml:"enabled"`
		NATSURL        string        `yaml:"nats_url"`
		Stream         string        `yaml:"stream"`
		SubjectPrefix  string        `yaml:"subject_prefix"`
		Durable        string        `yaml:"durable"`
		BatchSize      int           `yaml:"batch_size"`
		FlushInterval  time.Duration `yaml:"flush_interval"`
		MaxDeliver     int           `yaml:"max_deliver"`
		PublishTimeout time.Duration `yaml:"publish_timeout"` // 點擊請求等待 PubAck 的上限
	} `yaml:"archive"`

	Admin struct {
		Secret             string        `yaml:"secret"`
		TokenMode          string        `yaml:"token_mode"` // "jwt" 或 "legacy"
		TokenTTL           time.Duration `yaml:"token_ttl"`
		SigningKey         string        `yaml:"signing_key"`
		AcceptLegacyTokens bool          `yaml:"accept_legacy_tokens"`
	} `yaml:"admin"`

	Entities []EntityConfig `yaml:"entities"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load 載入配置檔案
//
// 順序：.env → YAML → 環境變數覆蓋 → 預設值 → 驗證。
// .env 不存在時忽略。
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	// #nosec G304 - path 來自啟動參數，非使用者輸入
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 解析 YAML 內容（不套用環境變數與預設值）
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// applyEnv 環境變數覆蓋（生產環境常用）
func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.Archive.NATSURL = v
	}
	if v := os.Getenv("STATS_PASSWORD"); v != "" {
		c.Admin.Secret = v
	}
	if v := os.Getenv("ADMIN_SIGNING_KEY"); v != "" {
		c.Admin.SigningKey = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
}

// ApplyDefaults 填入零值欄位
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageRedis
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	if c.Rotation.RecordMode == "" {
		c.Rotation.RecordMode = RecordModeAtomic
	}
	if c.Rotation.Timezone == "" {
		c.Rotation.Timezone = "UTC"
	}
	if c.Rotation.UserSeparator == "" {
		c.Rotation.UserSeparator = "_"
	}
	if c.Rotation.DefaultReadLimit == 0 {
		c.Rotation.DefaultReadLimit = 1000
	}

	if c.Series.Source == "" {
		c.Series.Source = SeriesSourceLedger
	}
	if c.Series.MaxEvents == 0 {
		c.Series.MaxEvents = 1000
	}

	if c.Archive.NATSURL == "" {
		c.Archive.NATSURL = "nats://localhost:4222"
	}
	if c.Archive.Stream == "" {
		c.Archive.Stream = "CLICKS"
	}
	if c.Archive.SubjectPrefix == "" {
		c.Archive.SubjectPrefix = "clicks"
	}
	if c.Archive.Durable == "" {
		c.Archive.Durable = "click-archiver"
	}
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = 100
	}
	if c.Archive.FlushInterval == 0 {
		c.Archive.FlushInterval = time.Second
	}
	if c.Archive.MaxDeliver == 0 {
		c.Archive.MaxDeliver = 20
	}
	if c.Archive.PublishTimeout == 0 {
		c.Archive.PublishTimeout = time.Second
	}

	if c.Admin.Secret == "" {
		c.Admin.Secret = defaultAdminSecret
	}
	if c.Admin.TokenMode == "" {
		c.Admin.TokenMode = TokenModeJWT
	}
	if c.Admin.TokenTTL == 0 {
		c.Admin.TokenTTL = 24 * time.Hour
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate 檢查配置
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case StorageRedis, StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend))
	}

	switch c.Rotation.RecordMode {
	case RecordModeAtomic, RecordModeReadModifyWrite:
	default:
		errs = append(errs, fmt.Errorf("rotation.record_mode: unknown mode %q", c.Rotation.RecordMode))
	}

	if _, err := time.LoadLocation(c.Rotation.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("rotation.timezone: %w", err))
	}

	if c.Rotation.MaxLogLength < 0 {
		errs = append(errs, errors.New("rotation.max_log_length must not be negative"))
	}

	if c.Rotation.DefaultReadLimit < 0 {
		errs = append(errs, errors.New("rotation.default_read_limit must not be negative"))
	}

	switch c.Series.Source {
	case SeriesSourceLedger, SeriesSourceArchive:
	default:
		errs = append(errs, fmt.Errorf("series.source: unknown source %q", c.Series.Source))
	}

	// -1 在 JetStream 代表無限重送
	if c.Archive.MaxDeliver < 0 {
		errs = append(errs, errors.New("archive.max_deliver must be positive"))
	}

	switch c.Admin.TokenMode {
	case TokenModeJWT, TokenModeLegacy:
	default:
		errs = append(errs, fmt.Errorf("admin.token_mode: unknown mode %q", c.Admin.TokenMode))
	}

	if _, err := clicks.NewRegistry(c.EntitySpecs()); err != nil {
		errs = append(errs, fmt.Errorf("entities: %w", err))
	}

	return errors.Join(errs...)
}

// Location dailyClicks 使用的時區
//
// Validate 已檢查過，失敗時退回 UTC。
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Rotation.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// EntitySpecs 轉換為 registry 使用的格式
func (c *Config) EntitySpecs() []clicks.EntitySpec {
	specs := make([]clicks.EntitySpec, 0, len(c.Entities))
	for _, e := range c.Entities {
		specs = append(specs, clicks.EntitySpec{
			Name:         e.Name,
			Aliases:      e.Aliases,
			DefaultLinks: e.DefaultLinks,
		})
	}
	return specs
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
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

// SigningKey JWT 簽章金鑰，未設定時使用管理密碼
func (c *Config) SigningKey() string {
	if strings.TrimSpace(c.Admin.SigningKey) != "" {
		return c.Admin.SigningKey
	}
	return c.Admin.Secret
}
