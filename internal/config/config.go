package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// SyncConfig 定义同步编排器的配置
type SyncConfig struct {
	PageSize     int           // 全量同步分页大小，默认 100
	CallTimeout  time.Duration // 单次远程 API 调用超时，默认 30s
	RateLimit    float64       // 远程调用速率上限（次/秒），默认 10
	RateBurst    int           // 速率突发额度，默认 5
	CredsSecret  string        // 凭证加密密钥，至少 16 字符
	ProviderMode string        // 提供商模式: "fake"（开发）；生产环境注入真实适配器
}

// SchedulerConfig 定义同步任务调度器的配置
type SchedulerConfig struct {
	Workers      int           // 工作协程数，默认 4
	QueueSize    int           // 任务队列长度，默认 256
	JobTimeout   time.Duration // 单次同步任务墙钟超时，默认 5m
	MaxAttempts  int           // 最大尝试次数，超过后死信，默认 5
	BaseBackoff  time.Duration // 退避基准，按次数翻倍，默认 5s
	MaxBackoff   time.Duration // 退避上限，默认 5m
	RequeueDelay time.Duration // 抢锁失败后的重新入队延迟，默认 2s
}

// NotifyConfig 定义通知广播器的配置
type NotifyConfig struct {
	BufferSize int           // 每个订阅者的事件缓冲区，默认 16
	KeepAlive  time.Duration // 保活帧间隔，默认 30s
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 彩色输出与详细堆栈
	LogFile     string // 日志文件路径，空表示仅输出到标准输出
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string        // "mysql" 或 "postgres"，空表示内存存储
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 缓存服务配置
type RedisConfig struct {
	Address  string // "host:port"，默认 "localhost:6379"
	Password string
	DB       int
}

// JWTConfig 定义 JWT 认证相关配置
type JWTConfig struct {
	Secret string // 签名密钥，必须至少 32 字符
	Issuer string // 签发者标识，默认 "mailsync"
}

// SMTPConfig 定义出站投递使用的 SMTP 中继配置
type SMTPConfig struct {
	Address  string // 中继地址 "host:port"，默认 "localhost:587"
	Username string
	Password string
	From     string // 默认发件地址
}

// Config 是系统核心配置的根结构体
type Config struct {
	Server    ServerConfig
	Sync      SyncConfig
	Scheduler SchedulerConfig
	Notify    NotifyConfig
	CORS      CORSConfig
	Log       LogConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	SMTP      SMTPConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 加载优先级（从高到低）：系统环境变量 > .env 文件 > 默认值。
// 环境变量前缀: MAILSYNC_，例如 MAILSYNC_SERVER_PORT、MAILSYNC_JWT_SECRET。
func Load() (*Config, error) {
	// .env 文件可选，静默失败
	loadEnvFile()

	viper.SetEnvPrefix("mailsync")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)

	viper.SetDefault("sync.page_size", 100)
	viper.SetDefault("sync.call_timeout", "30s")
	viper.SetDefault("sync.rate_limit", 10.0)
	viper.SetDefault("sync.rate_burst", 5)
	viper.SetDefault("sync.creds_secret", "")
	viper.SetDefault("sync.provider_mode", "fake")

	viper.SetDefault("scheduler.workers", 4)
	viper.SetDefault("scheduler.queue_size", 256)
	viper.SetDefault("scheduler.job_timeout", "5m")
	viper.SetDefault("scheduler.max_attempts", 5)
	viper.SetDefault("scheduler.base_backoff", "5s")
	viper.SetDefault("scheduler.max_backoff", "5m")
	viper.SetDefault("scheduler.requeue_delay", "2s")

	viper.SetDefault("notify.buffer_size", 16)
	viper.SetDefault("notify.keep_alive", "30s")

	viper.SetDefault("cors.allowed_origins", "*")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.log_file", "")

	viper.SetDefault("database.type", "") // 默认为空，使用内存存储
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")

	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("jwt.secret", "")
	viper.SetDefault("jwt.issuer", "mailsync")

	viper.SetDefault("smtp.address", "localhost:587")
	viper.SetDefault("smtp.username", "")
	viper.SetDefault("smtp.password", "")
	viper.SetDefault("smtp.from", "")

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		Sync: SyncConfig{
			PageSize:     viper.GetInt("sync.page_size"),
			CallTimeout:  viper.GetDuration("sync.call_timeout"),
			RateLimit:    viper.GetFloat64("sync.rate_limit"),
			RateBurst:    viper.GetInt("sync.rate_burst"),
			CredsSecret:  viper.GetString("sync.creds_secret"),
			ProviderMode: viper.GetString("sync.provider_mode"),
		},
		Scheduler: SchedulerConfig{
			Workers:      viper.GetInt("scheduler.workers"),
			QueueSize:    viper.GetInt("scheduler.queue_size"),
			JobTimeout:   viper.GetDuration("scheduler.job_timeout"),
			MaxAttempts:  viper.GetInt("scheduler.max_attempts"),
			BaseBackoff:  viper.GetDuration("scheduler.base_backoff"),
			MaxBackoff:   viper.GetDuration("scheduler.max_backoff"),
			RequeueDelay: viper.GetDuration("scheduler.requeue_delay"),
		},
		Notify: NotifyConfig{
			BufferSize: viper.GetInt("notify.buffer_size"),
			KeepAlive:  viper.GetDuration("notify.keep_alive"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitAndTrim(viper.GetString("cors.allowed_origins")),
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			LogFile:     viper.GetString("log.log_file"),
		},
		Database: DatabaseConfig{
			Type:            viper.GetString("database.type"),
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: viper.GetDuration("database.conn_max_lifetime"),
		},
		Redis: RedisConfig{
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: viper.GetString("jwt.secret"),
			Issuer: viper.GetString("jwt.issuer"),
		},
		SMTP: SMTPConfig{
			Address:  viper.GetString("smtp.address"),
			Username: viper.GetString("smtp.username"),
			Password: viper.GetString("smtp.password"),
			From:     viper.GetString("smtp.from"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate 校验配置的基本约束。
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("config: sync page size must be positive")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("config: scheduler workers must be positive")
	}
	if c.Scheduler.MaxAttempts <= 0 {
		return fmt.Errorf("config: scheduler max attempts must be positive")
	}
	if c.Database.Type != "" && c.Database.Type != "mysql" && c.Database.Type != "postgres" {
		return fmt.Errorf("config: unsupported database type %q (supported: mysql, postgres)", c.Database.Type)
	}
	if c.Database.Type != "" && c.Database.DSN == "" {
		return fmt.Errorf("config: database dsn required when database type is set")
	}
	if c.JWT.Secret != "" && len(c.JWT.Secret) < 32 {
		return fmt.Errorf("config: jwt secret must be at least 32 characters")
	}
	return nil
}

// loadEnvFile 尝试加载当前目录或父目录的 .env 文件。
func loadEnvFile() {
	candidates := []string{".env", filepath.Join("..", ".env")}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

// splitAndTrim 把逗号分隔的字符串拆为去空格的切片。
func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
