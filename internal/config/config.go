package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"threadbox/backend/internal/domain"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到控制台
}

// DatabaseConfig 定义数据库连接配置
type DatabaseConfig struct {
	// DSN PostgreSQL 连接串，留空时使用内存存储
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MailgunConfig Mailgun 通道凭据
type MailgunConfig struct {
	Domain     string
	APIKey     string
	SigningKey string // 留空时复用 APIKey
	BaseURL    string // 欧区账户设置为 https://api.eu.mailgun.net
}

// SESConfig AWS SES 通道凭据
type SESConfig struct {
	Region    string
	AccessKey string
	SecretKey string
}

// SendGridConfig SendGrid 通道凭据
type SendGridConfig struct {
	APIKey          string
	VerificationKey string // Event Webhook 的 ECDSA 公钥（base64 DER）
}

// ResendConfig Resend 通道凭据
type ResendConfig struct {
	APIKey        string
	WebhookSecret string // whsec_ 前缀的签名密钥
}

// SMTPConfig SMTP 外发默认配置（imap_smtp 通道）
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool
}

// ProvidersConfig 汇总所有通道的凭据配置
type ProvidersConfig struct {
	Mailgun  MailgunConfig
	SES      SESConfig
	SendGrid SendGridConfig
	Resend   ResendConfig
	SMTP     SMTPConfig

	// SignatureTolerance 入站 Webhook 签名时间戳允许的时钟偏差，
	// 对所有带时间戳校验的通道生效
	SignatureTolerance time.Duration
}

// FilterConfig 域名过滤规则，全部为正则，逗号分隔
type FilterConfig struct {
	InboundAllow  []string
	InboundBlock  []string
	OutboundAllow []string
	OutboundBlock []string
}

// RateLimitConfig 外发限流配置，0 表示不限制对应窗口
type RateLimitConfig struct {
	PerMinute int
	PerHour   int
}

// IMAPConfig IMAP 轮询的全局默认值，单个收件箱可覆盖
type IMAPConfig struct {
	PollInterval time.Duration
	MarkRead     bool
	DeleteAfter  bool
}

// NotifyConfig 下游事件推送配置
type NotifyConfig struct {
	Endpoints []string // 订阅端点 URL 列表
	Secret    string   // 签名密钥，对所有端点生效
	Workers   int      // 推送协程数
	QueueSize int      // 推送队列长度
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server    ServerConfig
	CORS      CORSConfig
	Log       LogConfig
	Database  DatabaseConfig
	Providers ProvidersConfig
	Filter    FilterConfig
	RateLimit RateLimitConfig
	IMAP      IMAPConfig
	Notify    NotifyConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（最高优先级）
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: THREADBOX_
// 例如: THREADBOX_SERVER_PORT, THREADBOX_MAILGUN_API_KEY
//
// 配置错误一律在启动时报出，不留到运行期。
func Load() (*Config, error) {
	loadEnvFile()

	viper.SetEnvPrefix("threadbox")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")
	viper.SetDefault("database.dsn", "") // 默认为空，使用内存存储
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("mailgun.base_url", "")
	viper.SetDefault("providers.signature_tolerance", "5m")
	viper.SetDefault("smtp.port", 587)
	viper.SetDefault("smtp.use_tls", false)
	viper.SetDefault("filter.inbound_allow", "")
	viper.SetDefault("filter.inbound_block", "")
	viper.SetDefault("filter.outbound_allow", "")
	viper.SetDefault("filter.outbound_block", "")
	viper.SetDefault("ratelimit.per_minute", 0)
	viper.SetDefault("ratelimit.per_hour", 0)
	viper.SetDefault("imap.poll_interval", "1m")
	viper.SetDefault("imap.mark_read", false)
	viper.SetDefault("imap.delete_after", false)
	viper.SetDefault("notify.endpoints", "")
	viper.SetDefault("notify.secret", "")
	viper.SetDefault("notify.workers", 4)
	viper.SetDefault("notify.queue_size", 256)

	connMaxLifetime, err := time.ParseDuration(viper.GetString("database.conn_max_lifetime"))
	if err != nil {
		return nil, fmt.Errorf("invalid database.conn_max_lifetime: %w", err)
	}

	signatureTolerance, err := time.ParseDuration(viper.GetString("providers.signature_tolerance"))
	if err != nil {
		return nil, fmt.Errorf("invalid providers.signature_tolerance: %w", err)
	}

	pollInterval, err := time.ParseDuration(viper.GetString("imap.poll_interval"))
	if err != nil {
		return nil, fmt.Errorf("invalid imap.poll_interval: %w", err)
	}
	if pollInterval <= 0 {
		return nil, fmt.Errorf("imap.poll_interval must be positive")
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		CORS: CORSConfig{
			AllowedOrigins: parseList(viper.GetString("cors.allowed_origins")),
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
		},
		Database: DatabaseConfig{
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Providers: ProvidersConfig{
			Mailgun: MailgunConfig{
				Domain:     viper.GetString("mailgun.domain"),
				APIKey:     viper.GetString("mailgun.api_key"),
				SigningKey: viper.GetString("mailgun.signing_key"),
				BaseURL:    viper.GetString("mailgun.base_url"),
			},
			SES: SESConfig{
				Region:    viper.GetString("ses.region"),
				AccessKey: viper.GetString("ses.access_key"),
				SecretKey: viper.GetString("ses.secret_key"),
			},
			SendGrid: SendGridConfig{
				APIKey:          viper.GetString("sendgrid.api_key"),
				VerificationKey: viper.GetString("sendgrid.verification_key"),
			},
			Resend: ResendConfig{
				APIKey:        viper.GetString("resend.api_key"),
				WebhookSecret: viper.GetString("resend.webhook_secret"),
			},
			SMTP: SMTPConfig{
				Host:     viper.GetString("smtp.host"),
				Port:     viper.GetInt("smtp.port"),
				Username: viper.GetString("smtp.username"),
				Password: viper.GetString("smtp.password"),
				UseTLS:   viper.GetBool("smtp.use_tls"),
			},
			SignatureTolerance: signatureTolerance,
		},
		Filter: FilterConfig{
			InboundAllow:  parseList(viper.GetString("filter.inbound_allow")),
			InboundBlock:  parseList(viper.GetString("filter.inbound_block")),
			OutboundAllow: parseList(viper.GetString("filter.outbound_allow")),
			OutboundBlock: parseList(viper.GetString("filter.outbound_block")),
		},
		RateLimit: RateLimitConfig{
			PerMinute: viper.GetInt("ratelimit.per_minute"),
			PerHour:   viper.GetInt("ratelimit.per_hour"),
		},
		IMAP: IMAPConfig{
			PollInterval: pollInterval,
			MarkRead:     viper.GetBool("imap.mark_read"),
			DeleteAfter:  viper.GetBool("imap.delete_after"),
		},
		Notify: NotifyConfig{
			Endpoints: parseList(viper.GetString("notify.endpoints")),
			Secret:    viper.GetString("notify.secret"),
			Workers:   viper.GetInt("notify.workers"),
			QueueSize: viper.GetInt("notify.queue_size"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate 做 fail-fast 校验，任何一条不满足都拒绝启动。
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	for _, group := range []struct {
		name     string
		patterns []string
	}{
		{"filter.inbound_allow", c.Filter.InboundAllow},
		{"filter.inbound_block", c.Filter.InboundBlock},
		{"filter.outbound_allow", c.Filter.OutboundAllow},
		{"filter.outbound_block", c.Filter.OutboundBlock},
	} {
		for _, pattern := range group.patterns {
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("%s: invalid pattern %q: %w", group.name, pattern, err)
			}
		}
	}

	if c.RateLimit.PerMinute < 0 || c.RateLimit.PerHour < 0 {
		return fmt.Errorf("ratelimit window sizes must not be negative")
	}

	if c.Providers.SignatureTolerance <= 0 {
		return fmt.Errorf("providers.signature_tolerance must be positive")
	}

	if c.IMAP.DeleteAfter && !c.IMAP.MarkRead {
		// 删信必须先置已读，否则一次失败的删除会让同一封邮件反复摄取
		return fmt.Errorf("imap.delete_after requires imap.mark_read")
	}

	if c.Notify.Workers <= 0 || c.Notify.QueueSize <= 0 {
		return fmt.Errorf("notify.workers and notify.queue_size must be positive")
	}

	return nil
}

// ProviderConfigured 判断某个通道是否配置了可用的凭据。
func (c *Config) ProviderConfigured(p domain.ProviderType) bool {
	switch p {
	case domain.ProviderMailgun:
		return c.Providers.Mailgun.APIKey != "" && c.Providers.Mailgun.Domain != ""
	case domain.ProviderSES:
		return c.Providers.SES.Region != "" && c.Providers.SES.AccessKey != ""
	case domain.ProviderSendGrid:
		return c.Providers.SendGrid.APIKey != ""
	case domain.ProviderResend:
		return c.Providers.Resend.APIKey != ""
	case domain.ProviderIMAPSMTP:
		return c.Providers.SMTP.Host != ""
	}
	return false
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 如果文件不存在，静默失败（.env 是可选的）；
// 已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}
	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
