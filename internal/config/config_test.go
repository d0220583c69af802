package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadbox/backend/internal/domain"
)

func TestLoad(t *testing.T) {
	t.Run("默认配置", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.Empty(t, cfg.Database.DSN)
		assert.Equal(t, 25, cfg.Database.MaxOpenConns)
		assert.Equal(t, 0, cfg.RateLimit.PerMinute)
		assert.Equal(t, "1m0s", cfg.IMAP.PollInterval.String())
		assert.Equal(t, "5m0s", cfg.Providers.SignatureTolerance.String())
		assert.Equal(t, 4, cfg.Notify.Workers)
		assert.Equal(t, 256, cfg.Notify.QueueSize)
	})

	t.Run("环境变量覆盖默认值", func(t *testing.T) {
		t.Setenv("THREADBOX_SERVER_PORT", "9090")
		t.Setenv("THREADBOX_LOG_LEVEL", "debug")
		t.Setenv("THREADBOX_MAILGUN_DOMAIN", "mg.example.com")
		t.Setenv("THREADBOX_MAILGUN_API_KEY", "key-test")
		t.Setenv("THREADBOX_RATELIMIT_PER_MINUTE", "30")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, "mg.example.com", cfg.Providers.Mailgun.Domain)
		assert.Equal(t, "key-test", cfg.Providers.Mailgun.APIKey)
		assert.Equal(t, 30, cfg.RateLimit.PerMinute)
	})

	t.Run("过滤规则按逗号切分", func(t *testing.T) {
		t.Setenv("THREADBOX_FILTER_INBOUND_BLOCK", `spam\.net, junk\.org`)

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, []string{`spam\.net`, `junk\.org`}, cfg.Filter.InboundBlock)
	})

	t.Run("非法过滤正则拒绝启动", func(t *testing.T) {
		t.Setenv("THREADBOX_FILTER_OUTBOUND_BLOCK", "[invalid")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "filter.outbound_block")
	})

	t.Run("端口越界拒绝启动", func(t *testing.T) {
		t.Setenv("THREADBOX_SERVER_PORT", "70000")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("负数限流窗口拒绝启动", func(t *testing.T) {
		t.Setenv("THREADBOX_RATELIMIT_PER_HOUR", "-1")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("delete_after必须配合mark_read", func(t *testing.T) {
		t.Setenv("THREADBOX_IMAP_DELETE_AFTER", "true")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mark_read")

		t.Setenv("THREADBOX_IMAP_MARK_READ", "true")
		cfg, err := Load()
		require.NoError(t, err)
		assert.True(t, cfg.IMAP.DeleteAfter)
	})

	t.Run("非法轮询间隔拒绝启动", func(t *testing.T) {
		t.Setenv("THREADBOX_IMAP_POLL_INTERVAL", "often")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("签名时间戳容差可配置", func(t *testing.T) {
		t.Setenv("THREADBOX_PROVIDERS_SIGNATURE_TOLERANCE", "30s")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "30s", cfg.Providers.SignatureTolerance.String())
	})

	t.Run("非正签名容差拒绝启动", func(t *testing.T) {
		t.Setenv("THREADBOX_PROVIDERS_SIGNATURE_TOLERANCE", "-1m")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "signature_tolerance")
	})

	t.Run("通知端点列表", func(t *testing.T) {
		t.Setenv("THREADBOX_NOTIFY_ENDPOINTS", "https://a.example.com/hook,https://b.example.com/hook")
		t.Setenv("THREADBOX_NOTIFY_SECRET", "hook-secret")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Len(t, cfg.Notify.Endpoints, 2)
		assert.Equal(t, "hook-secret", cfg.Notify.Secret)
	})
}

func TestProviderConfigured(t *testing.T) {
	t.Run("按通道凭据判断", func(t *testing.T) {
		cfg := &Config{}
		for _, p := range []domain.ProviderType{
			domain.ProviderMailgun, domain.ProviderSES, domain.ProviderSendGrid,
			domain.ProviderResend, domain.ProviderIMAPSMTP,
		} {
			assert.False(t, cfg.ProviderConfigured(p), string(p))
		}

		cfg.Providers.Mailgun = MailgunConfig{Domain: "mg.example.com", APIKey: "k"}
		cfg.Providers.SES = SESConfig{Region: "us-east-1", AccessKey: "ak"}
		cfg.Providers.SendGrid = SendGridConfig{APIKey: "sg"}
		cfg.Providers.Resend = ResendConfig{APIKey: "re"}
		cfg.Providers.SMTP = SMTPConfig{Host: "smtp.example.com"}

		for _, p := range []domain.ProviderType{
			domain.ProviderMailgun, domain.ProviderSES, domain.ProviderSendGrid,
			domain.ProviderResend, domain.ProviderIMAPSMTP,
		} {
			assert.True(t, cfg.ProviderConfigured(p), string(p))
		}
	})

	t.Run("Mailgun缺少域名视为未配置", func(t *testing.T) {
		cfg := &Config{}
		cfg.Providers.Mailgun.APIKey = "k"
		assert.False(t, cfg.ProviderConfigured(domain.ProviderMailgun))
	})

	t.Run("未知通道返回false", func(t *testing.T) {
		cfg := &Config{}
		assert.False(t, cfg.ProviderConfigured(domain.ProviderType("carrier-pigeon")))
	})
}

func TestParseList(t *testing.T) {
	assert.Empty(t, parseList(""))
	assert.Equal(t, []string{"a"}, parseList("a"))
	assert.Equal(t, []string{"a", "b"}, parseList(" a , b ,"))
}
