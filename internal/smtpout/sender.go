// Package smtpout 通过外部 SMTP 服务器直发邮件。
package smtpout

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"threadbox/backend/internal/domain"
	"threadbox/backend/internal/mailbuild"
)

// ErrAuth SMTP 认证被服务器拒绝。
var ErrAuth = errors.New("smtp authentication rejected")

// Config SMTP 外发配置。
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	// UseTLS 为真时走隐式 TLS（465），否则明文连接后 STARTTLS。
	UseTLS bool
}

// Sender SMTP 客户端发送器，每次发送建立一条新连接。
type Sender struct {
	cfg     Config
	log     *zap.Logger
	nowFunc func() time.Time
}

// NewSender 创建发送器。
func NewSender(cfg Config, log *zap.Logger) *Sender {
	return &Sender{cfg: cfg, log: log, nowFunc: time.Now}
}

// Send 组装报文并投递给所有收件人，返回使用的 Message-ID。
func (s *Sender) Send(from string, req *domain.OutboundRequest) (string, error) {
	raw, msgID, err := mailbuild.Build(from, req, s.nowFunc())
	if err != nil {
		return "", fmt.Errorf("build message: %w", err)
	}

	client, err := s.dial()
	if err != nil {
		return "", fmt.Errorf("connect to %s:%d: %w", s.cfg.Host, s.cfg.Port, err)
	}
	defer client.Close()

	if s.cfg.Username != "" {
		auth := sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
		if err := client.Auth(auth); err != nil {
			return "", fmt.Errorf("%w: %v", ErrAuth, err)
		}
	}

	if err := client.Mail(from, nil); err != nil {
		return "", fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range req.AllRecipients() {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return "", fmt.Errorf("rcpt to %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return "", fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return "", fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finish message: %w", err)
	}

	if err := client.Quit(); err != nil {
		s.log.Debug("smtp quit 失败", zap.Error(err))
	}

	s.log.Info("邮件已通过 SMTP 投递",
		zap.String("host", s.cfg.Host),
		zap.String("messageId", msgID),
		zap.Int("recipients", len(req.AllRecipients())))
	return msgID, nil
}

func (s *Sender) dial() (*smtp.Client, error) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	tlsConfig := &tls.Config{ServerName: s.cfg.Host}
	if s.cfg.UseTLS {
		return smtp.DialTLS(addr, tlsConfig)
	}
	return smtp.DialStartTLS(addr, tlsConfig)
}
