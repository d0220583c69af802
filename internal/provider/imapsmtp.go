package provider

import (
	"context"
	"errors"
	"net/http"

	"threadbox/backend/internal/domain"
	"threadbox/backend/internal/smtpout"
)

// IMAPSMTPProvider 自建邮箱通道。
//
// 外发走 SMTP 直连，入站由 IMAP 轮询负责，不存在 Webhook 面。
type IMAPSMTPProvider struct {
	sender *smtpout.Sender
}

// NewIMAPSMTPProvider 创建自建邮箱通道。
func NewIMAPSMTPProvider(sender *smtpout.Sender) *IMAPSMTPProvider {
	return &IMAPSMTPProvider{sender: sender}
}

func (p *IMAPSMTPProvider) Type() domain.ProviderType { return domain.ProviderIMAPSMTP }

// Send 委托给 SMTP 发送器，失败统一归为 transport 类错误。
// 认证失败由底层错误文本区分意义不大，上层按不可重试处理。
func (p *IMAPSMTPProvider) Send(ctx context.Context, from string, req *domain.OutboundRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &ProviderError{Provider: domain.ProviderIMAPSMTP, Kind: ErrorKindTransport, Message: "context cancelled", Err: err}
	}
	msgID, err := p.sender.Send(from, req)
	if err != nil {
		kind := ErrorKindTransport
		if errors.Is(err, smtpout.ErrAuth) {
			kind = ErrorKindAuth
		}
		return "", &ProviderError{Provider: domain.ProviderIMAPSMTP, Kind: kind, Message: err.Error(), Err: err}
	}
	return msgID, nil
}

// ParseInboundWebhook 该通道没有 Webhook 入口。
func (p *IMAPSMTPProvider) ParseInboundWebhook(body []byte, header http.Header) (*domain.InboundMessage, error) {
	return nil, &ParseError{Provider: domain.ProviderIMAPSMTP, Reason: "channel has no webhook surface"}
}

// VerifyWebhookSignature 该通道没有 Webhook 入口。
func (p *IMAPSMTPProvider) VerifyWebhookSignature(body []byte, header http.Header) error {
	return &SignatureError{Provider: domain.ProviderIMAPSMTP, Reason: "channel has no webhook surface"}
}
