package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"threadbox/backend/internal/domain"
)

// defaultSignatureTolerance 签名时间戳允许的默认时钟偏差，
// 通道配置未给出时使用。
const defaultSignatureTolerance = 5 * time.Minute

// withinTolerance 判断 Unix 时间戳 ts 是否落在 now 前后 tolerance 之内。
func withinTolerance(now time.Time, ts int64, tolerance time.Duration) bool {
	skew := now.Unix() - ts
	limit := int64(tolerance / time.Second)
	return skew <= limit && skew >= -limit
}

// Provider 是对外部邮件传输通道的统一抽象。
//
// 五种变体 {Mailgun, SES, SendGrid, Resend, IMAP/SMTP} 都实现
// 同一组能力：发送、解析入站 Webhook、校验 Webhook 签名。
// 具体变体在进程启动时根据配置选定一次，不做逐消息分发。
type Provider interface {
	// Type 返回通道类型。
	Type() domain.ProviderType

	// Send 发送一封邮件，成功时返回服务商侧的消息 ID。
	// 非成功响应映射为 *ProviderError，绝不静默吞错。
	Send(ctx context.Context, from string, req *domain.OutboundRequest) (string, error)

	// ParseInboundWebhook 把服务商的原生载荷转换为规范化的 InboundMessage。
	// 纯转换、无副作用；缺失必要字段时返回 *ParseError。
	// 调用方负责在丢弃前保留原始载荷以供审计。
	ParseInboundWebhook(body []byte, header http.Header) (*domain.InboundMessage, error)

	// VerifyWebhookSignature 校验入站 Webhook 的真实性，
	// 不可信时返回 *SignatureError。
	VerifyWebhookSignature(body []byte, header http.Header) error
}

// ErrorKind 外发失败的分类。
type ErrorKind string

const (
	ErrorKindAuth        ErrorKind = "auth"
	ErrorKindValidation  ErrorKind = "validation"
	ErrorKindTransport   ErrorKind = "transport"
	ErrorKindRateLimited ErrorKind = "rate_limited"
)

// ProviderError 外发失败错误，按 Kind 分类，调用方据此决定重试策略。
type ProviderError struct {
	Provider   domain.ProviderType
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (http %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// kindForStatus 把 HTTP 状态码映射为错误分类。
func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorKindAuth
	case status == http.StatusTooManyRequests:
		return ErrorKindRateLimited
	case status >= 400 && status < 500:
		return ErrorKindValidation
	default:
		return ErrorKindTransport
	}
}

// ParseError 表示 Webhook 载荷畸形或缺失必要字段。
type ParseError struct {
	Provider domain.ProviderType
	Reason   string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: parse inbound webhook: %s", e.Provider, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// SignatureError 表示 Webhook 发送方不可信，拒绝于任何摄取之前。
type SignatureError struct {
	Provider domain.ProviderType
	Reason   string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("%s: webhook signature rejected: %s", e.Provider, e.Reason)
}

// IsParseError 判断错误链中是否有 ParseError。
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// IsSignatureError 判断错误链中是否有 SignatureError。
func IsSignatureError(err error) bool {
	var se *SignatureError
	return errors.As(err, &se)
}
