package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"threadbox/backend/internal/domain"
	"threadbox/backend/internal/mailbuild"
	"threadbox/backend/internal/mailparse"
)

// SESConfig SES 通道配置。
type SESConfig struct {
	Region    string
	AccessKey string
	SecretKey string
	// Endpoint 留空时按 region 推导，测试时可指向本地服务。
	Endpoint string
}

// SESProvider 通过 SESv2 API 发送邮件，通过 SNS 投递接收入站邮件。
type SESProvider struct {
	cfg        SESConfig
	httpClient *http.Client
	signer     *sigv4Signer
	verifier   *snsVerifier
	nowFunc    func() time.Time
}

// NewSESProvider 创建 SES 通道。
func NewSESProvider(cfg SESConfig) *SESProvider {
	client := &http.Client{Timeout: 30 * time.Second}
	return &SESProvider{
		cfg:        cfg,
		httpClient: client,
		signer: &sigv4Signer{
			accessKey: cfg.AccessKey,
			secretKey: cfg.SecretKey,
			region:    cfg.Region,
			service:   "ses",
		},
		verifier: newSNSVerifier(client),
		nowFunc:  time.Now,
	}
}

func (p *SESProvider) Type() domain.ProviderType { return domain.ProviderSES }

func (p *SESProvider) endpoint() string {
	if p.cfg.Endpoint != "" {
		return p.cfg.Endpoint
	}
	return fmt.Sprintf("https://email.%s.amazonaws.com", p.cfg.Region)
}

// sesSendRequest SESv2 outbound-emails 请求体。
// 带附件或自定义头时走 Raw 路径，否则走 Simple 路径。
type sesSendRequest struct {
	FromEmailAddress string          `json:"FromEmailAddress"`
	Destination      *sesDestination `json:"Destination,omitempty"`
	Content          sesContent      `json:"Content"`
}

type sesDestination struct {
	ToAddresses  []string `json:"ToAddresses,omitempty"`
	CcAddresses  []string `json:"CcAddresses,omitempty"`
	BccAddresses []string `json:"BccAddresses,omitempty"`
}

type sesContent struct {
	Simple *sesSimpleContent `json:"Simple,omitempty"`
	Raw    *sesRawContent    `json:"Raw,omitempty"`
}

type sesSimpleContent struct {
	Subject sesText    `json:"Subject"`
	Body    sesBodyMap `json:"Body"`
}

type sesText struct {
	Data    string `json:"Data"`
	Charset string `json:"Charset,omitempty"`
}

type sesBodyMap struct {
	Text *sesText `json:"Text,omitempty"`
	HTML *sesText `json:"Html,omitempty"`
}

type sesRawContent struct {
	Data string `json:"Data"`
}

type sesSendResponse struct {
	MessageID string `json:"MessageId"`
}

type sesErrorResponse struct {
	Message string `json:"message"`
}

// Send 通过 SESv2 JSON API 发送。
//
// 附件、线程头（In-Reply-To/References）Simple 路径无法表达，
// 这类请求先构建完整 RFC822 报文再走 Raw 路径。
func (p *SESProvider) Send(ctx context.Context, from string, req *domain.OutboundRequest) (string, error) {
	body := sesSendRequest{
		FromEmailAddress: from,
	}

	if needsRawContent(req) {
		raw, _, err := mailbuild.Build(from, req, p.nowFunc())
		if err != nil {
			return "", &ProviderError{
				Provider: domain.ProviderSES,
				Kind:     ErrorKindValidation,
				Message:  "build raw message failed",
				Err:      err,
			}
		}
		body.Content.Raw = &sesRawContent{Data: base64.StdEncoding.EncodeToString(raw)}
		body.Destination = &sesDestination{
			ToAddresses:  req.To,
			CcAddresses:  req.CC,
			BccAddresses: req.BCC,
		}
	} else {
		simple := &sesSimpleContent{
			Subject: sesText{Data: req.Subject, Charset: "UTF-8"},
		}
		if req.Body != "" {
			simple.Body.Text = &sesText{Data: req.Body, Charset: "UTF-8"}
		}
		if req.BodyHTML != "" {
			simple.Body.HTML = &sesText{Data: req.BodyHTML, Charset: "UTF-8"}
		}
		body.Content.Simple = simple
		body.Destination = &sesDestination{
			ToAddresses:  req.To,
			CcAddresses:  req.CC,
			BccAddresses: req.BCC,
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", &ProviderError{Provider: domain.ProviderSES, Kind: ErrorKindValidation, Message: "encode request failed", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint()+"/v2/email/outbound-emails", bytes.NewReader(payload))
	if err != nil {
		return "", &ProviderError{Provider: domain.ProviderSES, Kind: ErrorKindTransport, Message: "build request failed", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.signer.Sign(httpReq, payload, p.nowFunc())

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", &ProviderError{Provider: domain.ProviderSES, Kind: ErrorKindTransport, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		var apiErr sesErrorResponse
		_ = json.Unmarshal(respBody, &apiErr)
		msg := apiErr.Message
		if msg == "" {
			msg = string(respBody)
		}
		return "", &ProviderError{
			Provider:   domain.ProviderSES,
			Kind:       kindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    msg,
		}
	}

	var out sesSendResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", &ProviderError{Provider: domain.ProviderSES, Kind: ErrorKindTransport, Message: "decode response failed", Err: err}
	}
	return out.MessageID, nil
}

// needsRawContent 判断请求是否必须走 Raw 路径。
func needsRawContent(req *domain.OutboundRequest) bool {
	return len(req.Attachments) > 0 || req.InReplyTo != "" || len(req.References) > 0 || req.MessageID != ""
}

// sesNotification SNS Notification.Message 内嵌的 SES 收件事件。
type sesNotification struct {
	NotificationType string `json:"notificationType"`
	Mail             struct {
		MessageID string `json:"messageId"`
		Timestamp string `json:"timestamp"`
	} `json:"mail"`
	Receipt struct {
		SpfVerdict   sesVerdict `json:"spfVerdict"`
		DkimVerdict  sesVerdict `json:"dkimVerdict"`
		DmarcVerdict sesVerdict `json:"dmarcVerdict"`
		Action       struct {
			Type     string `json:"type"`
			Encoding string `json:"encoding"`
		} `json:"action"`
	} `json:"receipt"`
	Content string `json:"content"`
}

type sesVerdict struct {
	Status string `json:"status"`
}

// ParseInboundWebhook 解析 SNS 信封内的 SES 收件事件。
//
// SES 的收件规则把完整 RFC822 报文（base64）连同收件回执一起投递，
// 报文交给通用解析器，回执中的认证结论覆盖到解析结果上。
func (p *SESProvider) ParseInboundWebhook(body []byte, header http.Header) (*domain.InboundMessage, error) {
	sns, err := ParseSNSMessage(body)
	if err != nil {
		return nil, err
	}
	if sns.Type != SNSTypeNotification {
		return nil, &ParseError{Provider: domain.ProviderSES, Reason: fmt.Sprintf("SNS message type %q carries no inbound mail", sns.Type)}
	}

	var event sesNotification
	if err := json.Unmarshal([]byte(sns.Message), &event); err != nil {
		return nil, &ParseError{Provider: domain.ProviderSES, Reason: "invalid SES notification payload", Err: err}
	}
	if event.Content == "" {
		return nil, &ParseError{Provider: domain.ProviderSES, Reason: "SES notification carries no message content"}
	}

	raw, err := base64.StdEncoding.DecodeString(event.Content)
	if err != nil {
		// 有的配置直接投递原文
		raw = []byte(event.Content)
	}

	inbound := mailparse.ParseRawEmail(raw)
	inbound.ProviderMessageID = event.Mail.MessageID
	if v := event.Receipt.SpfVerdict.Status; v != "" {
		inbound.SPFVerdict = v
	}
	if v := event.Receipt.DkimVerdict.Status; v != "" {
		inbound.DKIMVerdict = v
	}
	if v := event.Receipt.DmarcVerdict.Status; v != "" {
		inbound.DMARCVerdict = v
	}
	if ts, err := time.Parse(time.RFC3339, event.Mail.Timestamp); err == nil {
		inbound.ReceivedAt = ts
	}
	return inbound, nil
}

// VerifyWebhookSignature 校验 SNS 信封的 RSA 签名。
// SubscriptionConfirmation 在校验通过后自动确认订阅。
func (p *SESProvider) VerifyWebhookSignature(body []byte, header http.Header) error {
	sns, err := ParseSNSMessage(body)
	if err != nil {
		return &SignatureError{Provider: domain.ProviderSES, Reason: "payload is not an SNS envelope"}
	}
	if err := p.verifier.Verify(sns); err != nil {
		return err
	}
	if sns.Type == SNSTypeSubscriptionConfirmation && sns.SubscribeURL != "" {
		if err := p.verifier.confirmSubscription(sns); err != nil {
			return &SignatureError{Provider: domain.ProviderSES, Reason: err.Error()}
		}
	}
	return nil
}
