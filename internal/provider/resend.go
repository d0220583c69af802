package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"threadbox/backend/internal/domain"
	"threadbox/backend/internal/mailparse"
)

// ResendConfig Resend 通道配置。
type ResendConfig struct {
	APIKey string
	// WebhookSecret 形如 whsec_<base64>，用于入站 Webhook 签名校验。
	WebhookSecret string
	// BaseURL 留空时使用官方端点。
	BaseURL string
	// SignatureTolerance 签名时间戳允许的时钟偏差，零值用默认。
	SignatureTolerance time.Duration
}

// ResendProvider 通过 Resend REST API 发送，接收 email.received 事件。
type ResendProvider struct {
	cfg        ResendConfig
	httpClient *http.Client
	nowFunc    func() time.Time
}

// NewResendProvider 创建 Resend 通道。
func NewResendProvider(cfg ResendConfig) *ResendProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.resend.com"
	}
	if cfg.SignatureTolerance <= 0 {
		cfg.SignatureTolerance = defaultSignatureTolerance
	}
	return &ResendProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		nowFunc:    time.Now,
	}
}

func (p *ResendProvider) Type() domain.ProviderType { return domain.ProviderResend }

type resendSendRequest struct {
	From        string             `json:"from"`
	To          []string           `json:"to"`
	CC          []string           `json:"cc,omitempty"`
	BCC         []string           `json:"bcc,omitempty"`
	Subject     string             `json:"subject"`
	Text        string             `json:"text,omitempty"`
	HTML        string             `json:"html,omitempty"`
	Headers     map[string]string  `json:"headers,omitempty"`
	Attachments []resendAttachment `json:"attachments,omitempty"`
}

type resendAttachment struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
	ContentID   string `json:"content_id,omitempty"`
}

type resendSendResponse struct {
	ID string `json:"id"`
}

type resendErrorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Send 调用 POST /emails。
func (p *ResendProvider) Send(ctx context.Context, from string, req *domain.OutboundRequest) (string, error) {
	body := resendSendRequest{
		From:    from,
		To:      req.To,
		CC:      req.CC,
		BCC:     req.BCC,
		Subject: req.Subject,
		Text:    req.Body,
		HTML:    req.BodyHTML,
	}

	headers := map[string]string{}
	if req.MessageID != "" {
		headers["Message-Id"] = ensureAngleBrackets(req.MessageID)
	}
	if req.InReplyTo != "" {
		headers["In-Reply-To"] = ensureAngleBrackets(req.InReplyTo)
	}
	if len(req.References) > 0 {
		refs := make([]string, 0, len(req.References))
		for _, r := range req.References {
			refs = append(refs, ensureAngleBrackets(r))
		}
		headers["References"] = strings.Join(refs, " ")
	}
	if len(headers) > 0 {
		body.Headers = headers
	}

	for _, att := range req.Attachments {
		ra := resendAttachment{
			Filename:    att.Filename,
			Content:     base64.StdEncoding.EncodeToString(att.Content),
			ContentType: att.ContentType,
		}
		if att.Inline {
			ra.ContentID = strings.Trim(att.ContentID, "<>")
		}
		body.Attachments = append(body.Attachments, ra)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", &ProviderError{Provider: domain.ProviderResend, Kind: ErrorKindValidation, Message: "encode request failed", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/emails", bytes.NewReader(payload))
	if err != nil {
		return "", &ProviderError{Provider: domain.ProviderResend, Kind: ErrorKindTransport, Message: "build request failed", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", &ProviderError{Provider: domain.ProviderResend, Kind: ErrorKindTransport, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var apiErr resendErrorResponse
		_ = json.Unmarshal(respBody, &apiErr)
		msg := apiErr.Message
		if msg == "" {
			msg = strings.TrimSpace(string(respBody))
		}
		return "", &ProviderError{
			Provider:   domain.ProviderResend,
			Kind:       kindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    msg,
		}
	}

	var out resendSendResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", &ProviderError{Provider: domain.ProviderResend, Kind: ErrorKindTransport, Message: "decode response failed", Err: err}
	}
	return out.ID, nil
}

// resendEvent Webhook 事件信封。
type resendEvent struct {
	Type string `json:"type"`
	Data struct {
		EmailID string   `json:"email_id"`
		From    string   `json:"from"`
		To      []string `json:"to"`
		CC      []string `json:"cc"`
		Subject string   `json:"subject"`
		Text    string   `json:"text"`
		HTML    string   `json:"html"`
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
		CreatedAt   string `json:"created_at"`
		Attachments []struct {
			Filename    string `json:"filename"`
			ContentType string `json:"content_type"`
			Content     string `json:"content"`
		} `json:"attachments"`
	} `json:"data"`
}

// ParseInboundWebhook 解析 email.received 事件。
func (p *ResendProvider) ParseInboundWebhook(body []byte, header http.Header) (*domain.InboundMessage, error) {
	var event resendEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, &ParseError{Provider: domain.ProviderResend, Reason: "invalid event payload", Err: err}
	}
	if event.Type != "email.received" {
		return nil, &ParseError{Provider: domain.ProviderResend, Reason: fmt.Sprintf("event type %q carries no inbound mail", event.Type)}
	}
	if event.Data.From == "" || len(event.Data.To) == 0 {
		return nil, &ParseError{Provider: domain.ProviderResend, Reason: "missing from or to"}
	}

	inbound := &domain.InboundMessage{
		FromAddress:       mailparse.ExtractAddress(event.Data.From),
		Subject:           event.Data.Subject,
		BodyPlain:         event.Data.Text,
		BodyHTML:          event.Data.HTML,
		ProviderMessageID: event.Data.EmailID,
		ReceivedAt:        p.nowFunc(),
	}
	for _, to := range event.Data.To {
		inbound.ToAddresses = append(inbound.ToAddresses, mailparse.ExtractAddress(to))
	}
	for _, cc := range event.Data.CC {
		inbound.CC = append(inbound.CC, mailparse.ExtractAddress(cc))
	}
	for _, h := range event.Data.Headers {
		inbound.Headers = append(inbound.Headers, domain.Header{Name: h.Name, Value: h.Value})
		switch strings.ToLower(h.Name) {
		case "message-id":
			inbound.MessageID = strings.Trim(strings.TrimSpace(h.Value), "<>")
		case "in-reply-to":
			inbound.InReplyTo = strings.Trim(strings.TrimSpace(h.Value), "<>")
		case "references":
			for _, ref := range strings.Fields(h.Value) {
				inbound.References = append(inbound.References, strings.Trim(ref, "<>"))
			}
		}
	}
	if ts, err := time.Parse(time.RFC3339, event.Data.CreatedAt); err == nil {
		inbound.ReceivedAt = ts
	}
	for _, att := range event.Data.Attachments {
		content, err := base64.StdEncoding.DecodeString(att.Content)
		if err != nil {
			continue
		}
		inbound.Attachments = append(inbound.Attachments, &domain.InboundAttachment{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Content:     content,
			Size:        int64(len(content)),
			Disposition: "attachment",
		})
	}
	return inbound, nil
}

// VerifyWebhookSignature 校验 svix 风格签名。
//
// 待签串为 "{svix-id}.{svix-timestamp}.{body}"，密钥是 whsec_ 前缀
// 后的 base64；signature 头可携带多个空格分隔的 "v1,<sig>" 候选。
func (p *ResendProvider) VerifyWebhookSignature(body []byte, header http.Header) error {
	if p.cfg.WebhookSecret == "" {
		return &SignatureError{Provider: domain.ProviderResend, Reason: "no webhook secret configured"}
	}

	msgID := header.Get("svix-id")
	timestamp := header.Get("svix-timestamp")
	signatures := header.Get("svix-signature")
	if msgID == "" || timestamp == "" || signatures == "" {
		return &SignatureError{Provider: domain.ProviderResend, Reason: "missing signature headers"}
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return &SignatureError{Provider: domain.ProviderResend, Reason: "invalid timestamp"}
	}
	if !withinTolerance(p.nowFunc(), ts, p.cfg.SignatureTolerance) {
		return &SignatureError{Provider: domain.ProviderResend, Reason: "timestamp outside tolerance"}
	}

	secret, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(p.cfg.WebhookSecret, "whsec_"))
	if err != nil {
		return &SignatureError{Provider: domain.ProviderResend, Reason: "webhook secret is not valid base64"}
	}

	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s.%s.", msgID, timestamp)
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	for _, candidate := range strings.Fields(signatures) {
		version, sig, found := strings.Cut(candidate, ",")
		if !found || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return nil
		}
	}
	return &SignatureError{Provider: domain.ProviderResend, Reason: "signature mismatch"}
}
