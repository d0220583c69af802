package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"threadbox/backend/internal/domain"
	"threadbox/backend/internal/mailparse"
)

// MailgunConfig Mailgun 通道配置。
type MailgunConfig struct {
	Domain     string
	APIKey     string
	SigningKey string
	// BaseURL 留空时使用美区端点，欧区账户需改为 https://api.eu.mailgun.net。
	BaseURL string
	// SignatureTolerance 签名时间戳允许的时钟偏差，零值用默认。
	SignatureTolerance time.Duration
}

// MailgunProvider 通过 Mailgun Messages API 发送，接收 Routes 转发的入站邮件。
type MailgunProvider struct {
	cfg        MailgunConfig
	httpClient *http.Client
	nowFunc    func() time.Time
}

// NewMailgunProvider 创建 Mailgun 通道。
func NewMailgunProvider(cfg MailgunConfig) *MailgunProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.mailgun.net"
	}
	if cfg.SigningKey == "" {
		cfg.SigningKey = cfg.APIKey
	}
	if cfg.SignatureTolerance <= 0 {
		cfg.SignatureTolerance = defaultSignatureTolerance
	}
	return &MailgunProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		nowFunc:    time.Now,
	}
}

func (p *MailgunProvider) Type() domain.ProviderType { return domain.ProviderMailgun }

type mailgunSendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Send 以 multipart 表单调用 v3/{domain}/messages。
func (p *MailgunProvider) Send(ctx context.Context, from string, req *domain.OutboundRequest) (string, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	writeField := func(key, value string) {
		if value != "" {
			_ = form.WriteField(key, value)
		}
	}
	writeField("from", from)
	for _, to := range req.To {
		writeField("to", to)
	}
	for _, cc := range req.CC {
		writeField("cc", cc)
	}
	for _, bcc := range req.BCC {
		writeField("bcc", bcc)
	}
	writeField("subject", req.Subject)
	writeField("text", req.Body)
	writeField("html", req.BodyHTML)
	if req.MessageID != "" {
		writeField("h:Message-Id", ensureAngleBrackets(req.MessageID))
	}
	if req.InReplyTo != "" {
		writeField("h:In-Reply-To", ensureAngleBrackets(req.InReplyTo))
	}
	if len(req.References) > 0 {
		refs := make([]string, 0, len(req.References))
		for _, r := range req.References {
			refs = append(refs, ensureAngleBrackets(r))
		}
		writeField("h:References", strings.Join(refs, " "))
	}

	for _, att := range req.Attachments {
		field := "attachment"
		if att.Inline {
			field = "inline"
		}
		fw, err := form.CreateFormFile(field, att.Filename)
		if err != nil {
			return "", &ProviderError{Provider: domain.ProviderMailgun, Kind: ErrorKindValidation, Message: "encode attachment failed", Err: err}
		}
		if _, err := fw.Write(att.Content); err != nil {
			return "", &ProviderError{Provider: domain.ProviderMailgun, Kind: ErrorKindValidation, Message: "encode attachment failed", Err: err}
		}
	}
	if err := form.Close(); err != nil {
		return "", &ProviderError{Provider: domain.ProviderMailgun, Kind: ErrorKindValidation, Message: "finalize form failed", Err: err}
	}

	endpoint := fmt.Sprintf("%s/v3/%s/messages", p.cfg.BaseURL, p.cfg.Domain)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", &ProviderError{Provider: domain.ProviderMailgun, Kind: ErrorKindTransport, Message: "build request failed", Err: err}
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())
	httpReq.SetBasicAuth("api", p.cfg.APIKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", &ProviderError{Provider: domain.ProviderMailgun, Kind: ErrorKindTransport, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", &ProviderError{
			Provider:   domain.ProviderMailgun,
			Kind:       kindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
		}
	}

	var out mailgunSendResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", &ProviderError{Provider: domain.ProviderMailgun, Kind: ErrorKindTransport, Message: "decode response failed", Err: err}
	}
	return strings.Trim(out.ID, "<>"), nil
}

// ParseInboundWebhook 解析 Mailgun Routes 转发的表单。
//
// 配置了原文转发（body-mime）时整封报文交给通用解析器，
// 否则从拆好的表单字段重建消息。
func (p *MailgunProvider) ParseInboundWebhook(body []byte, header http.Header) (*domain.InboundMessage, error) {
	form, err := parseWebhookForm(body, header)
	if err != nil {
		return nil, &ParseError{Provider: domain.ProviderMailgun, Reason: "unreadable webhook form", Err: err}
	}

	if raw := form.value("body-mime"); raw != "" {
		inbound := mailparse.ParseRawEmail([]byte(raw))
		inbound.ProviderMessageID = strings.Trim(form.value("Message-Id"), "<>")
		return inbound, nil
	}

	sender := form.value("sender")
	recipient := form.value("recipient")
	if sender == "" || recipient == "" {
		return nil, &ParseError{Provider: domain.ProviderMailgun, Reason: "missing sender or recipient"}
	}

	inbound := &domain.InboundMessage{
		FromAddress: sender,
		ToAddresses: splitAddresses(recipient),
		CC:          splitAddresses(form.value("Cc")),
		Subject:     form.value("subject"),
		BodyPlain:   form.value("body-plain"),
		BodyHTML:    form.value("body-html"),
		MessageID:   strings.Trim(form.value("Message-Id"), "<>"),
		InReplyTo:   strings.Trim(form.value("In-Reply-To"), "<>"),
		ReceivedAt:  p.nowFunc(),
	}
	inbound.ProviderMessageID = inbound.MessageID
	for _, ref := range strings.Fields(form.value("References")) {
		inbound.References = append(inbound.References, strings.Trim(ref, "<>"))
	}

	// message-headers 是 [[name, value], ...] 形式的 JSON 数组
	if rawHeaders := form.value("message-headers"); rawHeaders != "" {
		var pairs [][2]string
		if err := json.Unmarshal([]byte(rawHeaders), &pairs); err == nil {
			for _, pair := range pairs {
				inbound.Headers = append(inbound.Headers, domain.Header{Name: pair[0], Value: pair[1]})
			}
		}
	}

	if n, err := strconv.Atoi(form.value("attachment-count")); err == nil {
		for i := 1; i <= n; i++ {
			fh := form.file(fmt.Sprintf("attachment-%d", i))
			if fh == nil {
				continue
			}
			content, err := readFormFile(fh)
			if err != nil {
				continue
			}
			inbound.Attachments = append(inbound.Attachments, &domain.InboundAttachment{
				Filename:    fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				Content:     content,
				Size:        int64(len(content)),
				Disposition: "attachment",
			})
		}
	}

	return inbound, nil
}

// VerifyWebhookSignature 校验 Mailgun 的 timestamp/token HMAC 签名。
func (p *MailgunProvider) VerifyWebhookSignature(body []byte, header http.Header) error {
	form, err := parseWebhookForm(body, header)
	if err != nil {
		return &SignatureError{Provider: domain.ProviderMailgun, Reason: "unreadable webhook form"}
	}

	timestamp := form.value("timestamp")
	token := form.value("token")
	signature := form.value("signature")
	if timestamp == "" || token == "" || signature == "" {
		return &SignatureError{Provider: domain.ProviderMailgun, Reason: "missing signature fields"}
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return &SignatureError{Provider: domain.ProviderMailgun, Reason: "invalid timestamp"}
	}
	if !withinTolerance(p.nowFunc(), ts, p.cfg.SignatureTolerance) {
		return &SignatureError{Provider: domain.ProviderMailgun, Reason: "timestamp outside tolerance"}
	}

	mac := hmac.New(sha256.New, []byte(p.cfg.SigningKey))
	mac.Write([]byte(timestamp + token))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return &SignatureError{Provider: domain.ProviderMailgun, Reason: "signature mismatch"}
	}
	return nil
}

// webhookForm 统一 urlencoded 与 multipart 两种提交方式的取值。
type webhookForm struct {
	values url.Values
	files  map[string][]*multipart.FileHeader
}

func (f *webhookForm) value(key string) string { return f.values.Get(key) }

func (f *webhookForm) file(key string) *multipart.FileHeader {
	if fhs := f.files[key]; len(fhs) > 0 {
		return fhs[0]
	}
	return nil
}

func parseWebhookForm(body []byte, header http.Header) (*webhookForm, error) {
	contentType := header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("parse content type: %w", err)
	}

	switch {
	case mediaType == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("parse form body: %w", err)
		}
		return &webhookForm{values: values, files: map[string][]*multipart.FileHeader{}}, nil

	case strings.HasPrefix(mediaType, "multipart/"):
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart body without boundary")
		}
		reader := multipart.NewReader(bytes.NewReader(body), boundary)
		form, err := reader.ReadForm(64 << 20)
		if err != nil {
			return nil, fmt.Errorf("parse multipart body: %w", err)
		}
		values := url.Values{}
		for key, vals := range form.Value {
			values[key] = vals
		}
		return &webhookForm{values: values, files: form.File}, nil

	default:
		return nil, fmt.Errorf("unsupported content type %q", mediaType)
	}
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func splitAddresses(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if addr := strings.TrimSpace(part); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

func ensureAngleBrackets(id string) string {
	id = strings.Trim(id, "<>")
	return "<" + id + ">"
}
