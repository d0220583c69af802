package provider

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"threadbox/backend/internal/domain"
	"threadbox/backend/internal/mailparse"
)

// SendGrid 事件 Webhook 的签名头。
const (
	sendgridSignatureHeader = "X-Twilio-Email-Event-Webhook-Signature"
	sendgridTimestampHeader = "X-Twilio-Email-Event-Webhook-Timestamp"
)

// SendGridConfig SendGrid 通道配置。
type SendGridConfig struct {
	APIKey string
	// VerificationKey base64 编码的 ECDSA P-256 公钥（DER），
	// 留空时入站签名校验直接拒绝。
	VerificationKey string
	// Host 留空时使用官方 API 端点。
	Host string
	// SignatureTolerance 签名时间戳允许的时钟偏差，零值用默认。
	SignatureTolerance time.Duration
}

// SendGridProvider 通过 SendGrid v3 API 发送，接收 Inbound Parse 转发的入站邮件。
type SendGridProvider struct {
	cfg       SendGridConfig
	publicKey *ecdsa.PublicKey
	nowFunc   func() time.Time
}

// NewSendGridProvider 创建 SendGrid 通道。公钥在启动时解析一次，格式错误立刻暴露。
func NewSendGridProvider(cfg SendGridConfig) (*SendGridProvider, error) {
	if cfg.Host == "" {
		cfg.Host = "https://api.sendgrid.com"
	}
	if cfg.SignatureTolerance <= 0 {
		cfg.SignatureTolerance = defaultSignatureTolerance
	}
	p := &SendGridProvider{cfg: cfg, nowFunc: time.Now}

	if cfg.VerificationKey != "" {
		der, err := base64.StdEncoding.DecodeString(cfg.VerificationKey)
		if err != nil {
			return nil, &SignatureError{Provider: domain.ProviderSendGrid, Reason: "verification key is not valid base64"}
		}
		pub, err := x509.ParsePKIXPublicKey(der)
		if err != nil {
			return nil, &SignatureError{Provider: domain.ProviderSendGrid, Reason: "verification key is not a valid public key"}
		}
		ecKey, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return nil, &SignatureError{Provider: domain.ProviderSendGrid, Reason: "verification key is not an ECDSA key"}
		}
		p.publicKey = ecKey
	}
	return p, nil
}

func (p *SendGridProvider) Type() domain.ProviderType { return domain.ProviderSendGrid }

// Send 通过 v3/mail/send 发送，消息 ID 取响应头 X-Message-Id。
func (p *SendGridProvider) Send(ctx context.Context, from string, req *domain.OutboundRequest) (string, error) {
	m := sgmail.NewV3Mail()
	m.SetFrom(sgmail.NewEmail("", from))
	m.Subject = req.Subject

	personalization := sgmail.NewPersonalization()
	for _, to := range req.To {
		personalization.AddTos(sgmail.NewEmail("", to))
	}
	for _, cc := range req.CC {
		personalization.AddCCs(sgmail.NewEmail("", cc))
	}
	for _, bcc := range req.BCC {
		personalization.AddBCCs(sgmail.NewEmail("", bcc))
	}
	m.AddPersonalizations(personalization)

	if req.Body != "" {
		m.AddContent(sgmail.NewContent("text/plain", req.Body))
	}
	if req.BodyHTML != "" {
		m.AddContent(sgmail.NewContent("text/html", req.BodyHTML))
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
		m.Headers = headers
	}

	for _, att := range req.Attachments {
		attachment := sgmail.NewAttachment()
		attachment.SetContent(base64.StdEncoding.EncodeToString(att.Content))
		attachment.SetType(att.ContentType)
		attachment.SetFilename(att.Filename)
		if att.Inline {
			attachment.SetDisposition("inline")
			attachment.SetContentID(strings.Trim(att.ContentID, "<>"))
		} else {
			attachment.SetDisposition("attachment")
		}
		m.AddAttachment(attachment)
	}

	request := sendgrid.GetRequest(p.cfg.APIKey, "/v3/mail/send", p.cfg.Host)
	request.Method = http.MethodPost
	request.Body = sgmail.GetRequestBody(m)

	response, err := sendgrid.MakeRequestWithContext(ctx, request)
	if err != nil {
		return "", &ProviderError{Provider: domain.ProviderSendGrid, Kind: ErrorKindTransport, Message: "request failed", Err: err}
	}
	if response.StatusCode >= 400 {
		return "", &ProviderError{
			Provider:   domain.ProviderSendGrid,
			Kind:       kindForStatus(response.StatusCode),
			StatusCode: response.StatusCode,
			Message:    strings.TrimSpace(response.Body),
		}
	}

	if ids := response.Headers["X-Message-Id"]; len(ids) > 0 {
		return ids[0], nil
	}
	return "", nil
}

// ParseInboundWebhook 解析 Inbound Parse 的表单。
//
// 勾选了 raw 投递时整封报文在 email 字段里，交给通用解析器；
// 否则从拆好的字段重建。
func (p *SendGridProvider) ParseInboundWebhook(body []byte, header http.Header) (*domain.InboundMessage, error) {
	form, err := parseWebhookForm(body, header)
	if err != nil {
		return nil, &ParseError{Provider: domain.ProviderSendGrid, Reason: "unreadable webhook form", Err: err}
	}

	if raw := form.value("email"); raw != "" {
		inbound := mailparse.ParseRawEmail([]byte(raw))
		inbound.ProviderMessageID = inbound.MessageID
		applySendGridAuthResults(inbound, form)
		return inbound, nil
	}

	from := form.value("from")
	to := form.value("to")
	if from == "" || to == "" {
		return nil, &ParseError{Provider: domain.ProviderSendGrid, Reason: "missing from or to"}
	}

	inbound := &domain.InboundMessage{
		Subject:    form.value("subject"),
		BodyPlain:  form.value("text"),
		BodyHTML:   form.value("html"),
		ReceivedAt: p.nowFunc(),
	}
	// from/to 字段可能带显示名，headers 块里是原始值
	if rawHeaders := form.value("headers"); rawHeaders != "" {
		parsed := mailparse.ParseRawEmail([]byte(rawHeaders + "\r\n\r\n"))
		inbound.Headers = parsed.Headers
		inbound.MessageID = parsed.MessageID
		inbound.InReplyTo = parsed.InReplyTo
		inbound.References = parsed.References
		inbound.FromAddress = parsed.FromAddress
		inbound.ToAddresses = parsed.ToAddresses
		inbound.CC = parsed.CC
	}
	if inbound.FromAddress == "" {
		inbound.FromAddress = mailparse.ExtractAddress(from)
	}
	if len(inbound.ToAddresses) == 0 {
		inbound.ToAddresses = mailparse.ExtractAddressList(to)
	}
	if len(inbound.CC) == 0 {
		inbound.CC = mailparse.ExtractAddressList(form.value("cc"))
	}
	inbound.ProviderMessageID = inbound.MessageID
	applySendGridAuthResults(inbound, form)

	if n, err := strconv.Atoi(form.value("attachments")); err == nil {
		for i := 1; i <= n; i++ {
			fh := form.file("attachment" + strconv.Itoa(i))
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

func applySendGridAuthResults(inbound *domain.InboundMessage, form *webhookForm) {
	if v := form.value("SPF"); v != "" && inbound.SPFVerdict == "" {
		inbound.SPFVerdict = strings.ToLower(v)
	}
	if v := form.value("dkim"); v != "" && inbound.DKIMVerdict == "" {
		// dkim 字段形如 {@example.com : pass}
		if strings.Contains(strings.ToLower(v), "pass") {
			inbound.DKIMVerdict = "pass"
		} else {
			inbound.DKIMVerdict = "fail"
		}
	}
}

// VerifyWebhookSignature 校验 ECDSA P-256 签名，签名覆盖 timestamp+body。
func (p *SendGridProvider) VerifyWebhookSignature(body []byte, header http.Header) error {
	if p.publicKey == nil {
		return &SignatureError{Provider: domain.ProviderSendGrid, Reason: "no verification key configured"}
	}

	signature := header.Get(sendgridSignatureHeader)
	timestamp := header.Get(sendgridTimestampHeader)
	if signature == "" || timestamp == "" {
		return &SignatureError{Provider: domain.ProviderSendGrid, Reason: "missing signature headers"}
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return &SignatureError{Provider: domain.ProviderSendGrid, Reason: "invalid timestamp"}
	}
	if !withinTolerance(p.nowFunc(), ts, p.cfg.SignatureTolerance) {
		return &SignatureError{Provider: domain.ProviderSendGrid, Reason: "timestamp outside tolerance"}
	}

	sigDER, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return &SignatureError{Provider: domain.ProviderSendGrid, Reason: "signature is not valid base64"}
	}

	digest := sha256.Sum256(append([]byte(timestamp), body...))
	if !ecdsa.VerifyASN1(p.publicKey, digest[:], sigDER) {
		return &SignatureError{Provider: domain.ProviderSendGrid, Reason: "signature mismatch"}
	}
	return nil
}
