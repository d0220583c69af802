package provider

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"threadbox/backend/internal/cache"
	"threadbox/backend/internal/domain"
)

// SNS 消息类型。
const (
	SNSTypeNotification             = "Notification"
	SNSTypeSubscriptionConfirmation = "SubscriptionConfirmation"
	SNSTypeUnsubscribeConfirmation  = "UnsubscribeConfirmation"
)

// snsCertHostPattern 签名证书 URL 必须命中的 AWS 主机名模式。
// 不匹配的 URL 一律不信任，防止攻击者指定自己的证书地址。
var snsCertHostPattern = regexp.MustCompile(`^sns\.[a-z0-9-]+\.amazonaws\.com(\.cn)?$`)

// SNSMessage SNS 投递的信封结构。
type SNSMessage struct {
	Type             string `json:"Type"`
	MessageID        string `json:"MessageId"`
	Token            string `json:"Token,omitempty"`
	TopicArn         string `json:"TopicArn"`
	Subject          string `json:"Subject,omitempty"`
	Message          string `json:"Message"`
	Timestamp        string `json:"Timestamp"`
	SignatureVersion string `json:"SignatureVersion"`
	Signature        string `json:"Signature"`
	SigningCertURL   string `json:"SigningCertURL"`
	SubscribeURL     string `json:"SubscribeURL,omitempty"`
	UnsubscribeURL   string `json:"UnsubscribeURL,omitempty"`
}

// ParseSNSMessage 解析 SNS 信封。
func ParseSNSMessage(body []byte) (*SNSMessage, error) {
	var msg SNSMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, &ParseError{Provider: domain.ProviderSES, Reason: "invalid SNS envelope", Err: err}
	}
	if msg.Type == "" {
		return nil, &ParseError{Provider: domain.ProviderSES, Reason: "missing SNS message type"}
	}
	return &msg, nil
}

// GetSNSMessageType 返回载荷中的 SNS 消息类型，解析失败时返回空串。
func GetSNSMessageType(body []byte) string {
	msg, err := ParseSNSMessage(body)
	if err != nil {
		return ""
	}
	return msg.Type
}

// IsInboundEvent 判断载荷是否为应进入解析的入站邮件事件。
func IsInboundEvent(body []byte) bool {
	return GetSNSMessageType(body) == SNSTypeNotification
}

// snsVerifier 校验 SNS 消息签名。
//
// 证书按 URL 缓存（显式的有界缓存），避免逐消息拉取。
type snsVerifier struct {
	httpClient *http.Client
	certCache  *cache.LocalCache
}

func newSNSVerifier(client *http.Client) *snsVerifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &snsVerifier{
		httpClient: client,
		certCache:  cache.NewLocalCache(16, time.Hour),
	}
}

// Verify 校验一条 SNS 消息的 X.509 RSA 签名。
func (v *snsVerifier) Verify(msg *SNSMessage) error {
	cert, err := v.fetchCert(msg.SigningCertURL)
	if err != nil {
		return err
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return &SignatureError{Provider: domain.ProviderSES, Reason: "signing certificate does not carry an RSA key"}
	}

	signature, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return &SignatureError{Provider: domain.ProviderSES, Reason: "signature is not valid base64"}
	}

	canonical := msg.canonicalString()

	switch msg.SignatureVersion {
	case "1":
		digest := sha1.Sum([]byte(canonical))
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], signature); err != nil {
			return &SignatureError{Provider: domain.ProviderSES, Reason: "SHA1withRSA verification failed"}
		}
	case "2":
		digest := sha256.Sum256([]byte(canonical))
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature); err != nil {
			return &SignatureError{Provider: domain.ProviderSES, Reason: "SHA256withRSA verification failed"}
		}
	default:
		return &SignatureError{Provider: domain.ProviderSES, Reason: fmt.Sprintf("unsupported signature version %q", msg.SignatureVersion)}
	}

	return nil
}

// canonicalString 按 SNS 规范把字段拼成待签字符串。
// Notification 与订阅确认类消息的字段集合不同。
func (m *SNSMessage) canonicalString() string {
	var pairs []string
	add := func(key, value string) {
		if value != "" {
			pairs = append(pairs, key, value)
		}
	}

	if m.Type == SNSTypeNotification {
		add("Message", m.Message)
		add("MessageId", m.MessageID)
		add("Subject", m.Subject)
		add("Timestamp", m.Timestamp)
		add("TopicArn", m.TopicArn)
		add("Type", m.Type)
	} else {
		add("Message", m.Message)
		add("MessageId", m.MessageID)
		add("SubscribeURL", m.SubscribeURL)
		add("Timestamp", m.Timestamp)
		add("Token", m.Token)
		add("TopicArn", m.TopicArn)
		add("Type", m.Type)
	}

	var b strings.Builder
	for i := 0; i < len(pairs); i += 2 {
		b.WriteString(pairs[i])
		b.WriteByte('\n')
		b.WriteString(pairs[i+1])
		b.WriteByte('\n')
	}
	return b.String()
}

// fetchCert 拉取并缓存签名证书，URL 必须先通过主机名校验。
func (v *snsVerifier) fetchCert(certURL string) (*x509.Certificate, error) {
	if err := validateCertURL(certURL); err != nil {
		return nil, err
	}

	if cached, ok := v.certCache.Get(certURL); ok {
		return cached.(*x509.Certificate), nil
	}

	resp, err := v.httpClient.Get(certURL)
	if err != nil {
		return nil, &SignatureError{Provider: domain.ProviderSES, Reason: fmt.Sprintf("fetch signing certificate: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &SignatureError{Provider: domain.ProviderSES, Reason: fmt.Sprintf("fetch signing certificate: http %d", resp.StatusCode)}
	}

	pemBytes, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, &SignatureError{Provider: domain.ProviderSES, Reason: "read signing certificate body failed"}
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, &SignatureError{Provider: domain.ProviderSES, Reason: "signing certificate is not valid PEM"}
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, &SignatureError{Provider: domain.ProviderSES, Reason: "signing certificate parse failed"}
	}

	v.certCache.Set(certURL, cert, 0)
	return cert, nil
}

// validateCertURL 校验证书 URL：必须是 HTTPS 且主机名形如
// sns.{region}.amazonaws.com。
func validateCertURL(certURL string) error {
	u, err := url.Parse(certURL)
	if err != nil {
		return &SignatureError{Provider: domain.ProviderSES, Reason: "invalid signing certificate URL"}
	}
	if u.Scheme != "https" {
		return &SignatureError{Provider: domain.ProviderSES, Reason: "signing certificate URL must use https"}
	}
	if !snsCertHostPattern.MatchString(u.Hostname()) {
		return &SignatureError{Provider: domain.ProviderSES, Reason: fmt.Sprintf("signing certificate host %q is not an SNS endpoint", u.Hostname())}
	}
	return nil
}

// confirmSubscription 拉取 SubscribeURL 完成主题订阅确认。
func (v *snsVerifier) confirmSubscription(msg *SNSMessage) error {
	u, err := url.Parse(msg.SubscribeURL)
	if err != nil || u.Scheme != "https" || !snsCertHostPattern.MatchString(u.Hostname()) {
		return fmt.Errorf("subscribe URL %q is not a trusted SNS endpoint", msg.SubscribeURL)
	}

	resp, err := v.httpClient.Get(msg.SubscribeURL)
	if err != nil {
		return fmt.Errorf("confirm subscription: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("confirm subscription: http %d", resp.StatusCode)
	}
	return nil
}
