package domain

import (
	"strings"
	"time"
)

// Header 表示一个原始邮件头。
//
// 头部按出现顺序保存，同名头可重复出现（如 Received），
// 因此用有序切片而不是 map。
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// InboundMessage 表示从任意传输通道接收到的一封邮件的规范化表示。
//
// 无论来源是 Webhook 还是 IMAP 轮询，各适配器解析后都产出同一结构，
// 之后统一进入摄取管道。一封物理邮件只构造一次，构造后不再修改。
type InboundMessage struct {
	FromAddress string   `json:"fromAddress"`
	ToAddresses []string `json:"toAddresses"`
	CC          []string `json:"cc,omitempty"`
	Subject     string   `json:"subject"`
	BodyPlain   string   `json:"bodyPlain,omitempty"`
	BodyHTML    string   `json:"bodyHtml,omitempty"`

	// Headers 保留原始头部的顺序与重复项。
	Headers []Header `json:"headers,omitempty"`

	// MessageID 是 Message-ID 头的值，可能为空。各通道取到的形式不一
	// （原始报文带尖括号，部分 Webhook 字段不带），参与线程归并前
	// 由摄取管道统一过 CanonicalMessageID。
	MessageID string `json:"messageId,omitempty"`
	// InReplyTo 是 In-Reply-To 头中的单个 message-id，形式同 MessageID。
	InReplyTo string `json:"inReplyTo,omitempty"`
	// References 是 References 头按空白分割后的 message-id 列表，保持原顺序。
	References []string `json:"references,omitempty"`

	Attachments []*InboundAttachment `json:"attachments,omitempty"`

	// ContentIDMap 把去掉尖括号的 MIME Content-ID 映射到 Attachments 的下标，
	// 用于后续把 HTML 正文里的 cid: 引用改写为已存储的附件。
	ContentIDMap map[string]int `json:"contentIdMap,omitempty"`

	// Authentication-Results 解析出的认证结论（pass/fail/none 等原样字符串）。
	// 这里只做解析，不做任何可信性判断。
	SPFVerdict   string `json:"spfVerdict,omitempty"`
	DKIMVerdict  string `json:"dkimVerdict,omitempty"`
	DMARCVerdict string `json:"dmarcVerdict,omitempty"`

	// ProviderMessageID 是投递服务商自带的消息 ID（Mailgun/SES 等），
	// 没有时摄取管道回退到 MessageID 头作为去重键。
	ProviderMessageID string `json:"providerMessageId,omitempty"`

	ReceivedAt time.Time `json:"receivedAt"`

	// Raw 保留原始字节，供审计与排错，不参与去重比较。
	Raw []byte `json:"-"`
}

// HeaderValue 返回第一个匹配头的值（大小写不敏感），不存在时返回空串。
func (m *InboundMessage) HeaderValue(name string) string {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// HeaderValues 返回全部同名头的值，保持出现顺序。
func (m *InboundMessage) HeaderValues(name string) []string {
	var values []string
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			values = append(values, h.Value)
		}
	}
	return values
}

// DedupKey 返回本邮件参与去重的键，优先服务商消息 ID。
func (m *InboundMessage) DedupKey() string {
	if m.ProviderMessageID != "" {
		return m.ProviderMessageID
	}
	return m.MessageID
}

// InboundAttachment 表示解析出的邮件附件。
//
// 在持久化之前，附件内容由所属的 InboundMessage 独占持有。
type InboundAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"-"`
	Size        int64  `json:"size"`
	// Disposition 为 "attachment" 或 "inline"。
	Disposition string `json:"disposition"`
	// ContentID 是去掉尖括号后的 MIME Content-ID，内联附件才有。
	ContentID string `json:"contentId,omitempty"`
}
