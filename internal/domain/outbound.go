package domain

// OutboundAttachment 表示待发送邮件的附件。
type OutboundAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"content"`
	// Inline 为真时以 inline 方式编码并携带 Content-ID。
	Inline    bool   `json:"inline,omitempty"`
	ContentID string `json:"contentId,omitempty"`
}

// OutboundRequest 表示一次外发邮件请求。
//
// Body 可以是 Markdown 或纯文本；未提供 BodyHTML 而通道需要 HTML 部分时，
// 发送侧会把 Markdown 渲染为 HTML。
type OutboundRequest struct {
	InboxID string   `json:"inboxId"`
	To      []string `json:"to"`
	CC      []string `json:"cc,omitempty"`
	BCC     []string `json:"bcc,omitempty"`
	Subject string   `json:"subject"`

	Body     string `json:"body"`
	BodyHTML string `json:"bodyHtml,omitempty"`

	// 回复线程时的关联头。
	InReplyTo  string   `json:"inReplyTo,omitempty"`
	References []string `json:"references,omitempty"`

	Attachments []*OutboundAttachment `json:"attachments,omitempty"`

	// MessageID 允许调用方自定义 Message-ID 头，留空时自动生成。
	MessageID string `json:"messageId,omitempty"`
}

// AllRecipients 返回 To/CC/BCC 合并后的收件人列表（保持顺序）。
func (r *OutboundRequest) AllRecipients() []string {
	out := make([]string, 0, len(r.To)+len(r.CC)+len(r.BCC))
	out = append(out, r.To...)
	out = append(out, r.CC...)
	out = append(out, r.BCC...)
	return out
}
