// Package mailbuild 把外发请求组装成 RFC822 报文。
//
// SMTP 直发与 SES Raw 路径共用同一套构建逻辑，保证两条链路
// 产出的报文头与 MIME 结构一致。
package mailbuild

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/yuin/goldmark"

	"threadbox/backend/internal/domain"
)

// Build 组装完整的 RFC822 报文。
//
// 返回报文字节与最终使用的 Message-ID（不含尖括号）。
// 请求未指定 Message-ID 时按 发件域 生成一个新的。
func Build(from string, req *domain.OutboundRequest, now time.Time) ([]byte, string, error) {
	msgID := strings.Trim(req.MessageID, "<>")
	if msgID == "" {
		msgID = GenerateMessageID(from)
	}

	var h mail.Header
	h.SetDate(now)
	h.SetSubject(req.Subject)
	h.SetMessageID(msgID)
	h.SetAddressList("From", toAddressList([]string{from}))
	h.SetAddressList("To", toAddressList(req.To))
	if len(req.CC) > 0 {
		h.SetAddressList("Cc", toAddressList(req.CC))
	}
	if req.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{strings.Trim(req.InReplyTo, "<>")})
	}
	if len(req.References) > 0 {
		refs := make([]string, 0, len(req.References))
		for _, r := range req.References {
			refs = append(refs, strings.Trim(r, "<>"))
		}
		h.SetMsgIDList("References", refs)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("create message writer: %w", err)
	}

	if err := writeBody(mw, req); err != nil {
		return nil, "", err
	}

	for _, att := range req.Attachments {
		if err := writeAttachment(mw, att); err != nil {
			return nil, "", fmt.Errorf("write attachment %q: %w", att.Filename, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("finalize message: %w", err)
	}
	return buf.Bytes(), msgID, nil
}

// writeBody 写入正文。纯文本与 HTML 同时存在时生成 multipart/alternative。
func writeBody(mw *mail.Writer, req *domain.OutboundRequest) error {
	htmlBody := req.BodyHTML
	if htmlBody == "" && req.Body != "" {
		htmlBody = RenderMarkdown(req.Body)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("create body writer: %w", err)
	}

	if req.Body != "" {
		var th mail.InlineHeader
		th.Set("Content-Type", "text/plain; charset=utf-8")
		w, err := tw.CreatePart(th)
		if err != nil {
			return fmt.Errorf("create text part: %w", err)
		}
		if _, err := io.WriteString(w, req.Body); err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
	}

	if htmlBody != "" {
		var th mail.InlineHeader
		th.Set("Content-Type", "text/html; charset=utf-8")
		w, err := tw.CreatePart(th)
		if err != nil {
			return fmt.Errorf("create html part: %w", err)
		}
		if _, err := io.WriteString(w, htmlBody); err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
	}

	return tw.Close()
}

func writeAttachment(mw *mail.Writer, att *domain.OutboundAttachment) error {
	var ah mail.AttachmentHeader
	ct := att.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	ah.Set("Content-Type", ct)
	ah.SetFilename(att.Filename)
	if att.Inline {
		ah.Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": att.Filename}))
		if att.ContentID != "" {
			ah.Set("Content-ID", "<"+strings.Trim(att.ContentID, "<>")+">")
		}
	}

	w, err := mw.CreateAttachment(ah)
	if err != nil {
		return err
	}
	if _, err := w.Write(att.Content); err != nil {
		return err
	}
	return w.Close()
}

// GenerateMessageID 生成形如 uuid@domain 的 Message-ID（不含尖括号）。
func GenerateMessageID(from string) string {
	domainPart := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at+1 < len(from) {
		domainPart = strings.Trim(from[at+1:], "<> ")
	}
	return uuid.New().String() + "@" + domainPart
}

// RenderMarkdown 把 Markdown 正文渲染为 HTML，失败时退回 <pre> 包裹的原文。
func RenderMarkdown(body string) string {
	var out bytes.Buffer
	if err := goldmark.Convert([]byte(body), &out); err != nil {
		var esc bytes.Buffer
		esc.WriteString("<pre>")
		for _, r := range body {
			switch r {
			case '<':
				esc.WriteString("&lt;")
			case '>':
				esc.WriteString("&gt;")
			case '&':
				esc.WriteString("&amp;")
			default:
				esc.WriteRune(r)
			}
		}
		esc.WriteString("</pre>")
		return esc.String()
	}
	return out.String()
}

func toAddressList(addrs []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &mail.Address{Address: a})
	}
	return out
}
