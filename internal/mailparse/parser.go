package mailparse

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"

	"threadbox/backend/internal/domain"
)

// ParseRawEmail 把一封原始 RFC822 邮件解析为规范化的 InboundMessage。
//
// 对畸形输入永不报错，只做降级：缺失的头用空值，解析失败的 MIME
// 部分直接跳过。调用方拿到的结构总是可用的。
func ParseRawEmail(raw []byte) *domain.InboundMessage {
	inbound := &domain.InboundMessage{
		Headers:      readRawHeaders(raw),
		ContentIDMap: make(map[string]int),
		ReceivedAt:   time.Now().UTC(),
		Raw:          raw,
	}

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		// 连头部都解析不了，整体当作纯文本正文
		inbound.BodyPlain = string(raw)
		return inbound
	}

	inbound.Subject = decodeHeader(msg.Header.Get("Subject"))
	inbound.FromAddress = ExtractAddress(msg.Header.Get("From"))
	inbound.ToAddresses = ExtractAddressList(msg.Header.Get("To"))
	inbound.CC = ExtractAddressList(msg.Header.Get("Cc"))
	inbound.MessageID = strings.TrimSpace(msg.Header.Get("Message-Id"))
	inbound.InReplyTo = strings.TrimSpace(msg.Header.Get("In-Reply-To"))
	inbound.References = splitReferences(msg.Header.Get("References"))

	if date, err := msg.Header.Date(); err == nil {
		inbound.ReceivedAt = date.UTC()
	}

	parseAuthResults(msg.Header.Get("Authentication-Results"), inbound)

	contentType := msg.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// 没有 Content-Type 或解析失败，当作纯文本处理
		body, _ := io.ReadAll(msg.Body)
		inbound.BodyPlain = decodeBody(bytes.NewReader(body), msg.Header.Get("Content-Transfer-Encoding"), "")
		return inbound
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			body, _ := io.ReadAll(msg.Body)
			inbound.BodyPlain = string(body)
			return inbound
		}
		walkMultipart(multipart.NewReader(msg.Body, boundary), inbound)
		return inbound
	}

	body := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), params["charset"])
	if strings.HasPrefix(mediaType, "text/html") {
		inbound.BodyHTML = body
	} else {
		inbound.BodyPlain = body
	}
	return inbound
}

// walkMultipart 递归遍历 MIME 树。
//
// multipart/alternative 里 text/plain 归 BodyPlain、text/html 归 BodyHTML；
// 非文本部分成为附件；带 Content-ID 的内联部分额外登记进 ContentIDMap。
func walkMultipart(mr *multipart.Reader, inbound *domain.InboundMessage) {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return
		}
		if err != nil {
			// 剩余部分无法解析，保留已有结果
			return
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = "text/plain"
		}

		// 嵌套 multipart
		if strings.HasPrefix(mediaType, "multipart/") {
			if boundary := params["boundary"]; boundary != "" {
				walkMultipart(multipart.NewReader(part, boundary), inbound)
			}
			continue
		}

		dispType, dispParams, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
		isText := strings.HasPrefix(mediaType, "text/plain") || strings.HasPrefix(mediaType, "text/html")

		// 显式 attachment、或非文本的内联/裸部分，都按附件处理
		if dispType == "attachment" || (!isText && mediaType != "") {
			collectAttachment(part, mediaType, params, dispType, dispParams, inbound)
			continue
		}

		body := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if strings.HasPrefix(mediaType, "text/html") {
			if inbound.BodyHTML == "" {
				inbound.BodyHTML = body
			}
		} else if inbound.BodyPlain == "" {
			inbound.BodyPlain = body
		}
	}
}

// collectAttachment 读取一个附件部分并登记 Content-ID 映射。
func collectAttachment(part *multipart.Part, mediaType string, typeParams map[string]string, dispType string, dispParams map[string]string, inbound *domain.InboundMessage) {
	filename := dispParams["filename"]
	if filename == "" {
		filename = typeParams["name"]
	}
	if filename == "" {
		filename = "unnamed"
	}
	filename = decodeHeader(filename)

	content, err := io.ReadAll(part)
	if err != nil {
		return
	}

	switch strings.ToLower(strings.TrimSpace(part.Header.Get("Content-Transfer-Encoding"))) {
	case "base64":
		if decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(content))); err == nil {
			content = decoded
		}
	case "quoted-printable":
		if decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(content))); err == nil {
			content = decoded
		}
	}

	disposition := "attachment"
	if dispType == "inline" {
		disposition = "inline"
	}

	att := &domain.InboundAttachment{
		Filename:    filename,
		ContentType: mediaType,
		Content:     content,
		Size:        int64(len(content)),
		Disposition: disposition,
		ContentID:   stripAngleBrackets(part.Header.Get("Content-Id")),
	}
	inbound.Attachments = append(inbound.Attachments, att)

	if att.ContentID != "" {
		inbound.ContentIDMap[att.ContentID] = len(inbound.Attachments) - 1
	}
}

// decodeBody 按传输编码与字符集解码邮件体，失败时降级为原样返回。
func decodeBody(reader io.Reader, transferEncoding, charset string) string {
	var decoded io.Reader = reader

	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		decoded = base64.NewDecoder(base64.StdEncoding, reader)
	case "quoted-printable":
		decoded = quotedprintable.NewReader(reader)
	}

	body, err := io.ReadAll(decoded)
	if err != nil {
		// 解码失败时回退读取原始内容
		if raw, rawErr := io.ReadAll(reader); rawErr == nil && len(raw) > 0 {
			return string(raw)
		}
		return string(body)
	}

	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset != "" && charset != "utf-8" && charset != "us-ascii" {
		if enc := charsetEncoding(charset); enc != nil {
			if converted, _, err := transform.Bytes(enc.NewDecoder(), body); err == nil {
				body = converted
			}
		}
	}

	return string(body)
}

// charsetEncoding 根据字符集名称返回编码器。
func charsetEncoding(charset string) encoding.Encoding {
	switch charset {
	case "gb2312", "gbk", "gb18030":
		return simplifiedchinese.GBK
	case "big5":
		return traditionalchinese.Big5
	case "iso-2022-jp", "shift_jis", "euc-jp":
		return japanese.ShiftJIS
	case "euc-kr", "ks_c_5601-1987":
		return korean.EUCKR
	default:
		return nil
	}
}

// decodeHeader 解码 RFC 2047 编码的头部值（=?UTF-8?Q?...?=）。
func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoder := &mime.WordDecoder{
		CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
			if enc := charsetEncoding(strings.ToLower(charset)); enc != nil {
				return transform.NewReader(input, enc.NewDecoder()), nil
			}
			return input, nil
		},
	}
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// readRawHeaders 按出现顺序读取头部，重复头保留为多项。
//
// net/mail 的 Header 是 map，会丢失顺序与重复信息，这里自己扫一遍
// 头部区域（处理续行），产出有序切片。
func readRawHeaders(raw []byte) []domain.Header {
	var headers []domain.Header
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var name, value string
	flush := func() {
		if name != "" {
			headers = append(headers, domain.Header{Name: name, Value: decodeHeader(strings.TrimSpace(value))})
		}
		name, value = "", ""
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break // 头部结束
		}
		if line[0] == ' ' || line[0] == '\t' {
			// 续行
			value += " " + strings.TrimSpace(line)
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			continue
		}
		flush()
		name = strings.TrimSpace(line[:idx])
		value = strings.TrimSpace(line[idx+1:])
	}
	flush()
	return headers
}

// splitReferences 把 References 头按空白切成 message-id 列表，保持顺序。
func splitReferences(value string) []string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// parseAuthResults 解析 Authentication-Results 头，
// 提取 spf/dkim/dmarc 的结论 token。只做解析，不验证真实性。
func parseAuthResults(value string, inbound *domain.InboundMessage) {
	if value == "" {
		return
	}
	for _, segment := range strings.Split(value, ";") {
		segment = strings.TrimSpace(segment)
		for _, mech := range []struct {
			prefix string
			target *string
		}{
			{"spf=", &inbound.SPFVerdict},
			{"dkim=", &inbound.DKIMVerdict},
			{"dmarc=", &inbound.DMARCVerdict},
		} {
			if strings.HasPrefix(strings.ToLower(segment), mech.prefix) {
				verdict := segment[len(mech.prefix):]
				if idx := strings.IndexAny(verdict, " \t("); idx > 0 {
					verdict = verdict[:idx]
				}
				if *mech.target == "" {
					*mech.target = strings.ToLower(verdict)
				}
			}
		}
	}
}

// ExtractAddress 从地址头中取出邮箱地址部分，失败时原样返回。
func ExtractAddress(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(decodeHeader(value)); err == nil {
		return strings.ToLower(addr.Address)
	}
	return value
}

// ExtractAddressList 解析地址列表头，失败时按逗号切分降级。
func ExtractAddressList(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if addrs, err := mail.ParseAddressList(decodeHeader(value)); err == nil {
		out := make([]string, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, strings.ToLower(a.Address))
		}
		return out
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, strings.ToLower(trimmed))
		}
	}
	return out
}

// stripAngleBrackets 去掉 message-id / content-id 两侧的尖括号。
func stripAngleBrackets(value string) string {
	return strings.Trim(strings.TrimSpace(value), "<>")
}
