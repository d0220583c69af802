package domain

import (
	"strings"
	"time"
)

// Direction 表示邮件的流向。
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Message 表示已归档到某个会话线程中的一封邮件。
//
// (InboxID, ProviderMessageID) 是去重键：同一物理邮件无论从哪个通道
// 送达多少次，都只会存为一行。唯一性由存储层的唯一索引保证，
// 不是先查后写。ProviderMessageID 在摄取时保证非空（服务商没给时
// 回退到 Message-ID 头，再没有就生成 UUID）。
type Message struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ThreadID  string    `json:"threadId" gorm:"type:varchar(36);index;not null"`
	InboxID   string    `json:"inboxId" gorm:"type:varchar(36);uniqueIndex:idx_inbox_provider_msg;not null"`
	Direction Direction `json:"direction" gorm:"type:varchar(16);index"`

	// ProviderMessageID 是去重键的一半，见上。
	ProviderMessageID string `json:"providerMessageId" gorm:"type:varchar(512);uniqueIndex:idx_inbox_provider_msg"`

	// HeaderMessageID 是 RFC822 Message-ID 头的规范形式（去尖括号，
	// 见 CanonicalMessageID），用于线程归并时与后续邮件的
	// References/In-Reply-To 求交集。入库与查询两侧都必须走规范形式。
	HeaderMessageID string `json:"headerMessageId,omitempty" gorm:"type:varchar(512);index"`

	FromAddress string `json:"fromAddress" gorm:"type:varchar(255)"`
	ToAddresses string `json:"toAddresses" gorm:"type:text"` // 逗号分隔
	CC          string `json:"cc,omitempty" gorm:"type:text"`
	Subject     string `json:"subject" gorm:"type:varchar(998)"`

	// BodyPlain/BodyHTML 是清洗后的正文，Raw 是原始字节串。
	BodyPlain string `json:"bodyPlain,omitempty" gorm:"type:text"`
	BodyHTML  string `json:"bodyHtml,omitempty" gorm:"type:text"`
	Raw       string `json:"raw,omitempty" gorm:"type:text"`

	SPFVerdict   string `json:"spfVerdict,omitempty" gorm:"type:varchar(32)"`
	DKIMVerdict  string `json:"dkimVerdict,omitempty" gorm:"type:varchar(32)"`
	DMARCVerdict string `json:"dmarcVerdict,omitempty" gorm:"type:varchar(32)"`

	ReceivedAt time.Time `json:"receivedAt" gorm:"index"`
	CreatedAt  time.Time `json:"createdAt"`

	// Attachments 不随消息行存储，按需从附件仓库加载。
	Attachments []*Attachment `json:"attachments,omitempty" gorm:"-"`
}

// CanonicalMessageID 把 message-id 归一成可比较的形式：去首尾空白和尖括号。
//
// 各通道对尖括号的处理不一致（原始报文带、部分 Webhook 字段不带），
// 入库 HeaderMessageID 与按 References/In-Reply-To 查询前都必须先过这里，
// 否则入站与外发邮件之间的回复链对不上。
func CanonicalMessageID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

// CanonicalMessageIDs 归一化一组 message-id，丢弃归一后为空的项。
func CanonicalMessageIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if canonical := CanonicalMessageID(id); canonical != "" {
			out = append(out, canonical)
		}
	}
	return out
}
