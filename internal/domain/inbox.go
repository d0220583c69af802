package domain

import "time"

// ProviderType 标识收发邮件使用的外部传输通道。
type ProviderType string

const (
	ProviderMailgun  ProviderType = "mailgun"
	ProviderSES      ProviderType = "ses"
	ProviderSendGrid ProviderType = "sendgrid"
	ProviderResend   ProviderType = "resend"
	ProviderIMAPSMTP ProviderType = "imap_smtp"
)

// Valid 判断是否为已知的通道类型。
func (p ProviderType) Valid() bool {
	switch p {
	case ProviderMailgun, ProviderSES, ProviderSendGrid, ProviderResend, ProviderIMAPSMTP:
		return true
	}
	return false
}

// IMAPSettings 定义单个收件箱的 IMAP 轮询参数。
//
// 只有 Provider 为 imap_smtp 且 PollEnabled 为真的收件箱才会启动轮询任务。
type IMAPSettings struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
	// UseTLS 为真时走隐式 TLS，否则 STARTTLS。
	UseTLS  bool   `json:"useTls"`
	Mailbox string `json:"mailbox"` // 默认 INBOX

	PollEnabled  bool          `json:"pollEnabled"`
	PollInterval time.Duration `json:"pollInterval"`

	// MarkRead 为真时对已摄取的邮件打 \Seen 标记；
	// DeleteAfter 只有在 MarkRead 同时开启时才允许（配置校验强制）。
	MarkRead    bool `json:"markRead"`
	DeleteAfter bool `json:"deleteAfter"`
}

// Inbox 表示系统内的一个虚拟邮箱地址。
type Inbox struct {
	ID          string       `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Address     string       `json:"address" gorm:"type:varchar(255);uniqueIndex"`
	DisplayName string       `json:"displayName,omitempty" gorm:"type:varchar(255)"`
	Provider    ProviderType `json:"provider" gorm:"type:varchar(32);index"`

	IMAP IMAPSettings `json:"imap,omitempty" gorm:"serializer:json;type:text"`

	CreatedAt time.Time `json:"createdAt"`
}
