package domain

// Attachment 表示已持久化的邮件附件。
type Attachment struct {
	ID          string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MessageID   string `json:"messageId" gorm:"type:varchar(36);index;not null"`
	Filename    string `json:"filename" gorm:"type:varchar(255)"`
	ContentType string `json:"contentType" gorm:"type:varchar(100)"`
	Size        int64  `json:"size"`
	Disposition string `json:"disposition" gorm:"type:varchar(16)"`
	ContentID   string `json:"contentId,omitempty" gorm:"type:varchar(255)"`
	Content     []byte `json:"-" gorm:"type:bytea"`
}
