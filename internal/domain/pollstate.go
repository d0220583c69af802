package domain

import "time"

// ImapPollState 记录单个收件箱的 IMAP 轮询进度。
//
// 每个启用轮询的收件箱一条记录，只由该收件箱的轮询任务写入。
// 服务端 UIDVALIDITY 变化意味着邮箱被重新编号，历史 UID 全部失效，
// 此时 LastUID 归零重来（已摄取的邮件由去重兜底，不会二次入库）。
type ImapPollState struct {
	InboxID     string    `json:"inboxId" gorm:"primaryKey;type:varchar(36)"`
	Mailbox     string    `json:"mailbox" gorm:"type:varchar(255)"`
	LastUID     uint32    `json:"lastUid"`
	UIDValidity uint32    `json:"uidValidity"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
