package storage

import (
	"errors"

	"threadbox/backend/internal/domain"
)

var (
	// ErrInboxNotFound 收件箱不存在错误
	ErrInboxNotFound = errors.New("inbox not found")
	// ErrMessageNotFound 邮件不存在错误
	ErrMessageNotFound = errors.New("message not found")
	// ErrThreadNotFound 线程不存在错误
	ErrThreadNotFound = errors.New("thread not found")
	// ErrAttachmentNotFound 附件未找到错误
	ErrAttachmentNotFound = errors.New("attachment not found")
	// ErrPollStateNotFound 轮询状态不存在错误
	ErrPollStateNotFound = errors.New("poll state not found")
	// ErrDuplicateMessage 表示 (inbox_id, provider_message_id) 唯一约束冲突。
	// 摄取管道依赖这个错误识别并发场景下的重复投递，存储实现必须
	// 在写入时由约束产生它，而不是先查后写。
	ErrDuplicateMessage = errors.New("duplicate message")
)

// InboxRepository 定义收件箱数据存取操作。
type InboxRepository interface {
	SaveInbox(inbox *domain.Inbox) error
	GetInbox(id string) (*domain.Inbox, error)
	GetInboxByAddress(address string) (*domain.Inbox, error)
	ListInboxes() ([]domain.Inbox, error)
	DeleteInbox(id string) error
}

// MessageRepository 定义邮件数据存取操作。
type MessageRepository interface {
	// SaveMessage 写入一封邮件；去重键冲突时返回 ErrDuplicateMessage。
	SaveMessage(message *domain.Message) error
	GetMessage(inboxID, messageID string) (*domain.Message, error)
	// FindMessageByProviderID 按去重键查找已存在的邮件。
	FindMessageByProviderID(inboxID, providerMessageID string) (*domain.Message, error)
	// FindMessageByHeaderIDs 在收件箱内查找 Message-ID 头命中任一给定值的邮件，
	// 用于 References/In-Reply-To 线程归并。
	FindMessageByHeaderIDs(inboxID string, headerIDs []string) (*domain.Message, error)
	ListThreadMessages(threadID string) ([]domain.Message, error)
}

// ThreadRepository 定义线程数据存取操作。
type ThreadRepository interface {
	SaveThread(thread *domain.Thread) error
	GetThread(id string) (*domain.Thread, error)
	// FindThreadBySubjectKey 按规范化主题查找线程（无线程头时的归并回退）。
	FindThreadBySubjectKey(inboxID, subjectKey string) (*domain.Thread, error)
	ListThreads(inboxID string) ([]domain.Thread, error)
}

// AttachmentRepository 定义附件数据存取操作。
type AttachmentRepository interface {
	SaveAttachment(attachment *domain.Attachment) error
	GetAttachment(messageID, attachmentID string) (*domain.Attachment, error)
	ListAttachments(messageID string) ([]domain.Attachment, error)
}

// PollStateRepository 定义 IMAP 轮询状态存取操作。
type PollStateRepository interface {
	GetPollState(inboxID string) (*domain.ImapPollState, error)
	SavePollState(state *domain.ImapPollState) error
}

// Store 定义完整的存储接口。
type Store interface {
	InboxRepository
	MessageRepository
	ThreadRepository
	AttachmentRepository
	PollStateRepository

	Close() error
	Health() error
}
