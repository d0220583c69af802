package sql

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"threadbox/backend/internal/domain"
	"threadbox/backend/internal/storage"
)

// Store PostgreSQL 存储实现。
//
// 去重依赖 messages 表上 (inbox_id, provider_message_id) 的复合唯一索引
// （见 domain.Message 的 gorm 标签），并发写同一封邮件时由数据库裁决，
// 冲突经 TranslateError 转成 gorm.ErrDuplicatedKey，再映射为
// storage.ErrDuplicateMessage。
type Store struct {
	db *gorm.DB
}

// NewStore 创建 PostgreSQL 存储并执行自动迁移。
func NewStore(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate 执行数据库迁移（GORM AutoMigrate）。
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&domain.Inbox{},
		&domain.Thread{},
		&domain.Message{},
		&domain.Attachment{},
		&domain.ImapPollState{},
	)
}

// SaveInbox 保存收件箱。
func (s *Store) SaveInbox(inbox *domain.Inbox) error {
	return s.db.Save(inbox).Error
}

// GetInbox 根据 ID 获取收件箱。
func (s *Store) GetInbox(id string) (*domain.Inbox, error) {
	var inbox domain.Inbox
	err := s.db.First(&inbox, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrInboxNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inbox, nil
}

// GetInboxByAddress 根据完整地址获取收件箱。
func (s *Store) GetInboxByAddress(address string) (*domain.Inbox, error) {
	var inbox domain.Inbox
	err := s.db.First(&inbox, "lower(address) = lower(?)", address).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrInboxNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inbox, nil
}

// ListInboxes 返回全部收件箱。
func (s *Store) ListInboxes() ([]domain.Inbox, error) {
	var inboxes []domain.Inbox
	if err := s.db.Order("created_at asc").Find(&inboxes).Error; err != nil {
		return nil, err
	}
	return inboxes, nil
}

// DeleteInbox 删除收件箱。
func (s *Store) DeleteInbox(id string) error {
	result := s.db.Delete(&domain.Inbox{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrInboxNotFound
	}
	return nil
}

// SaveMessage 写入一封邮件，唯一索引冲突映射为 ErrDuplicateMessage。
func (s *Store) SaveMessage(message *domain.Message) error {
	err := s.db.Create(message).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return storage.ErrDuplicateMessage
	}
	return err
}

// GetMessage 获取单封邮件。
func (s *Store) GetMessage(inboxID, messageID string) (*domain.Message, error) {
	var msg domain.Message
	err := s.db.First(&msg, "inbox_id = ? AND id = ?", inboxID, messageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// FindMessageByProviderID 按去重键查找邮件。
func (s *Store) FindMessageByProviderID(inboxID, providerMessageID string) (*domain.Message, error) {
	var msg domain.Message
	err := s.db.First(&msg, "inbox_id = ? AND provider_message_id = ?", inboxID, providerMessageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// FindMessageByHeaderIDs 在收件箱内查找 Message-ID 头命中任一给定值的邮件。
func (s *Store) FindMessageByHeaderIDs(inboxID string, headerIDs []string) (*domain.Message, error) {
	ids := make([]string, 0, len(headerIDs))
	for _, id := range headerIDs {
		if id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, storage.ErrMessageNotFound
	}

	var msg domain.Message
	err := s.db.Where("inbox_id = ? AND header_message_id IN ?", inboxID, ids).
		Order("created_at asc").
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListThreadMessages 返回线程内全部邮件，时间升序、同时间按入库顺序。
func (s *Store) ListThreadMessages(threadID string) ([]domain.Message, error) {
	var messages []domain.Message
	err := s.db.Where("thread_id = ?", threadID).
		Order("received_at asc, created_at asc").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// SaveThread 保存线程。
func (s *Store) SaveThread(thread *domain.Thread) error {
	return s.db.Save(thread).Error
}

// GetThread 获取线程。
func (s *Store) GetThread(id string) (*domain.Thread, error) {
	var thread domain.Thread
	err := s.db.First(&thread, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrThreadNotFound
	}
	if err != nil {
		return nil, err
	}
	return &thread, nil
}

// FindThreadBySubjectKey 按规范化主题查找线程，命中多个时取最近活跃的。
func (s *Store) FindThreadBySubjectKey(inboxID, subjectKey string) (*domain.Thread, error) {
	if subjectKey == "" {
		return nil, storage.ErrThreadNotFound
	}

	var thread domain.Thread
	err := s.db.Where("inbox_id = ? AND subject_key = ?", inboxID, subjectKey).
		Order("last_message_at desc").
		First(&thread).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrThreadNotFound
	}
	if err != nil {
		return nil, err
	}
	return &thread, nil
}

// ListThreads 返回收件箱内全部线程，最近活跃的在前。
func (s *Store) ListThreads(inboxID string) ([]domain.Thread, error) {
	var threads []domain.Thread
	err := s.db.Where("inbox_id = ?", inboxID).
		Order("last_message_at desc").
		Find(&threads).Error
	if err != nil {
		return nil, err
	}
	return threads, nil
}

// SaveAttachment 保存附件。
func (s *Store) SaveAttachment(attachment *domain.Attachment) error {
	return s.db.Create(attachment).Error
}

// GetAttachment 获取单个附件。
func (s *Store) GetAttachment(messageID, attachmentID string) (*domain.Attachment, error) {
	var att domain.Attachment
	err := s.db.First(&att, "message_id = ? AND id = ?", messageID, attachmentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrAttachmentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &att, nil
}

// ListAttachments 返回邮件的全部附件。
func (s *Store) ListAttachments(messageID string) ([]domain.Attachment, error) {
	var atts []domain.Attachment
	if err := s.db.Where("message_id = ?", messageID).Find(&atts).Error; err != nil {
		return nil, err
	}
	return atts, nil
}

// GetPollState 获取收件箱的轮询状态。
func (s *Store) GetPollState(inboxID string) (*domain.ImapPollState, error) {
	var state domain.ImapPollState
	err := s.db.First(&state, "inbox_id = ?", inboxID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrPollStateNotFound
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// SavePollState 保存收件箱的轮询状态。
func (s *Store) SavePollState(state *domain.ImapPollState) error {
	state.UpdatedAt = time.Now().UTC()
	return s.db.Save(state).Error
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 检查数据库健康状态。
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
