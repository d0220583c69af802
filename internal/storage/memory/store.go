package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"threadbox/backend/internal/domain"
	"threadbox/backend/internal/storage"
)

// Store 使用内存保存收件箱、邮件与线程数据，主要用于开发与测试。
//
// dedupIndex 以 "inboxID\x00providerMessageID" 为键，在持锁状态下
// 检查并写入，等价于数据库里的唯一索引：并发投递同一封邮件时
// 只有第一个写入者成功，其余拿到 storage.ErrDuplicateMessage。
type Store struct {
	mu          sync.RWMutex
	inboxes     map[string]*domain.Inbox
	byAddress   map[string]string
	messages    map[string]map[string]*domain.Message // inboxID -> messageID -> message
	dedupIndex  map[string]string                     // dedup key -> messageID
	threads     map[string]*domain.Thread
	attachments map[string][]*domain.Attachment // messageID -> attachments
	pollStates  map[string]*domain.ImapPollState

	// arrival 记录消息写入次序，用于同一时间戳的消息排序。
	arrival map[string]int
	seq     int
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		inboxes:     make(map[string]*domain.Inbox),
		byAddress:   make(map[string]string),
		messages:    make(map[string]map[string]*domain.Message),
		dedupIndex:  make(map[string]string),
		threads:     make(map[string]*domain.Thread),
		attachments: make(map[string][]*domain.Attachment),
		pollStates:  make(map[string]*domain.ImapPollState),
		arrival:     make(map[string]int),
	}
}

// SaveInbox 保存收件箱，地址索引同步更新。
func (s *Store) SaveInbox(inbox *domain.Inbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inboxes[inbox.ID] = inbox
	s.byAddress[strings.ToLower(inbox.Address)] = inbox.ID
	return nil
}

// GetInbox 根据 ID 获取收件箱。
func (s *Store) GetInbox(id string) (*domain.Inbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inbox, ok := s.inboxes[id]
	if !ok {
		return nil, storage.ErrInboxNotFound
	}
	return inbox, nil
}

// GetInboxByAddress 根据完整地址获取收件箱（大小写不敏感）。
func (s *Store) GetInboxByAddress(address string) (*domain.Inbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAddress[strings.ToLower(address)]
	if !ok {
		return nil, storage.ErrInboxNotFound
	}
	return s.inboxes[id], nil
}

// ListInboxes 返回全部收件箱的快照。
func (s *Store) ListInboxes() ([]domain.Inbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Inbox, 0, len(s.inboxes))
	for _, ib := range s.inboxes {
		result = append(result, *ib)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// DeleteInbox 删除收件箱及其地址索引。
func (s *Store) DeleteInbox(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inbox, ok := s.inboxes[id]
	if !ok {
		return storage.ErrInboxNotFound
	}
	delete(s.byAddress, strings.ToLower(inbox.Address))
	delete(s.inboxes, id)
	delete(s.messages, id)
	return nil
}

func dedupKey(inboxID, providerMessageID string) string {
	return inboxID + "\x00" + providerMessageID
}

// SaveMessage 写入一封邮件。
//
// 检查与写入在同一把锁内完成，去重键冲突返回 storage.ErrDuplicateMessage。
func (s *Store) SaveMessage(message *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if message.ProviderMessageID != "" {
		key := dedupKey(message.InboxID, message.ProviderMessageID)
		if _, exists := s.dedupIndex[key]; exists {
			return storage.ErrDuplicateMessage
		}
		s.dedupIndex[key] = message.ID
	}

	byID, ok := s.messages[message.InboxID]
	if !ok {
		byID = make(map[string]*domain.Message)
		s.messages[message.InboxID] = byID
	}
	byID[message.ID] = message
	s.seq++
	s.arrival[message.ID] = s.seq
	return nil
}

// GetMessage 获取单封邮件。
func (s *Store) GetMessage(inboxID, messageID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if msg, ok := s.messages[inboxID][messageID]; ok {
		return msg, nil
	}
	return nil, storage.ErrMessageNotFound
}

// FindMessageByProviderID 按去重键查找邮件。
func (s *Store) FindMessageByProviderID(inboxID, providerMessageID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.dedupIndex[dedupKey(inboxID, providerMessageID)]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	if msg, ok := s.messages[inboxID][id]; ok {
		return msg, nil
	}
	return nil, storage.ErrMessageNotFound
}

// FindMessageByHeaderIDs 在收件箱内查找 Message-ID 头命中任一给定值的邮件。
func (s *Store) FindMessageByHeaderIDs(inboxID string, headerIDs []string) (*domain.Message, error) {
	if len(headerIDs) == 0 {
		return nil, storage.ErrMessageNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]struct{}, len(headerIDs))
	for _, id := range headerIDs {
		if id != "" {
			wanted[id] = struct{}{}
		}
	}

	var best *domain.Message
	for _, msg := range s.messages[inboxID] {
		if msg.HeaderMessageID == "" {
			continue
		}
		if _, ok := wanted[msg.HeaderMessageID]; !ok {
			continue
		}
		// 命中多封时取最早入库的，保证线程归属稳定。
		if best == nil || s.arrival[msg.ID] < s.arrival[best.ID] {
			best = msg
		}
	}
	if best == nil {
		return nil, storage.ErrMessageNotFound
	}
	return best, nil
}

// ListThreadMessages 返回线程内全部邮件，按时间升序、同时间按到达顺序。
func (s *Store) ListThreadMessages(threadID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Message
	for _, byID := range s.messages {
		for _, msg := range byID {
			if msg.ThreadID == threadID {
				result = append(result, *msg)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ReceivedAt.Equal(result[j].ReceivedAt) {
			return s.arrival[result[i].ID] < s.arrival[result[j].ID]
		}
		return result[i].ReceivedAt.Before(result[j].ReceivedAt)
	})
	return result, nil
}

// SaveThread 保存线程。
func (s *Store) SaveThread(thread *domain.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.threads[thread.ID] = thread
	return nil
}

// GetThread 获取线程。
func (s *Store) GetThread(id string) (*domain.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thread, ok := s.threads[id]
	if !ok {
		return nil, storage.ErrThreadNotFound
	}
	return thread, nil
}

// FindThreadBySubjectKey 按规范化主题查找线程。
func (s *Store) FindThreadBySubjectKey(inboxID, subjectKey string) (*domain.Thread, error) {
	if subjectKey == "" {
		return nil, storage.ErrThreadNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *domain.Thread
	for _, t := range s.threads {
		if t.InboxID != inboxID || t.SubjectKey != subjectKey {
			continue
		}
		if best == nil || t.LastMessageAt.After(best.LastMessageAt) {
			best = t
		}
	}
	if best == nil {
		return nil, storage.ErrThreadNotFound
	}
	return best, nil
}

// ListThreads 返回收件箱内全部线程，最近活跃的在前。
func (s *Store) ListThreads(inboxID string) ([]domain.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Thread
	for _, t := range s.threads {
		if t.InboxID == inboxID {
			result = append(result, *t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastMessageAt.After(result[j].LastMessageAt)
	})
	return result, nil
}

// SaveAttachment 保存附件。
func (s *Store) SaveAttachment(attachment *domain.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attachments[attachment.MessageID] = append(s.attachments[attachment.MessageID], attachment)
	return nil
}

// GetAttachment 获取单个附件。
func (s *Store) GetAttachment(messageID, attachmentID string) (*domain.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, att := range s.attachments[messageID] {
		if att.ID == attachmentID {
			return att, nil
		}
	}
	return nil, storage.ErrAttachmentNotFound
}

// ListAttachments 返回邮件的全部附件。
func (s *Store) ListAttachments(messageID string) ([]domain.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	atts := s.attachments[messageID]
	result := make([]domain.Attachment, 0, len(atts))
	for _, att := range atts {
		result = append(result, *att)
	}
	return result, nil
}

// GetPollState 获取收件箱的轮询状态。
func (s *Store) GetPollState(inboxID string) (*domain.ImapPollState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.pollStates[inboxID]
	if !ok {
		return nil, storage.ErrPollStateNotFound
	}
	copied := *state
	return &copied, nil
}

// SavePollState 保存收件箱的轮询状态。
func (s *Store) SavePollState(state *domain.ImapPollState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state.UpdatedAt = time.Now().UTC()
	copied := *state
	s.pollStates[state.InboxID] = &copied
	return nil
}

// Close 实现 storage.Store。
func (s *Store) Close() error { return nil }

// Health 实现 storage.Store。
func (s *Store) Health() error { return nil }
