// Package ingest 实现入站邮件的摄取管道。
//
// 所有入站来源（各家 Webhook、IMAP 轮询）都汇入同一条管道，
// 按固定顺序执行：定位收件箱、域名过滤、去重、线程归并、落库、通知。
package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"threadbox/backend/internal/domain"
	"threadbox/backend/internal/filter"
	"threadbox/backend/internal/monitoring"
	"threadbox/backend/internal/storage"
)

// Status 摄取结果分类。
type Status string

const (
	StatusReceived      Status = "received"
	StatusDuplicate     Status = "duplicate"
	StatusNoInbox       Status = "no_inbox"
	StatusDomainBlocked Status = "domain_blocked"
)

// Result 一次摄取的结果。
type Result struct {
	Status    Status
	MessageID string
	ThreadID  string
	// Warning 非致命问题，例如附件入库失败但消息本身已保存。
	Warning string
}

// Notifier 在新邮件入库后收到回调，用于下游 Webhook 推送。
type Notifier interface {
	NotifyMessageReceived(inbox *domain.Inbox, message *domain.Message, thread *domain.Thread)
}

// Pipeline 摄取管道。无内部状态，可被多个 goroutine 并发调用，
// 并发安全性由存储层的唯一约束兜底。
type Pipeline struct {
	store    storage.Store
	filter   *filter.DomainFilter
	notifier Notifier
	metrics  *monitoring.Metrics
	log      *zap.Logger
	nowFunc  func() time.Time
}

// NewPipeline 创建摄取管道。notifier 与 metrics 可以为 nil。
func NewPipeline(store storage.Store, f *filter.DomainFilter, notifier Notifier, metrics *monitoring.Metrics, log *zap.Logger) *Pipeline {
	return &Pipeline{
		store:    store,
		filter:   f,
		notifier: notifier,
		metrics:  metrics,
		log:      log,
		nowFunc:  time.Now,
	}
}

// Ingest 处理一封已解析的入站邮件。
//
// 返回的 Result 描述处理结论；error 仅在存储层故障时非空，
// 重复、无收件箱、被过滤都是正常结论而不是错误。
func (p *Pipeline) Ingest(provider domain.ProviderType, inbound *domain.InboundMessage) (*Result, error) {
	start := p.nowFunc()
	result, err := p.ingest(inbound)
	if p.metrics != nil {
		status := "error"
		if err == nil {
			status = string(result.Status)
		}
		p.metrics.RecordIngest(string(provider), status, p.nowFunc().Sub(start))
	}
	return result, err
}

func (p *Pipeline) ingest(inbound *domain.InboundMessage) (*Result, error) {
	inbox := p.resolveInbox(inbound)
	if inbox == nil {
		p.log.Info("入站邮件没有匹配的收件箱",
			zap.String("from", inbound.FromAddress),
			zap.Strings("to", inbound.ToAddresses))
		return &Result{Status: StatusNoInbox}, nil
	}

	if p.filter != nil && !p.filter.CheckAddress(inbound.FromAddress) {
		if p.metrics != nil {
			p.metrics.RecordFilterRejection("inbound")
		}
		return &Result{Status: StatusDomainBlocked}, nil
	}

	dedupKey := inbound.DedupKey()
	if dedupKey == "" {
		// 没有任何稳定标识时生成一个，保证去重键永不为空
		dedupKey = uuid.New().String()
	}
	if existing, err := p.store.FindMessageByProviderID(inbox.ID, dedupKey); err == nil {
		return &Result{Status: StatusDuplicate, MessageID: existing.ID, ThreadID: existing.ThreadID}, nil
	} else if !errors.Is(err, storage.ErrMessageNotFound) {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}

	thread, created, err := p.resolveThread(inbox, inbound)
	if err != nil {
		return nil, fmt.Errorf("resolve thread: %w", err)
	}
	if created {
		// 新线程先落库，消息一旦可见就必然有所属线程
		if err := p.store.SaveThread(thread); err != nil {
			return nil, fmt.Errorf("save thread: %w", err)
		}
	}

	receivedAt := inbound.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = p.nowFunc()
	}

	message := &domain.Message{
		ID:                uuid.New().String(),
		ThreadID:          thread.ID,
		InboxID:           inbox.ID,
		Direction:         domain.DirectionInbound,
		ProviderMessageID: dedupKey,
		HeaderMessageID:   domain.CanonicalMessageID(inbound.MessageID),
		FromAddress:       inbound.FromAddress,
		ToAddresses:       strings.Join(inbound.ToAddresses, ","),
		CC:                strings.Join(inbound.CC, ","),
		Subject:           inbound.Subject,
		BodyPlain:         inbound.BodyPlain,
		BodyHTML:          inbound.BodyHTML,
		Raw:               string(inbound.Raw),
		SPFVerdict:        inbound.SPFVerdict,
		DKIMVerdict:       inbound.DKIMVerdict,
		DMARCVerdict:      inbound.DMARCVerdict,
		ReceivedAt:        receivedAt,
		CreatedAt:         p.nowFunc(),
	}

	// 附件先于消息落库，消息行一旦可见就不存在缺附件的窗口期
	var attachmentWarning string
	for _, att := range inbound.Attachments {
		stored := &domain.Attachment{
			ID:          uuid.New().String(),
			MessageID:   message.ID,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Content:     att.Content,
			Size:        att.Size,
			Disposition: att.Disposition,
			ContentID:   att.ContentID,
		}
		if err := p.store.SaveAttachment(stored); err != nil {
			// 附件失败不拦消息，记下告警继续
			p.log.Warn("附件入库失败",
				zap.String("messageId", message.ID),
				zap.String("filename", att.Filename),
				zap.Error(err))
			attachmentWarning = "some attachments could not be stored"
			continue
		}
		if p.metrics != nil {
			p.metrics.AttachmentSize.Observe(float64(stored.Size))
		}
		message.Attachments = append(message.Attachments, stored)
	}

	if err := p.store.SaveMessage(message); err != nil {
		if errors.Is(err, storage.ErrDuplicateMessage) {
			// 并发投递时另一份先落库，按重复处理
			if existing, lookupErr := p.store.FindMessageByProviderID(inbox.ID, dedupKey); lookupErr == nil {
				return &Result{Status: StatusDuplicate, MessageID: existing.ID, ThreadID: existing.ThreadID}, nil
			}
			return &Result{Status: StatusDuplicate}, nil
		}
		return nil, fmt.Errorf("save message: %w", err)
	}

	result := &Result{Status: StatusReceived, MessageID: message.ID, ThreadID: thread.ID, Warning: attachmentWarning}

	thread.MessageCount++
	thread.LastMessageAt = message.ReceivedAt
	thread.AddParticipant(inbound.FromAddress)
	for _, to := range inbound.ToAddresses {
		thread.AddParticipant(to)
	}
	if err := p.store.SaveThread(thread); err != nil {
		p.log.Warn("线程聚合更新失败", zap.String("threadId", thread.ID), zap.Error(err))
	}
	if created && p.metrics != nil {
		p.metrics.ThreadsCreated.Inc()
	}

	p.log.Info("入站邮件已归档",
		zap.String("inboxId", inbox.ID),
		zap.String("messageId", message.ID),
		zap.String("threadId", thread.ID),
		zap.String("from", inbound.FromAddress),
		zap.Int("attachments", len(message.Attachments)))

	if p.notifier != nil {
		p.notifier.NotifyMessageReceived(inbox, message, thread)
	}
	return result, nil
}

// resolveInbox 在 To 里找第一个命中的收件箱地址，找不到再看 CC。
func (p *Pipeline) resolveInbox(inbound *domain.InboundMessage) *domain.Inbox {
	for _, lists := range [][]string{inbound.ToAddresses, inbound.CC} {
		for _, addr := range lists {
			inbox, err := p.store.GetInboxByAddress(strings.ToLower(addr))
			if err == nil {
				return inbox
			}
			if !errors.Is(err, storage.ErrInboxNotFound) {
				p.log.Warn("收件箱查询失败", zap.String("address", addr), zap.Error(err))
			}
		}
	}
	return nil
}

// resolveThread 按优先级归并线程:
//  1. References 与 In-Reply-To 中的 message-id 命中箱内已有邮件
//  2. 无任何线程头时，规范化主题 + 参与者重叠的已有线程
//  3. 新建线程
func (p *Pipeline) resolveThread(inbox *domain.Inbox, inbound *domain.InboundMessage) (*domain.Thread, bool, error) {
	headerIDs := make([]string, 0, len(inbound.References)+1)
	headerIDs = append(headerIDs, inbound.References...)
	if inbound.InReplyTo != "" {
		headerIDs = append(headerIDs, inbound.InReplyTo)
	}
	headerIDs = domain.CanonicalMessageIDs(headerIDs)

	if len(headerIDs) > 0 {
		parent, err := p.store.FindMessageByHeaderIDs(inbox.ID, headerIDs)
		switch {
		case err == nil:
			thread, err := p.store.GetThread(parent.ThreadID)
			if err != nil {
				return nil, false, fmt.Errorf("load thread %s: %w", parent.ThreadID, err)
			}
			return thread, false, nil
		case !errors.Is(err, storage.ErrMessageNotFound):
			return nil, false, fmt.Errorf("header lookup: %w", err)
		}
		// 带线程头但找不到先前邮件时直接开新线程，
		// 不做主题回退，避免把无关会话粘在一起
		return p.newThread(inbox, inbound), true, nil
	}

	subjectKey := domain.NormalizeSubject(inbound.Subject)
	if subjectKey != "" {
		thread, err := p.store.FindThreadBySubjectKey(inbox.ID, subjectKey)
		switch {
		case err == nil:
			if p.participantsOverlap(thread, inbound) {
				return thread, false, nil
			}
		case !errors.Is(err, storage.ErrThreadNotFound):
			return nil, false, fmt.Errorf("subject lookup: %w", err)
		}
	}

	return p.newThread(inbox, inbound), true, nil
}

func (p *Pipeline) newThread(inbox *domain.Inbox, inbound *domain.InboundMessage) *domain.Thread {
	return &domain.Thread{
		ID:         uuid.New().String(),
		InboxID:    inbox.ID,
		Subject:    inbound.Subject,
		SubjectKey: domain.NormalizeSubject(inbound.Subject),
		CreatedAt:  p.nowFunc(),
	}
}

func (p *Pipeline) participantsOverlap(thread *domain.Thread, inbound *domain.InboundMessage) bool {
	for _, existing := range thread.Participants {
		if strings.EqualFold(existing, inbound.FromAddress) {
			return true
		}
		for _, to := range inbound.ToAddresses {
			if strings.EqualFold(existing, to) {
				return true
			}
		}
	}
	return false
}
