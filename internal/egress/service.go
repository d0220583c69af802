// Package egress 实现外发邮件服务。
//
// 每次发送按固定顺序执行：定位发件箱、收件人域名过滤、限流判定、
// 通道投递、成功后记账并把外发邮件归档进会话线程。
package egress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"threadbox/backend/internal/domain"
	"threadbox/backend/internal/filter"
	"threadbox/backend/internal/monitoring"
	"threadbox/backend/internal/provider"
	"threadbox/backend/internal/ratelimit"
	"threadbox/backend/internal/security"
	"threadbox/backend/internal/storage"
)

// ErrRecipientsBlocked 任一收件人命中出站过滤时整次发送被拒绝。
var ErrRecipientsBlocked = errors.New("recipients blocked by domain filter")

// ErrAttachmentBlocked 附件未通过安全检查时整次发送被拒绝。
var ErrAttachmentBlocked = errors.New("attachment rejected by security screen")

// Service 外发服务。
type Service struct {
	store     storage.Store
	filter    *filter.DomainFilter
	limiter   *ratelimit.Limiter
	providers map[domain.ProviderType]provider.Provider
	screen    *security.AttachmentScreen
	metrics   *monitoring.Metrics
	log       *zap.Logger
	nowFunc   func() time.Time
}

// NewService 创建外发服务。filter、limiter、metrics 均可为 nil。
func NewService(store storage.Store, f *filter.DomainFilter, limiter *ratelimit.Limiter, providers map[domain.ProviderType]provider.Provider, metrics *monitoring.Metrics, log *zap.Logger) *Service {
	return &Service{
		store:     store,
		filter:    f,
		limiter:   limiter,
		providers: providers,
		screen:    security.NewAttachmentScreen(),
		metrics:   metrics,
		log:       log,
		nowFunc:   time.Now,
	}
}

// Send 通过发件箱绑定的通道发送一封邮件，返回已归档的外发消息。
//
// 部分发送不存在：任何一个收件人被过滤拒绝，整次发送失败。
// 限流拒绝返回 *ratelimit.RateLimitedError，其中带建议的重试间隔。
func (s *Service) Send(ctx context.Context, req *domain.OutboundRequest) (*domain.Message, error) {
	inbox, err := s.store.GetInbox(req.InboxID)
	if err != nil {
		return nil, fmt.Errorf("load inbox %s: %w", req.InboxID, err)
	}

	prov, ok := s.providers[inbox.Provider]
	if !ok {
		return nil, fmt.Errorf("no provider configured for channel %q", inbox.Provider)
	}

	if len(req.To) == 0 {
		return nil, errors.New("no recipients")
	}

	if s.filter != nil {
		if rejected := s.filter.RejectedRecipients(req.AllRecipients()); len(rejected) > 0 {
			if s.metrics != nil {
				s.metrics.RecordFilterRejection("outbound")
			}
			s.log.Warn("外发被域名过滤拒绝",
				zap.String("inboxId", inbox.ID),
				zap.Strings("rejected", rejected))
			return nil, fmt.Errorf("%w: %s", ErrRecipientsBlocked, strings.Join(rejected, ", "))
		}
	}

	for _, att := range req.Attachments {
		if ok, reason := s.screen.Check(att.Filename, att.Content); !ok {
			s.log.Warn("外发附件被安全检查拒绝",
				zap.String("inboxId", inbox.ID),
				zap.String("filename", att.Filename),
				zap.String("reason", reason))
			return nil, fmt.Errorf("%w: %s: %s", ErrAttachmentBlocked, att.Filename, reason)
		}
	}

	if s.limiter != nil {
		if decision := s.limiter.Allow(); !decision.Allowed {
			if s.metrics != nil {
				s.metrics.RecordRateLimitDenial()
			}
			return nil, &ratelimit.RateLimitedError{RetryAfter: decision.RetryAfter}
		}
	}

	start := s.nowFunc()
	providerMessageID, err := prov.Send(ctx, inbox.Address, req)
	if s.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		s.metrics.RecordSend(string(inbox.Provider), outcome, s.nowFunc().Sub(start))
	}
	if err != nil {
		return nil, err
	}
	if s.limiter != nil {
		// 只有确认投递出去的邮件才计入限流窗口
		s.limiter.RecordSuccess()
	}

	message, err := s.archive(inbox, req, providerMessageID)
	if err != nil {
		// 投递已发生，归档失败只告警不报错
		s.log.Error("外发邮件归档失败",
			zap.String("inboxId", inbox.ID),
			zap.String("providerMessageId", providerMessageID),
			zap.Error(err))
		return &domain.Message{ProviderMessageID: providerMessageID}, nil
	}

	s.log.Info("邮件已发送",
		zap.String("inboxId", inbox.ID),
		zap.String("provider", string(inbox.Provider)),
		zap.String("messageId", message.ID),
		zap.Int("recipients", len(req.AllRecipients())))
	return message, nil
}

// archive 把外发邮件写入存储并挂到会话线程上。
func (s *Service) archive(inbox *domain.Inbox, req *domain.OutboundRequest, providerMessageID string) (*domain.Message, error) {
	thread, created := s.resolveThread(inbox, req)
	if created {
		// 新线程先落库，归档出的消息一定有所属线程
		if err := s.store.SaveThread(thread); err != nil {
			return nil, fmt.Errorf("save thread: %w", err)
		}
	}

	now := s.nowFunc()
	if providerMessageID == "" {
		providerMessageID = uuid.New().String()
	}
	message := &domain.Message{
		ID:                uuid.New().String(),
		ThreadID:          thread.ID,
		InboxID:           inbox.ID,
		Direction:         domain.DirectionOutbound,
		ProviderMessageID: providerMessageID,
		HeaderMessageID:   domain.CanonicalMessageID(req.MessageID),
		FromAddress:       inbox.Address,
		ToAddresses:       strings.Join(req.To, ","),
		CC:                strings.Join(req.CC, ","),
		Subject:           req.Subject,
		BodyPlain:         req.Body,
		BodyHTML:          req.BodyHTML,
		ReceivedAt:        now,
		CreatedAt:         now,
	}
	if err := s.store.SaveMessage(message); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}

	thread.MessageCount++
	thread.LastMessageAt = now
	thread.AddParticipant(inbox.Address)
	for _, to := range req.To {
		thread.AddParticipant(to)
	}
	if err := s.store.SaveThread(thread); err != nil {
		s.log.Warn("线程聚合更新失败", zap.String("threadId", thread.ID), zap.Error(err))
	}
	if created && s.metrics != nil {
		s.metrics.ThreadsCreated.Inc()
	}
	return message, nil
}

// resolveThread 回复已有邮件时挂到原线程，否则开新线程。
func (s *Service) resolveThread(inbox *domain.Inbox, req *domain.OutboundRequest) (*domain.Thread, bool) {
	headerIDs := make([]string, 0, len(req.References)+1)
	headerIDs = append(headerIDs, req.References...)
	if req.InReplyTo != "" {
		headerIDs = append(headerIDs, req.InReplyTo)
	}
	headerIDs = domain.CanonicalMessageIDs(headerIDs)

	if len(headerIDs) > 0 {
		if parent, err := s.store.FindMessageByHeaderIDs(inbox.ID, headerIDs); err == nil {
			if thread, err := s.store.GetThread(parent.ThreadID); err == nil {
				return thread, false
			}
		}
	}

	return &domain.Thread{
		ID:         uuid.New().String(),
		InboxID:    inbox.ID,
		Subject:    req.Subject,
		SubjectKey: domain.NormalizeSubject(req.Subject),
		CreatedAt:  s.nowFunc(),
	}, true
}
