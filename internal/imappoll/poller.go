package imappoll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"threadbox/backend/internal/domain"
	"threadbox/backend/internal/ingest"
	"threadbox/backend/internal/mailparse"
	"threadbox/backend/internal/monitoring"
	"threadbox/backend/internal/storage"
)

const (
	defaultPollInterval = time.Minute
	defaultMailbox      = "INBOX"
	maxBackoff          = 10 * time.Minute
)

// ErrInboxNotPolled 请求同步的收件箱没有运行中的轮询任务。
var ErrInboxNotPolled = errors.New("inbox has no polling worker")

// Manager 管理全部 IMAP 轮询任务，每个启用轮询的收件箱一个 goroutine。
//
// 同一收件箱的轮询周期严格串行，周期内不响应取消，
// 取消只在两个周期之间生效。
type Manager struct {
	store    storage.Store
	pipeline *ingest.Pipeline
	dialer   Dialer
	metrics  *monitoring.Metrics
	log      *zap.Logger

	mu      sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup
}

type worker struct {
	inbox *domain.Inbox
	// cycleMu 保证定时轮询与 SyncNow 不会并发跑同一个邮箱
	cycleMu sync.Mutex
}

// NewManager 创建轮询管理器。
func NewManager(store storage.Store, pipeline *ingest.Pipeline, dialer Dialer, metrics *monitoring.Metrics, log *zap.Logger) *Manager {
	if dialer == nil {
		dialer = GoImapDialer{}
	}
	return &Manager{
		store:    store,
		pipeline: pipeline,
		dialer:   dialer,
		metrics:  metrics,
		log:      log,
		workers:  make(map[string]*worker),
	}
}

// Run 为所有启用轮询的收件箱启动任务并阻塞到 ctx 取消。
func (m *Manager) Run(ctx context.Context) error {
	inboxes, err := m.store.ListInboxes()
	if err != nil {
		return fmt.Errorf("list inboxes: %w", err)
	}
	for i := range inboxes {
		inbox := inboxes[i]
		if inbox.Provider == domain.ProviderIMAPSMTP && inbox.IMAP.PollEnabled {
			m.startWorker(ctx, &inbox)
		}
	}
	<-ctx.Done()
	m.wg.Wait()
	return ctx.Err()
}

// StartInbox 为新增的收件箱补启一个轮询任务。
func (m *Manager) StartInbox(ctx context.Context, inbox *domain.Inbox) {
	if inbox.Provider != domain.ProviderIMAPSMTP || !inbox.IMAP.PollEnabled {
		return
	}
	m.startWorker(ctx, inbox)
}

func (m *Manager) startWorker(ctx context.Context, inbox *domain.Inbox) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workers[inbox.ID]; exists {
		return
	}
	w := &worker{inbox: inbox}
	m.workers[inbox.ID] = w

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(ctx, w)
	}()
}

func (m *Manager) loop(ctx context.Context, w *worker) {
	interval := w.inbox.IMAP.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	backoff := interval

	m.log.Info("IMAP 轮询任务启动",
		zap.String("inboxId", w.inbox.ID),
		zap.String("host", w.inbox.IMAP.Host),
		zap.Duration("interval", interval))

	for {
		fetched, err := m.runCycle(w)
		if err != nil {
			m.log.Warn("IMAP 轮询周期失败",
				zap.String("inboxId", w.inbox.ID),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			if m.metrics != nil {
				m.metrics.RecordPollCycle("error", 0)
			}
		} else {
			if m.metrics != nil {
				m.metrics.RecordPollCycle("ok", fetched)
			}
			backoff = interval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if err != nil {
			// 连续失败时指数退避，封顶 maxBackoff
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// SyncNow 立即对指定收件箱执行一个轮询周期，返回取回的邮件数。
func (m *Manager) SyncNow(ctx context.Context, inboxID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	w, ok := m.workers[inboxID]
	m.mu.Unlock()
	if !ok {
		return 0, ErrInboxNotPolled
	}
	return m.runCycle(w)
}

// runCycle 执行一个完整的轮询周期：连接、选邮箱、校验 UIDVALIDITY、
// 抓取新邮件送入摄取管道、按配置回写标记、持久化进度。
func (m *Manager) runCycle(w *worker) (int, error) {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	settings := &w.inbox.IMAP
	mailbox := settings.Mailbox
	if mailbox == "" {
		mailbox = defaultMailbox
	}

	state, err := m.store.GetPollState(w.inbox.ID)
	if errors.Is(err, storage.ErrPollStateNotFound) {
		state = &domain.ImapPollState{InboxID: w.inbox.ID, Mailbox: mailbox}
	} else if err != nil {
		return 0, fmt.Errorf("load poll state: %w", err)
	}

	session, err := m.dialer.Dial(settings)
	if err != nil {
		return 0, err
	}
	defer session.Close()

	uidValidity, err := session.SelectMailbox(mailbox)
	if err != nil {
		return 0, err
	}

	if state.UIDValidity != 0 && state.UIDValidity != uidValidity {
		// 邮箱被服务端重新编号，历史 UID 作废，从头再扫。
		// 已摄取过的邮件靠去重键挡住，不会二次入库。
		m.log.Warn("UIDVALIDITY 变化，重置轮询进度",
			zap.String("inboxId", w.inbox.ID),
			zap.Uint32("old", state.UIDValidity),
			zap.Uint32("new", uidValidity))
		if m.metrics != nil {
			m.metrics.UIDValidityReset.Inc()
		}
		state.LastUID = 0
	}
	state.UIDValidity = uidValidity
	state.Mailbox = mailbox

	messages, err := session.FetchSince(state.LastUID)
	if err != nil {
		return 0, err
	}
	if len(messages) == 0 {
		state.UpdatedAt = time.Now()
		if err := m.store.SavePollState(state); err != nil {
			return 0, fmt.Errorf("save poll state: %w", err)
		}
		return 0, nil
	}

	processed := make([]uint32, 0, len(messages))
	for _, msg := range messages {
		inbound := mailparse.ParseRawEmail(msg.Raw)
		if inbound.ProviderMessageID == "" {
			if inbound.MessageID != "" {
				// Message-ID 在 UIDVALIDITY 重置后依然稳定，优先使用
				inbound.ProviderMessageID = inbound.MessageID
			} else {
				inbound.ProviderMessageID = fmt.Sprintf("uid:%d:%d", uidValidity, msg.UID)
			}
		}

		if _, err := m.pipeline.Ingest(domain.ProviderIMAPSMTP, inbound); err != nil {
			// 单封失败不推进 LastUID，下个周期重试
			m.log.Error("IMAP 邮件摄取失败",
				zap.String("inboxId", w.inbox.ID),
				zap.Uint32("uid", msg.UID),
				zap.Error(err))
			break
		}

		processed = append(processed, msg.UID)
		if msg.UID > state.LastUID {
			state.LastUID = msg.UID
		}
	}

	if len(processed) > 0 {
		if settings.MarkRead {
			if err := session.MarkSeen(processed); err != nil {
				m.log.Warn("IMAP 置已读失败", zap.String("inboxId", w.inbox.ID), zap.Error(err))
			} else if settings.DeleteAfter {
				if err := session.DeleteAndExpunge(processed); err != nil {
					m.log.Warn("IMAP 删除失败", zap.String("inboxId", w.inbox.ID), zap.Error(err))
				}
			}
		}
	}

	state.UpdatedAt = time.Now()
	if err := m.store.SavePollState(state); err != nil {
		return len(processed), fmt.Errorf("save poll state: %w", err)
	}
	return len(processed), nil
}
