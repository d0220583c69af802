package imappoll

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadbox/backend/internal/domain"
	"threadbox/backend/internal/ingest"
	"threadbox/backend/internal/logger"
	"threadbox/backend/internal/storage/memory"
)

// fakeSession 按预设内容应答，记录操作顺序。
type fakeSession struct {
	uidValidity uint32
	messages    []FetchedMessage
	selectErr   error
	fetchErr    error

	fetchedSince []uint32
	seen         [][]uint32
	deleted      [][]uint32
	ops          []string
	closed       bool
}

func (s *fakeSession) SelectMailbox(string) (uint32, error) {
	s.ops = append(s.ops, "select")
	if s.selectErr != nil {
		return 0, s.selectErr
	}
	return s.uidValidity, nil
}

func (s *fakeSession) FetchSince(lastUID uint32) ([]FetchedMessage, error) {
	s.ops = append(s.ops, "fetch")
	s.fetchedSince = append(s.fetchedSince, lastUID)
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	out := make([]FetchedMessage, 0, len(s.messages))
	for _, m := range s.messages {
		if m.UID > lastUID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeSession) MarkSeen(uids []uint32) error {
	s.ops = append(s.ops, "seen")
	s.seen = append(s.seen, uids)
	return nil
}

func (s *fakeSession) DeleteAndExpunge(uids []uint32) error {
	s.ops = append(s.ops, "delete")
	s.deleted = append(s.deleted, uids)
	return nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeDialer struct {
	session *fakeSession
	err     error
}

func (d fakeDialer) Dial(*domain.IMAPSettings) (Session, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.session, nil
}

// failingSaveStore 让 SaveMessage 按开关失败，其余走内存实现。
type failingSaveStore struct {
	*memory.Store
	failSave bool
}

func (s *failingSaveStore) SaveMessage(m *domain.Message) error {
	if s.failSave {
		return errors.New("storage unavailable")
	}
	return s.Store.SaveMessage(m)
}

func rawMail(messageID, subject string) []byte {
	raw := "From: alice@ext.com\r\nTo: box@example.com\r\nSubject: " + subject + "\r\n"
	if messageID != "" {
		raw += "Message-Id: <" + messageID + ">\r\n"
	}
	return []byte(raw + "\r\nhello body\r\n")
}

func testInbox(markRead, deleteAfter bool) *domain.Inbox {
	return &domain.Inbox{
		ID:       "in-1",
		Address:  "box@example.com",
		Provider: domain.ProviderIMAPSMTP,
		IMAP: domain.IMAPSettings{
			Host:        "imap.example.com",
			Port:        993,
			PollEnabled: true,
			MarkRead:    markRead,
			DeleteAfter: deleteAfter,
		},
	}
}

func newTestManager(t *testing.T, inbox *domain.Inbox, session *fakeSession) (*Manager, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	require.NoError(t, store.SaveInbox(inbox))
	pipeline := ingest.NewPipeline(store, nil, nil, nil, logger.NewDevelopment())
	m := NewManager(store, pipeline, fakeDialer{session: session}, nil, logger.NewDevelopment())
	return m, store
}

func TestRunCycle(t *testing.T) {
	t.Run("抓取新邮件并推进进度", func(t *testing.T) {
		session := &fakeSession{
			uidValidity: 42,
			messages: []FetchedMessage{
				{UID: 5, Raw: rawMail("m1@ext.com", "first")},
				{UID: 7, Raw: rawMail("m2@ext.com", "second")},
			},
		}
		inbox := testInbox(false, false)
		m, store := newTestManager(t, inbox, session)

		fetched, err := m.runCycle(&worker{inbox: inbox})
		require.NoError(t, err)
		assert.Equal(t, 2, fetched)
		assert.True(t, session.closed)

		state, err := store.GetPollState("in-1")
		require.NoError(t, err)
		assert.Equal(t, uint32(42), state.UIDValidity)
		assert.Equal(t, uint32(7), state.LastUID)
		assert.Equal(t, "INBOX", state.Mailbox)

		msg, err := store.FindMessageByProviderID("in-1", "<m1@ext.com>")
		require.NoError(t, err)
		assert.Equal(t, domain.DirectionInbound, msg.Direction)
	})

	t.Run("第二个周期从上次进度继续", func(t *testing.T) {
		session := &fakeSession{
			uidValidity: 42,
			messages:    []FetchedMessage{{UID: 5, Raw: rawMail("m1@ext.com", "first")}},
		}
		inbox := testInbox(false, false)
		m, _ := newTestManager(t, inbox, session)
		w := &worker{inbox: inbox}

		_, err := m.runCycle(w)
		require.NoError(t, err)
		fetched, err := m.runCycle(w)
		require.NoError(t, err)

		assert.Equal(t, 0, fetched)
		assert.Equal(t, []uint32{0, 5}, session.fetchedSince)
	})

	t.Run("UIDVALIDITY变化时重置进度全量再扫", func(t *testing.T) {
		session := &fakeSession{
			uidValidity: 2,
			messages:    []FetchedMessage{{UID: 3, Raw: rawMail("m1@ext.com", "first")}},
		}
		inbox := testInbox(false, false)
		m, store := newTestManager(t, inbox, session)
		require.NoError(t, store.SavePollState(&domain.ImapPollState{
			InboxID:     "in-1",
			Mailbox:     "INBOX",
			UIDValidity: 1,
			LastUID:     50,
		}))

		fetched, err := m.runCycle(&worker{inbox: inbox})
		require.NoError(t, err)
		assert.Equal(t, 1, fetched)
		assert.Equal(t, []uint32{0}, session.fetchedSince, "重置后应从 UID 0 重新抓取")

		state, err := store.GetPollState("in-1")
		require.NoError(t, err)
		assert.Equal(t, uint32(2), state.UIDValidity)
		assert.Equal(t, uint32(3), state.LastUID)
	})

	t.Run("重置后重抓的旧邮件被去重", func(t *testing.T) {
		session := &fakeSession{
			uidValidity: 1,
			messages:    []FetchedMessage{{UID: 9, Raw: rawMail("stable@ext.com", "hello")}},
		}
		inbox := testInbox(false, false)
		m, store := newTestManager(t, inbox, session)
		w := &worker{inbox: inbox}

		_, err := m.runCycle(w)
		require.NoError(t, err)

		// 服务端重新编号，同一封邮件换了 UID 再次出现
		session.uidValidity = 2
		session.messages = []FetchedMessage{{UID: 1, Raw: rawMail("stable@ext.com", "hello")}}
		_, err = m.runCycle(w)
		require.NoError(t, err)

		threads, err := store.ListThreads("in-1")
		require.NoError(t, err)
		require.Len(t, threads, 1)
		assert.Equal(t, 1, threads[0].MessageCount)
	})

	t.Run("缺少MessageID时用uid合成去重键", func(t *testing.T) {
		session := &fakeSession{
			uidValidity: 42,
			messages:    []FetchedMessage{{UID: 5, Raw: rawMail("", "no id")}},
		}
		inbox := testInbox(false, false)
		m, store := newTestManager(t, inbox, session)

		_, err := m.runCycle(&worker{inbox: inbox})
		require.NoError(t, err)

		_, err = store.FindMessageByProviderID("in-1", fmt.Sprintf("uid:%d:%d", 42, 5))
		assert.NoError(t, err)
	})

	t.Run("摄取失败时不推进进度下周期重试", func(t *testing.T) {
		session := &fakeSession{
			uidValidity: 42,
			messages:    []FetchedMessage{{UID: 5, Raw: rawMail("m1@ext.com", "first")}},
		}
		inbox := testInbox(true, false)
		mem := memory.NewStore()
		require.NoError(t, mem.SaveInbox(inbox))
		store := &failingSaveStore{Store: mem, failSave: true}
		pipeline := ingest.NewPipeline(store, nil, nil, nil, logger.NewDevelopment())
		m := NewManager(store, pipeline, fakeDialer{session: session}, nil, logger.NewDevelopment())
		w := &worker{inbox: inbox}

		fetched, err := m.runCycle(w)
		require.NoError(t, err)
		assert.Equal(t, 0, fetched)
		assert.Empty(t, session.seen, "失败的邮件不应被置已读")

		state, err := store.GetPollState("in-1")
		require.NoError(t, err)
		assert.Equal(t, uint32(0), state.LastUID)

		// 存储恢复后同一封邮件被重新摄取
		store.failSave = false
		fetched, err = m.runCycle(w)
		require.NoError(t, err)
		assert.Equal(t, 1, fetched)

		state, err = store.GetPollState("in-1")
		require.NoError(t, err)
		assert.Equal(t, uint32(5), state.LastUID)
	})

	t.Run("MarkRead开启时置已读", func(t *testing.T) {
		session := &fakeSession{
			uidValidity: 42,
			messages:    []FetchedMessage{{UID: 5, Raw: rawMail("m1@ext.com", "first")}},
		}
		inbox := testInbox(true, false)
		m, _ := newTestManager(t, inbox, session)

		_, err := m.runCycle(&worker{inbox: inbox})
		require.NoError(t, err)
		require.Len(t, session.seen, 1)
		assert.Equal(t, []uint32{5}, session.seen[0])
		assert.Empty(t, session.deleted)
	})

	t.Run("DeleteAfter在置已读之后执行", func(t *testing.T) {
		session := &fakeSession{
			uidValidity: 42,
			messages:    []FetchedMessage{{UID: 5, Raw: rawMail("m1@ext.com", "first")}},
		}
		inbox := testInbox(true, true)
		m, _ := newTestManager(t, inbox, session)

		_, err := m.runCycle(&worker{inbox: inbox})
		require.NoError(t, err)
		assert.Equal(t, []string{"select", "fetch", "seen", "delete"}, session.ops)
		require.Len(t, session.deleted, 1)
		assert.Equal(t, []uint32{5}, session.deleted[0])
	})

	t.Run("MarkRead关闭时不回写任何标记", func(t *testing.T) {
		session := &fakeSession{
			uidValidity: 42,
			messages:    []FetchedMessage{{UID: 5, Raw: rawMail("m1@ext.com", "first")}},
		}
		inbox := testInbox(false, false)
		m, _ := newTestManager(t, inbox, session)

		_, err := m.runCycle(&worker{inbox: inbox})
		require.NoError(t, err)
		assert.Empty(t, session.seen)
		assert.Empty(t, session.deleted)
	})

	t.Run("连接失败时返回错误且不动进度", func(t *testing.T) {
		inbox := testInbox(false, false)
		store := memory.NewStore()
		require.NoError(t, store.SaveInbox(inbox))
		pipeline := ingest.NewPipeline(store, nil, nil, nil, logger.NewDevelopment())
		m := NewManager(store, pipeline, fakeDialer{err: errors.New("connection refused")}, nil, logger.NewDevelopment())

		_, err := m.runCycle(&worker{inbox: inbox})
		assert.Error(t, err)
	})
}

func TestSyncNow(t *testing.T) {
	t.Run("未注册的收件箱返回ErrInboxNotPolled", func(t *testing.T) {
		inbox := testInbox(false, false)
		m, _ := newTestManager(t, inbox, &fakeSession{uidValidity: 1})

		_, err := m.SyncNow(context.Background(), "unknown")
		assert.ErrorIs(t, err, ErrInboxNotPolled)
	})

	t.Run("已注册的收件箱立即执行一个周期", func(t *testing.T) {
		session := &fakeSession{
			uidValidity: 42,
			messages:    []FetchedMessage{{UID: 5, Raw: rawMail("m1@ext.com", "first")}},
		}
		inbox := testInbox(false, false)
		m, _ := newTestManager(t, inbox, session)
		m.workers[inbox.ID] = &worker{inbox: inbox}

		fetched, err := m.SyncNow(context.Background(), inbox.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, fetched)
	})

	t.Run("已取消的上下文直接返回", func(t *testing.T) {
		inbox := testInbox(false, false)
		m, _ := newTestManager(t, inbox, &fakeSession{uidValidity: 1})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := m.SyncNow(ctx, inbox.ID)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
