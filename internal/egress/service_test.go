package egress

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadbox/backend/internal/domain"
	"threadbox/backend/internal/filter"
	"threadbox/backend/internal/ingest"
	"threadbox/backend/internal/logger"
	"threadbox/backend/internal/provider"
	"threadbox/backend/internal/ratelimit"
	"threadbox/backend/internal/storage/memory"
)

// fakeProvider 记录 Send 调用，按需返回预设结果。
type fakeProvider struct {
	providerType domain.ProviderType
	sendErr      error
	messageID    string

	calls []*domain.OutboundRequest
}

func (f *fakeProvider) Type() domain.ProviderType { return f.providerType }

func (f *fakeProvider) Send(_ context.Context, _ string, req *domain.OutboundRequest) (string, error) {
	f.calls = append(f.calls, req)
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return f.messageID, nil
}

func (f *fakeProvider) ParseInboundWebhook([]byte, http.Header) (*domain.InboundMessage, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) VerifyWebhookSignature([]byte, http.Header) error {
	return errors.New("not implemented")
}

func newTestService(t *testing.T, f *filter.DomainFilter, limiter *ratelimit.Limiter, prov *fakeProvider) (*Service, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	require.NoError(t, store.SaveInbox(&domain.Inbox{
		ID:       "in-1",
		Address:  "box@example.com",
		Provider: domain.ProviderMailgun,
	}))
	providers := map[domain.ProviderType]provider.Provider{
		domain.ProviderMailgun: prov,
	}
	return NewService(store, f, limiter, providers, nil, logger.NewDevelopment()), store
}

func TestSend(t *testing.T) {
	baseReq := func() *domain.OutboundRequest {
		return &domain.OutboundRequest{
			InboxID: "in-1",
			To:      []string{"bob@ext.com"},
			Subject: "hello",
			Body:    "body text",
		}
	}

	t.Run("发送成功并归档", func(t *testing.T) {
		prov := &fakeProvider{providerType: domain.ProviderMailgun, messageID: "prov-123"}
		svc, store := newTestService(t, nil, nil, prov)

		msg, err := svc.Send(context.Background(), baseReq())
		require.NoError(t, err)
		require.Len(t, prov.calls, 1)
		assert.Equal(t, "prov-123", msg.ProviderMessageID)
		assert.Equal(t, domain.DirectionOutbound, msg.Direction)
		assert.Equal(t, "box@example.com", msg.FromAddress)

		stored, err := store.GetMessage("in-1", msg.ID)
		require.NoError(t, err)
		assert.Equal(t, msg.ThreadID, stored.ThreadID)

		thread, err := store.GetThread(msg.ThreadID)
		require.NoError(t, err)
		assert.Equal(t, 1, thread.MessageCount)
		assert.Contains(t, thread.Participants, "box@example.com")
		assert.Contains(t, thread.Participants, "bob@ext.com")
	})

	t.Run("收件箱不存在时报错", func(t *testing.T) {
		prov := &fakeProvider{providerType: domain.ProviderMailgun}
		svc, _ := newTestService(t, nil, nil, prov)

		req := baseReq()
		req.InboxID = "missing"
		_, err := svc.Send(context.Background(), req)
		assert.Error(t, err)
		assert.Empty(t, prov.calls)
	})

	t.Run("无收件人时报错", func(t *testing.T) {
		prov := &fakeProvider{providerType: domain.ProviderMailgun}
		svc, _ := newTestService(t, nil, nil, prov)

		req := baseReq()
		req.To = nil
		_, err := svc.Send(context.Background(), req)
		assert.Error(t, err)
		assert.Empty(t, prov.calls)
	})

	t.Run("任一收件人被过滤则整次拒绝", func(t *testing.T) {
		f, err := filter.New(filter.DirectionOutbound, nil, []string{`evil\.com`}, logger.NewDevelopment())
		require.NoError(t, err)
		prov := &fakeProvider{providerType: domain.ProviderMailgun}
		svc, _ := newTestService(t, f, nil, prov)

		req := baseReq()
		req.CC = []string{"mallory@evil.com"}
		_, err = svc.Send(context.Background(), req)
		assert.ErrorIs(t, err, ErrRecipientsBlocked)
		assert.Contains(t, err.Error(), "mallory@evil.com")
		assert.Empty(t, prov.calls, "被过滤的请求不应触达通道")
	})

	t.Run("危险附件被安全检查拒绝", func(t *testing.T) {
		prov := &fakeProvider{providerType: domain.ProviderMailgun}
		svc, _ := newTestService(t, nil, nil, prov)

		req := baseReq()
		req.Attachments = []*domain.OutboundAttachment{
			{Filename: "payload.exe", Content: []byte("MZ fake binary")},
		}
		_, err := svc.Send(context.Background(), req)
		assert.ErrorIs(t, err, ErrAttachmentBlocked)
		assert.Empty(t, prov.calls)
	})

	t.Run("限流拒绝时返回RateLimitedError且不触达通道", func(t *testing.T) {
		limiter := ratelimit.NewLimiter(1, 0)
		prov := &fakeProvider{providerType: domain.ProviderMailgun, messageID: "prov-1"}
		svc, _ := newTestService(t, nil, limiter, prov)

		_, err := svc.Send(context.Background(), baseReq())
		require.NoError(t, err)
		require.Len(t, prov.calls, 1)

		_, err = svc.Send(context.Background(), baseReq())
		var rle *ratelimit.RateLimitedError
		require.ErrorAs(t, err, &rle)
		assert.Greater(t, rle.RetryAfter, time.Duration(0))
		assert.Len(t, prov.calls, 1, "限流拒绝的请求不应触达通道")
	})

	t.Run("通道发送失败不计入限流窗口", func(t *testing.T) {
		limiter := ratelimit.NewLimiter(1, 0)
		prov := &fakeProvider{providerType: domain.ProviderMailgun, sendErr: errors.New("transport down")}
		svc, _ := newTestService(t, nil, limiter, prov)

		_, err := svc.Send(context.Background(), baseReq())
		assert.Error(t, err)

		// 失败的投递未消耗配额，下一次依旧放行到通道
		prov.sendErr = nil
		prov.messageID = "prov-2"
		_, err = svc.Send(context.Background(), baseReq())
		assert.NoError(t, err)
	})

	t.Run("通道未配置时报错", func(t *testing.T) {
		prov := &fakeProvider{providerType: domain.ProviderMailgun}
		svc, store := newTestService(t, nil, nil, prov)
		require.NoError(t, store.SaveInbox(&domain.Inbox{
			ID:       "in-2",
			Address:  "other@example.com",
			Provider: domain.ProviderSES,
		}))

		req := baseReq()
		req.InboxID = "in-2"
		_, err := svc.Send(context.Background(), req)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "no provider configured")
	})

	t.Run("回复已有邮件时挂到原线程", func(t *testing.T) {
		prov := &fakeProvider{providerType: domain.ProviderMailgun, messageID: "prov-reply"}
		svc, store := newTestService(t, nil, nil, prov)

		parent := &domain.Message{
			ID:                "msg-parent",
			ThreadID:          "thr-1",
			InboxID:           "in-1",
			Direction:         domain.DirectionInbound,
			ProviderMessageID: "prov-parent",
			HeaderMessageID:   "parent@ext.com",
			Subject:           "hello",
			ReceivedAt:        time.Now(),
		}
		require.NoError(t, store.SaveThread(&domain.Thread{
			ID:           "thr-1",
			InboxID:      "in-1",
			Subject:      "hello",
			SubjectKey:   domain.NormalizeSubject("hello"),
			MessageCount: 1,
		}))
		require.NoError(t, store.SaveMessage(parent))

		req := baseReq()
		req.Subject = "Re: hello"
		req.InReplyTo = "<parent@ext.com>"
		msg, err := svc.Send(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "thr-1", msg.ThreadID)

		thread, err := store.GetThread("thr-1")
		require.NoError(t, err)
		assert.Equal(t, 2, thread.MessageCount)
	})

	t.Run("入站回复挂入外发邮件的线程", func(t *testing.T) {
		prov := &fakeProvider{providerType: domain.ProviderMailgun, messageID: "prov-out"}
		svc, store := newTestService(t, nil, nil, prov)
		pipeline := ingest.NewPipeline(store, nil, nil, nil, logger.NewDevelopment())

		req := baseReq()
		req.MessageID = "out-1@threadbox.test"
		sent, err := svc.Send(context.Background(), req)
		require.NoError(t, err)

		// 原始报文路径解析出的引用头带尖括号
		reply := &domain.InboundMessage{
			FromAddress:       "bob@ext.com",
			ToAddresses:       []string{"box@example.com"},
			Subject:           "Re: hello",
			MessageID:         "<reply-1@ext.com>",
			InReplyTo:         "<out-1@threadbox.test>",
			References:        []string{"<out-1@threadbox.test>"},
			ProviderMessageID: "prov-in-1",
			ReceivedAt:        time.Now(),
		}
		result, err := pipeline.Ingest(domain.ProviderMailgun, reply)
		require.NoError(t, err)
		assert.Equal(t, sent.ThreadID, result.ThreadID)

		thread, err := store.GetThread(sent.ThreadID)
		require.NoError(t, err)
		assert.Equal(t, 2, thread.MessageCount)
	})

	t.Run("外发回复挂入入站邮件的线程", func(t *testing.T) {
		prov := &fakeProvider{providerType: domain.ProviderMailgun, messageID: "prov-out-2"}
		svc, store := newTestService(t, nil, nil, prov)
		pipeline := ingest.NewPipeline(store, nil, nil, nil, logger.NewDevelopment())

		inbound := &domain.InboundMessage{
			FromAddress:       "carol@ext.com",
			ToAddresses:       []string{"box@example.com"},
			Subject:           "question",
			MessageID:         "<root-9@ext.com>",
			ProviderMessageID: "prov-in-9",
			ReceivedAt:        time.Now(),
		}
		result, err := pipeline.Ingest(domain.ProviderMailgun, inbound)
		require.NoError(t, err)

		req := baseReq()
		req.To = []string{"carol@ext.com"}
		req.Subject = "Re: question"
		req.InReplyTo = "<root-9@ext.com>"
		sent, err := svc.Send(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, result.ThreadID, sent.ThreadID)

		thread, err := store.GetThread(result.ThreadID)
		require.NoError(t, err)
		assert.Equal(t, 2, thread.MessageCount)
	})

	t.Run("引用头无法匹配时开新线程", func(t *testing.T) {
		prov := &fakeProvider{providerType: domain.ProviderMailgun, messageID: "prov-new"}
		svc, store := newTestService(t, nil, nil, prov)

		req := baseReq()
		req.InReplyTo = "<unknown@ext.com>"
		msg, err := svc.Send(context.Background(), req)
		require.NoError(t, err)
		assert.NotEmpty(t, msg.ThreadID)

		thread, err := store.GetThread(msg.ThreadID)
		require.NoError(t, err)
		assert.Equal(t, 1, thread.MessageCount)
	})
}
