package httptransport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadbox/backend/internal/config"
	"threadbox/backend/internal/domain"
	"threadbox/backend/internal/egress"
	"threadbox/backend/internal/filter"
	"threadbox/backend/internal/ingest"
	"threadbox/backend/internal/logger"
	"threadbox/backend/internal/monitoring"
	"threadbox/backend/internal/provider"
	"threadbox/backend/internal/ratelimit"
	"threadbox/backend/internal/storage/memory"
)

// Prometheus 指标挂默认注册表，整个测试进程只初始化一次
var (
	metricsOnce sync.Once
	testMetrics *monitoring.Metrics
)

func sharedMetrics() *monitoring.Metrics {
	metricsOnce.Do(func() {
		gin.SetMode(gin.TestMode)
		testMetrics = monitoring.NewMetrics()
	})
	return testMetrics
}

// stubProvider 行为完全由字段预设。
type stubProvider struct {
	typ       domain.ProviderType
	verifyErr error
	parsed    *domain.InboundMessage
	parseErr  error
	sendID    string
	sendErr   error
}

func (s *stubProvider) Type() domain.ProviderType { return s.typ }

func (s *stubProvider) Send(context.Context, string, *domain.OutboundRequest) (string, error) {
	if s.sendErr != nil {
		return "", s.sendErr
	}
	return s.sendID, nil
}

func (s *stubProvider) ParseInboundWebhook([]byte, http.Header) (*domain.InboundMessage, error) {
	if s.parseErr != nil {
		return nil, s.parseErr
	}
	return s.parsed, nil
}

func (s *stubProvider) VerifyWebhookSignature([]byte, http.Header) error {
	return s.verifyErr
}

type testEnv struct {
	router   *gin.Engine
	store    *memory.Store
	pipeline *ingest.Pipeline
	stub     *stubProvider
}

func newTestEnv(t *testing.T, limiter *ratelimit.Limiter, outFilter *filter.DomainFilter) *testEnv {
	t.Helper()
	log := logger.NewDevelopment()
	store := memory.NewStore()
	require.NoError(t, store.SaveInbox(&domain.Inbox{
		ID:       "in-1",
		Address:  "box@example.com",
		Provider: domain.ProviderMailgun,
	}))

	stub := &stubProvider{typ: domain.ProviderMailgun, sendID: "prov-1"}
	providers := map[domain.ProviderType]provider.Provider{
		domain.ProviderMailgun: stub,
	}
	pipeline := ingest.NewPipeline(store, nil, nil, nil, log)
	egressService := egress.NewService(store, outFilter, limiter, providers, nil, log)

	router := NewRouter(RouterDependencies{
		Config:    &config.Config{CORS: config.CORSConfig{AllowedOrigins: []string{"*"}}},
		Store:     store,
		Pipeline:  pipeline,
		Egress:    egressService,
		Providers: providers,
		Metrics:   sharedMetrics(),
		Logger:    log,
	})
	return &testEnv{router: router, store: store, pipeline: pipeline, stub: stub}
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestInboxEndpoints(t *testing.T) {
	t.Run("创建收件箱", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		rec := env.do(http.MethodPost, "/api/v1/inboxes", gin.H{
			"address":  "new@example.com",
			"provider": "mailgun",
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		inbox, err := env.store.GetInboxByAddress("new@example.com")
		require.NoError(t, err)
		assert.Equal(t, domain.ProviderMailgun, inbox.Provider)
	})

	t.Run("非法地址拒绝", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		rec := env.do(http.MethodPost, "/api/v1/inboxes", gin.H{
			"address":  "not-an-email",
			"provider": "mailgun",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("未知通道类型拒绝", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		rec := env.do(http.MethodPost, "/api/v1/inboxes", gin.H{
			"address":  "new@example.com",
			"provider": "pigeon",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("未配置凭据的通道拒绝", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		rec := env.do(http.MethodPost, "/api/v1/inboxes", gin.H{
			"address":  "new@example.com",
			"provider": "sendgrid",
		})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decodeResponse(t, rec)["msg"], "未配置")
	})

	t.Run("列出与查询", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		rec := env.do(http.MethodGet, "/api/v1/inboxes", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		data := decodeResponse(t, rec)["data"].(map[string]any)
		assert.Equal(t, float64(1), data["total"])

		rec = env.do(http.MethodGet, "/api/v1/inboxes/in-1", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = env.do(http.MethodGet, "/api/v1/inboxes/missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("删除", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		rec := env.do(http.MethodDelete, "/api/v1/inboxes/in-1", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = env.do(http.MethodDelete, "/api/v1/inboxes/in-1", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("非IMAP收件箱不可手动同步", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		rec := env.do(http.MethodPost, "/api/v1/inboxes/in-1/sync", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestInboundWebhook(t *testing.T) {
	inbound := &domain.InboundMessage{
		FromAddress:       "alice@ext.com",
		ToAddresses:       []string{"box@example.com"},
		Subject:           "hello",
		BodyPlain:         "hi",
		ProviderMessageID: "prov-msg-1",
		ReceivedAt:        time.Now(),
	}

	t.Run("验签通过后入库", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		env.stub.parsed = inbound

		rec := env.do(http.MethodPost, "/webhooks/mailgun", gin.H{"any": "payload"})
		require.Equal(t, http.StatusOK, rec.Code)
		data := decodeResponse(t, rec)["data"].(map[string]any)
		assert.Equal(t, "received", data["status"])

		msg, err := env.store.FindMessageByProviderID("in-1", "prov-msg-1")
		require.NoError(t, err)
		assert.Equal(t, "hello", msg.Subject)
	})

	t.Run("签名失败返回401", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		env.stub.verifyErr = &provider.SignatureError{Provider: domain.ProviderMailgun, Reason: "bad signature"}

		rec := env.do(http.MethodPost, "/webhooks/mailgun", gin.H{})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("载荷解析失败返回400", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		env.stub.parseErr = &provider.ParseError{Provider: domain.ProviderMailgun, Reason: "missing sender"}

		rec := env.do(http.MethodPost, "/webhooks/mailgun", gin.H{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("未知通道返回404", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		rec := env.do(http.MethodPost, "/webhooks/pigeon", gin.H{})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("imap_smtp不接受Webhook", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		rec := env.do(http.MethodPost, "/webhooks/imap_smtp", gin.H{})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("重复投递返回200", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		env.stub.parsed = inbound

		first := env.do(http.MethodPost, "/webhooks/mailgun", gin.H{})
		require.Equal(t, http.StatusOK, first.Code)
		second := env.do(http.MethodPost, "/webhooks/mailgun", gin.H{})
		require.Equal(t, http.StatusOK, second.Code)
		data := decodeResponse(t, second)["data"].(map[string]any)
		assert.Equal(t, "duplicate", data["status"])
	})
}

func TestSendEndpoint(t *testing.T) {
	sendBody := gin.H{
		"to":      []string{"bob@ext.com"},
		"subject": "hello",
		"body":    "text",
	}

	t.Run("发送成功返回201", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		rec := env.do(http.MethodPost, "/api/v1/inboxes/in-1/messages", sendBody)
		require.Equal(t, http.StatusCreated, rec.Code)
		data := decodeResponse(t, rec)["data"].(map[string]any)
		assert.Equal(t, "prov-1", data["providerMessageId"])
	})

	t.Run("收件箱不存在返回404", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		rec := env.do(http.MethodPost, "/api/v1/inboxes/missing/messages", sendBody)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("缺少收件人返回400", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		rec := env.do(http.MethodPost, "/api/v1/inboxes/in-1/messages", gin.H{
			"subject": "x", "body": "x",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("被域名过滤拒绝返回403", func(t *testing.T) {
		f, err := filter.New(filter.DirectionOutbound, nil, []string{`evil\.com`}, logger.NewDevelopment())
		require.NoError(t, err)
		env := newTestEnv(t, nil, f)

		rec := env.do(http.MethodPost, "/api/v1/inboxes/in-1/messages", gin.H{
			"to": []string{"mallory@evil.com"}, "subject": "x", "body": "x",
		})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("限流拒绝返回429带RetryAfter", func(t *testing.T) {
		env := newTestEnv(t, ratelimit.NewLimiter(1, 0), nil)

		first := env.do(http.MethodPost, "/api/v1/inboxes/in-1/messages", sendBody)
		require.Equal(t, http.StatusCreated, first.Code)

		second := env.do(http.MethodPost, "/api/v1/inboxes/in-1/messages", sendBody)
		require.Equal(t, http.StatusTooManyRequests, second.Code)
		assert.NotEmpty(t, second.Header().Get("Retry-After"))
	})

	t.Run("附件非法base64返回400", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		rec := env.do(http.MethodPost, "/api/v1/inboxes/in-1/messages", gin.H{
			"to": []string{"bob@ext.com"}, "subject": "x", "body": "x",
			"attachments": []gin.H{{"filename": "a.txt", "content": "not-base64!!!"}},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("危险附件返回400", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		rec := env.do(http.MethodPost, "/api/v1/inboxes/in-1/messages", gin.H{
			"to": []string{"bob@ext.com"}, "subject": "x", "body": "x",
			"attachments": []gin.H{{
				"filename": "payload.exe",
				"content":  base64.StdEncoding.EncodeToString([]byte("data")),
			}},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("通道校验类失败返回400", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		env.stub.sendErr = &provider.ProviderError{
			Provider: domain.ProviderMailgun,
			Kind:     provider.ErrorKindValidation,
			Message:  "bad recipient",
		}
		rec := env.do(http.MethodPost, "/api/v1/inboxes/in-1/messages", sendBody)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("通道传输类失败返回500", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		env.stub.sendErr = &provider.ProviderError{
			Provider: domain.ProviderMailgun,
			Kind:     provider.ErrorKindTransport,
			Message:  "upstream down",
		}
		rec := env.do(http.MethodPost, "/api/v1/inboxes/in-1/messages", sendBody)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestThreadAndMessageEndpoints(t *testing.T) {
	seed := func(t *testing.T, env *testEnv) (threadID, messageID string) {
		t.Helper()
		result, err := env.pipeline.Ingest(domain.ProviderMailgun, &domain.InboundMessage{
			FromAddress:       "alice@ext.com",
			ToAddresses:       []string{"box@example.com"},
			Subject:           "hello",
			BodyPlain:         "hi",
			ProviderMessageID: "prov-msg-1",
			ReceivedAt:        time.Now(),
			Attachments: []*domain.InboundAttachment{
				{Filename: "a.txt", ContentType: "text/plain", Content: []byte("attached"), Size: 8},
			},
		})
		require.NoError(t, err)
		return result.ThreadID, result.MessageID
	}

	t.Run("线程列表与详情", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		threadID, _ := seed(t, env)

		rec := env.do(http.MethodGet, "/api/v1/inboxes/in-1/threads", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		data := decodeResponse(t, rec)["data"].(map[string]any)
		assert.Equal(t, float64(1), data["total"])

		rec = env.do(http.MethodGet, "/api/v1/inboxes/in-1/threads/"+threadID, nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = env.do(http.MethodGet, "/api/v1/inboxes/in-1/threads/missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("跨收件箱读线程返回404", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		threadID, _ := seed(t, env)
		require.NoError(t, env.store.SaveInbox(&domain.Inbox{
			ID: "in-2", Address: "other@example.com", Provider: domain.ProviderMailgun,
		}))

		rec := env.do(http.MethodGet, "/api/v1/inboxes/in-2/threads/"+threadID, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("线程邮件列表含附件元数据", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		threadID, _ := seed(t, env)

		rec := env.do(http.MethodGet, "/api/v1/inboxes/in-1/threads/"+threadID+"/messages", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		data := decodeResponse(t, rec)["data"].(map[string]any)
		messages := data["messages"].([]any)
		require.Len(t, messages, 1)
		attachments := messages[0].(map[string]any)["attachments"].([]any)
		require.Len(t, attachments, 1)
		assert.Equal(t, "a.txt", attachments[0].(map[string]any)["filename"])
	})

	t.Run("附件下载返回原始内容", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		_, messageID := seed(t, env)

		atts, err := env.store.ListAttachments(messageID)
		require.NoError(t, err)
		require.Len(t, atts, 1)

		rec := env.do(http.MethodGet, "/api/v1/inboxes/in-1/messages/"+messageID+"/attachments/"+atts[0].ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "attached", rec.Body.String())
		assert.Contains(t, rec.Header().Get("Content-Disposition"), "a.txt")
	})

	t.Run("邮件详情与404", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		_, messageID := seed(t, env)

		rec := env.do(http.MethodGet, "/api/v1/inboxes/in-1/messages/"+messageID, nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = env.do(http.MethodGet, "/api/v1/inboxes/in-1/messages/missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
