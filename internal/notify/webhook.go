// Package notify 把新邮件事件推送给下游订阅方。
package notify

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"threadbox/backend/internal/domain"
	"threadbox/backend/internal/pool"
)

// EventMessageReceived 新邮件入库事件。
const EventMessageReceived = "message.received"

// Endpoint 一个下游订阅端点。
type Endpoint struct {
	URL    string
	Secret string
	Events []string
}

// Event 推送给下游的事件信封。
type Event struct {
	ID        string      `json:"id"`
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// messagePayload message.received 事件的数据体。正文全量携带，
// 附件只带元数据，下游需要内容时走附件接口取。
type messagePayload struct {
	Inbox   *domain.Inbox   `json:"inbox"`
	Message *domain.Message `json:"message"`
	Thread  *domain.Thread  `json:"thread"`
}

// Notifier 下游 Webhook 推送器，投递经由协程池异步执行。
type Notifier struct {
	endpoints  []Endpoint
	httpClient *http.Client
	workers    *pool.WorkerPool
	log        *zap.Logger
	// retrySchedule 每次失败后的等待间隔，长度即最大重试次数
	retrySchedule []time.Duration
}

// NewNotifier 创建推送器。endpoints 为空时推送是 no-op。
func NewNotifier(endpoints []Endpoint, workers *pool.WorkerPool, log *zap.Logger) *Notifier {
	return &Notifier{
		endpoints:     endpoints,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		workers:       workers,
		log:           log,
		retrySchedule: []time.Duration{5 * time.Second, 30 * time.Second, 2 * time.Minute},
	}
}

// NotifyMessageReceived 把新邮件事件分发给订阅了该事件的端点。
// 调用立即返回，投递在协程池里执行。
func (n *Notifier) NotifyMessageReceived(inbox *domain.Inbox, message *domain.Message, thread *domain.Thread) {
	if len(n.endpoints) == 0 {
		return
	}

	event := Event{
		ID:        uuid.New().String(),
		Event:     EventMessageReceived,
		Timestamp: time.Now(),
		Data:      messagePayload{Inbox: inbox, Message: message, Thread: thread},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		n.log.Error("事件序列化失败", zap.Error(err))
		return
	}

	for _, ep := range n.endpoints {
		if !subscribed(ep.Events, EventMessageReceived) {
			continue
		}
		endpoint := ep
		submitted := n.workers.TrySubmit(func() {
			n.deliver(endpoint, event.ID, payload)
		})
		if !submitted {
			n.log.Warn("推送队列已满，事件被丢弃",
				zap.String("url", endpoint.URL),
				zap.String("eventId", event.ID))
		}
	}
}

// deliver 投递一个事件，失败按 retrySchedule 重试。
func (n *Notifier) deliver(ep Endpoint, eventID string, payload []byte) {
	for attempt := 0; ; attempt++ {
		err := n.post(ep, eventID, payload)
		if err == nil {
			n.log.Debug("事件推送成功",
				zap.String("url", ep.URL),
				zap.String("eventId", eventID),
				zap.Int("attempt", attempt+1))
			return
		}

		if attempt >= len(n.retrySchedule) {
			n.log.Error("事件推送彻底失败",
				zap.String("url", ep.URL),
				zap.String("eventId", eventID),
				zap.Int("attempts", attempt+1),
				zap.Error(err))
			return
		}

		n.log.Warn("事件推送失败，稍后重试",
			zap.String("url", ep.URL),
			zap.String("eventId", eventID),
			zap.Duration("retryIn", n.retrySchedule[attempt]),
			zap.Error(err))
		time.Sleep(n.retrySchedule[attempt])
	}
}

func (n *Notifier) post(ep Endpoint, eventID string, payload []byte) error {
	req, err := http.NewRequest(http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", EventMessageReceived)
	req.Header.Set("X-Webhook-ID", eventID)
	if ep.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(payload, ep.Secret))
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpError{status: resp.StatusCode}
	}
	return nil
}

// Sign 计算事件体的 HMAC-SHA256 十六进制签名，下游据此验证来源。
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type httpError struct {
	status int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.status)
}

func subscribed(events []string, event string) bool {
	// 未显式声明订阅列表的端点接收全部事件
	if len(events) == 0 {
		return true
	}
	for _, e := range events {
		if e == event {
			return true
		}
	}
	return false
}
