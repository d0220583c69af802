package provider

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadbox/backend/internal/domain"
	"threadbox/backend/internal/logger"
	"threadbox/backend/internal/smtpout"
)

func TestIMAPSMTPProvider(t *testing.T) {
	sender := smtpout.NewSender(smtpout.Config{Host: "127.0.0.1", Port: 1}, logger.NewDevelopment())
	p := NewIMAPSMTPProvider(sender)

	t.Run("通道类型", func(t *testing.T) {
		assert.Equal(t, domain.ProviderIMAPSMTP, p.Type())
	})

	t.Run("已取消的上下文直接失败", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := p.Send(ctx, "box@example.com", &domain.OutboundRequest{To: []string{"bob@ext.com"}})
		var pe *ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, ErrorKindTransport, pe.Kind)
	})

	t.Run("连接失败归为transport类错误", func(t *testing.T) {
		_, err := p.Send(context.Background(), "box@example.com", &domain.OutboundRequest{
			To: []string{"bob@ext.com"}, Subject: "x", Body: "x",
		})
		var pe *ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, ErrorKindTransport, pe.Kind)
	})

	t.Run("没有Webhook面", func(t *testing.T) {
		_, err := p.ParseInboundWebhook(nil, http.Header{})
		assert.True(t, IsParseError(err))
		assert.True(t, IsSignatureError(p.VerifyWebhookSignature(nil, http.Header{})))
	})
}
