package httptransport

import (
	"io"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"threadbox/backend/internal/domain"
	"threadbox/backend/internal/provider"
)

// HandleInboundWebhook 处理服务商的入站 Webhook。
//
// 处理顺序固定：先验签（失败 401，不读任何业务内容），再解析（失败 400），
// 最后进摄取管道。重复、无收件箱、被过滤都返回 200，
// 避免服务商对正常结论做无意义的重投。
func (h *Handler) HandleInboundWebhook(c *gin.Context) {
	providerType := domain.ProviderType(c.Param("provider"))
	prov, ok := h.providers[providerType]
	if !ok || providerType == domain.ProviderIMAPSMTP {
		NotFound(c, "未知的通道")
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		BadRequest(c, "请求体读取失败")
		return
	}

	if err := prov.VerifyWebhookSignature(body, c.Request.Header); err != nil {
		h.metrics.RecordSignatureRejected(string(providerType))
		h.log.Warn("Webhook 签名校验失败",
			zap.String("provider", string(providerType)),
			zap.String("ip", c.ClientIP()),
			zap.Error(err))
		Unauthorized(c, "签名校验失败")
		return
	}

	// SNS 的订阅确认在验签时已处理，不携带邮件内容
	if providerType == domain.ProviderSES && !provider.IsInboundEvent(body) {
		Success(c, gin.H{"status": "acknowledged"})
		return
	}

	inbound, err := prov.ParseInboundWebhook(body, c.Request.Header)
	if err != nil {
		if provider.IsParseError(err) {
			h.log.Warn("Webhook 载荷解析失败",
				zap.String("provider", string(providerType)),
				zap.Error(err))
			BadRequest(c, "载荷解析失败")
			return
		}
		InternalError(c, "处理失败")
		return
	}

	result, err := h.pipeline.Ingest(providerType, inbound)
	if err != nil {
		h.log.Error("摄取管道失败",
			zap.String("provider", string(providerType)),
			zap.Error(err))
		InternalError(c, "处理失败")
		return
	}

	Success(c, gin.H{
		"status":    result.Status,
		"messageId": result.MessageID,
		"threadId":  result.ThreadID,
	})
}
