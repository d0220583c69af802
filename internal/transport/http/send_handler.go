package httptransport

import (
	"encoding/base64"
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"threadbox/backend/internal/domain"
	"threadbox/backend/internal/egress"
	"threadbox/backend/internal/provider"
	"threadbox/backend/internal/ratelimit"
	"threadbox/backend/internal/storage"
)

// SendAttachmentInput 外发附件输入，内容为 base64
type SendAttachmentInput struct {
	Filename    string `json:"filename" binding:"required"`
	ContentType string `json:"contentType"`
	Content     string `json:"content" binding:"required"`
	Inline      bool   `json:"inline"`
	ContentID   string `json:"contentId"`
}

// SendMessageInput 外发邮件输入
type SendMessageInput struct {
	To          []string              `json:"to" binding:"required,min=1,dive,email"`
	CC          []string              `json:"cc" binding:"omitempty,dive,email"`
	BCC         []string              `json:"bcc" binding:"omitempty,dive,email"`
	Subject     string                `json:"subject" binding:"required,max=998"`
	Body        string                `json:"body"`
	BodyHTML    string                `json:"bodyHtml"`
	InReplyTo   string                `json:"inReplyTo"`
	References  []string              `json:"references"`
	Attachments []SendAttachmentInput `json:"attachments"`
}

// SendMessage 通过收件箱绑定的通道发送邮件
func (h *Handler) SendMessage(c *gin.Context) {
	var input SendMessageInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	req := &domain.OutboundRequest{
		InboxID:    c.Param("inboxID"),
		To:         input.To,
		CC:         input.CC,
		BCC:        input.BCC,
		Subject:    input.Subject,
		Body:       input.Body,
		BodyHTML:   input.BodyHTML,
		InReplyTo:  input.InReplyTo,
		References: input.References,
	}
	for _, att := range input.Attachments {
		content, err := base64.StdEncoding.DecodeString(att.Content)
		if err != nil {
			BadRequest(c, "附件 "+att.Filename+" 不是有效的 base64")
			return
		}
		req.Attachments = append(req.Attachments, &domain.OutboundAttachment{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Content:     content,
			Inline:      att.Inline,
			ContentID:   att.ContentID,
		})
	}

	message, err := h.egress.Send(c.Request.Context(), req)
	if err != nil {
		var rateErr *ratelimit.RateLimitedError
		var provErr *provider.ProviderError
		switch {
		case errors.Is(err, storage.ErrInboxNotFound):
			NotFound(c, "收件箱不存在")
		case errors.Is(err, egress.ErrRecipientsBlocked):
			Forbidden(c, "收件人被域名过滤拒绝")
		case errors.Is(err, egress.ErrAttachmentBlocked):
			BadRequest(c, err.Error())
		case errors.As(err, &rateErr):
			TooManyRequests(c, rateErr.RetryAfter)
		case errors.As(err, &provErr):
			h.log.Warn("通道发送失败",
				zap.String("provider", string(provErr.Provider)),
				zap.String("kind", string(provErr.Kind)),
				zap.Error(err))
			if provErr.Kind == provider.ErrorKindValidation {
				BadRequest(c, "通道拒绝了该邮件: "+provErr.Message)
			} else {
				InternalError(c, "发送失败")
			}
		default:
			h.log.Error("发送失败", zap.Error(err))
			InternalError(c, "发送失败")
		}
		return
	}

	Created(c, message)
}
