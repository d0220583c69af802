package httptransport

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"threadbox/backend/internal/domain"
	"threadbox/backend/internal/storage"
)

// CreateInboxInput 创建收件箱输入
type CreateInboxInput struct {
	Address     string               `json:"address" binding:"required,email"`
	DisplayName string               `json:"displayName" binding:"omitempty,max=255"`
	Provider    string               `json:"provider" binding:"required"`
	IMAP        *domain.IMAPSettings `json:"imap,omitempty"`
}

// CreateInbox 创建收件箱
func (h *Handler) CreateInbox(c *gin.Context) {
	var input CreateInboxInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	providerType := domain.ProviderType(input.Provider)
	if !providerType.Valid() {
		BadRequest(c, "未知的通道类型")
		return
	}
	if _, configured := h.providers[providerType]; !configured {
		BadRequest(c, "通道未配置凭据")
		return
	}
	if providerType == domain.ProviderIMAPSMTP && input.IMAP != nil && input.IMAP.DeleteAfter && !input.IMAP.MarkRead {
		BadRequest(c, "deleteAfter 需要同时开启 markRead")
		return
	}

	inbox := &domain.Inbox{
		ID:          uuid.New().String(),
		Address:     input.Address,
		DisplayName: input.DisplayName,
		Provider:    providerType,
	}
	if input.IMAP != nil {
		inbox.IMAP = *input.IMAP
	}

	if err := h.store.SaveInbox(inbox); err != nil {
		h.log.Error("收件箱创建失败", zap.String("address", input.Address), zap.Error(err))
		InternalError(c, "创建失败")
		return
	}

	if h.poller != nil {
		h.poller.StartInbox(c.Request.Context(), inbox)
	}

	Created(c, inbox)
}

// ListInboxes 列出全部收件箱
func (h *Handler) ListInboxes(c *gin.Context) {
	inboxes, err := h.store.ListInboxes()
	if err != nil {
		InternalError(c, "查询失败")
		return
	}
	Success(c, gin.H{"inboxes": inboxes, "total": len(inboxes)})
}

// GetInbox 获取单个收件箱
func (h *Handler) GetInbox(c *gin.Context) {
	inbox, err := h.store.GetInbox(c.Param("inboxID"))
	if err != nil {
		if errors.Is(err, storage.ErrInboxNotFound) {
			NotFound(c, "收件箱不存在")
			return
		}
		InternalError(c, "查询失败")
		return
	}
	Success(c, inbox)
}

// DeleteInbox 删除收件箱
func (h *Handler) DeleteInbox(c *gin.Context) {
	if err := h.store.DeleteInbox(c.Param("inboxID")); err != nil {
		if errors.Is(err, storage.ErrInboxNotFound) {
			NotFound(c, "收件箱不存在")
			return
		}
		InternalError(c, "删除失败")
		return
	}
	NoContent(c)
}

// SyncInbox 立即触发一次 IMAP 轮询
func (h *Handler) SyncInbox(c *gin.Context) {
	inboxID := c.Param("inboxID")
	inbox, err := h.store.GetInbox(inboxID)
	if err != nil {
		if errors.Is(err, storage.ErrInboxNotFound) {
			NotFound(c, "收件箱不存在")
			return
		}
		InternalError(c, "查询失败")
		return
	}
	if inbox.Provider != domain.ProviderIMAPSMTP {
		BadRequest(c, "该收件箱不是 IMAP 通道")
		return
	}
	if h.poller == nil {
		InternalError(c, "轮询服务未启动")
		return
	}

	fetched, err := h.poller.SyncNow(c.Request.Context(), inboxID)
	if err != nil {
		h.log.Warn("手动同步失败", zap.String("inboxId", inboxID), zap.Error(err))
		InternalError(c, "同步失败: "+err.Error())
		return
	}
	Success(c, gin.H{"fetched": fetched})
}
