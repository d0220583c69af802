package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"threadbox/backend/internal/storage"
)

// ListThreads 列出收件箱的会话线程，按最后活动时间倒序
func (h *Handler) ListThreads(c *gin.Context) {
	inboxID := c.Param("inboxID")
	if _, err := h.store.GetInbox(inboxID); err != nil {
		if errors.Is(err, storage.ErrInboxNotFound) {
			NotFound(c, "收件箱不存在")
			return
		}
		InternalError(c, "查询失败")
		return
	}

	threads, err := h.store.ListThreads(inboxID)
	if err != nil {
		InternalError(c, "查询失败")
		return
	}
	Success(c, gin.H{"threads": threads, "total": len(threads)})
}

// GetThread 获取单个线程
func (h *Handler) GetThread(c *gin.Context) {
	thread, err := h.store.GetThread(c.Param("threadID"))
	if err != nil {
		if errors.Is(err, storage.ErrThreadNotFound) {
			NotFound(c, "线程不存在")
			return
		}
		InternalError(c, "查询失败")
		return
	}
	if thread.InboxID != c.Param("inboxID") {
		NotFound(c, "线程不存在")
		return
	}
	Success(c, thread)
}

// ListThreadMessages 列出线程内全部邮件，按接收时间升序
func (h *Handler) ListThreadMessages(c *gin.Context) {
	thread, err := h.store.GetThread(c.Param("threadID"))
	if err != nil {
		if errors.Is(err, storage.ErrThreadNotFound) {
			NotFound(c, "线程不存在")
			return
		}
		InternalError(c, "查询失败")
		return
	}
	if thread.InboxID != c.Param("inboxID") {
		NotFound(c, "线程不存在")
		return
	}

	messages, err := h.store.ListThreadMessages(thread.ID)
	if err != nil {
		InternalError(c, "查询失败")
		return
	}

	// 填充附件元数据，内容走附件接口
	for i := range messages {
		attachments, err := h.store.ListAttachments(messages[i].ID)
		if err != nil {
			continue
		}
		for j := range attachments {
			attachments[j].Content = nil
			messages[i].Attachments = append(messages[i].Attachments, &attachments[j])
		}
	}

	Success(c, gin.H{"messages": messages, "total": len(messages)})
}

// GetMessage 获取单封邮件（含附件元数据）
func (h *Handler) GetMessage(c *gin.Context) {
	message, err := h.store.GetMessage(c.Param("inboxID"), c.Param("messageID"))
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			NotFound(c, "邮件不存在")
			return
		}
		InternalError(c, "查询失败")
		return
	}

	attachments, err := h.store.ListAttachments(message.ID)
	if err == nil {
		for i := range attachments {
			attachments[i].Content = nil
			message.Attachments = append(message.Attachments, &attachments[i])
		}
	}
	Success(c, message)
}

// GetAttachment 下载附件内容
func (h *Handler) GetAttachment(c *gin.Context) {
	// 先确认邮件属于该收件箱，避免跨收件箱读附件
	message, err := h.store.GetMessage(c.Param("inboxID"), c.Param("messageID"))
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			NotFound(c, "邮件不存在")
			return
		}
		InternalError(c, "查询失败")
		return
	}

	attachment, err := h.store.GetAttachment(message.ID, c.Param("attachmentID"))
	if err != nil {
		if errors.Is(err, storage.ErrAttachmentNotFound) {
			NotFound(c, "附件不存在")
			return
		}
		InternalError(c, "查询失败")
		return
	}

	contentType := attachment.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Disposition", `attachment; filename="`+attachment.Filename+`"`)
	c.Data(http.StatusOK, contentType, attachment.Content)
}
