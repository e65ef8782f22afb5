package relay

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"chatcore/internal/storage"
	"chatcore/internal/transport/httpdto"
	chat_errors "chatcore/pkg/errors"
)

// Uploader hands out presigned attachment upload targets.
type Uploader interface {
	PresignAttachment(ctx context.Context, roomID, fileName, contentType string, sizeBytes int64) (storage.Presigned, error)
}

type UploadHandler struct {
	uploader Uploader
}

// NewUploadHandler creates an upload handler. A nil uploader answers 503.
func NewUploadHandler(uploader Uploader) *UploadHandler {
	return &UploadHandler{uploader: uploader}
}

// Presign returns a one-shot upload URL for an attachment.
func (h *UploadHandler) Presign(c *gin.Context) {
	if h.uploader == nil {
		_ = c.Error(chat_errors.ErrServiceUnavailable)
		return
	}
	var req httpdto.PresignUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid request", httpdto.CodeInvalidRequest))
		return
	}

	p, err := h.uploader.PresignAttachment(c.Request.Context(), req.RoomID, req.FileName, req.ContentType, req.FileSize)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.PresignUploadResponse{
		Key:       p.Key,
		UploadURL: p.URL,
		Method:    p.Method,
		Headers:   p.Headers,
		FileURL:   p.FileURL,
		ExpiresAt: p.ExpiresAt,
	}))
}
