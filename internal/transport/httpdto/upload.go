package httpdto

import "time"

// PresignUploadRequest is used for POST /v1/uploads/presign
type PresignUploadRequest struct {
	RoomID      string `json:"room_id" binding:"required"`
	FileName    string `json:"file_name" binding:"required"`
	ContentType string `json:"content_type" binding:"required"`
	FileSize    int64  `json:"file_size" binding:"required,gt=0"`
}

// PresignUploadResponse tells the client where to PUT the file.
type PresignUploadResponse struct {
	Key       string            `json:"key"`
	UploadURL string            `json:"upload_url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	FileURL   string            `json:"file_url,omitempty"`
	ExpiresAt time.Time         `json:"expires_at"`
}
