package storage

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chat_errors "chatcore/pkg/errors"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), S3Config{
		Region:     "us-east-1",
		Bucket:     "chat-attachments",
		AccessKey:  "AKIDEXAMPLE",
		SecretKey:  "secret",
		Endpoint:   "http://localhost:9000",
		PublicBase: "https://cdn.example.com/",
		PresignTTL: 5 * time.Minute,
	})
	require.NoError(t, err)
	return c
}

func TestPresignAttachment(t *testing.T) {
	c := newTestClient(t)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	p, err := c.PresignAttachment(context.Background(), "r1", "holiday photo.png", "image/png", 1024)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(p.Key, "attachments/r1/"))
	assert.True(t, strings.HasSuffix(p.Key, "/holiday_photo.png"))
	assert.Equal(t, "PUT", p.Method)
	assert.Equal(t, "image/png", p.Headers["Content-Type"])
	assert.Equal(t, "1024", p.Headers["Content-Length"])
	assert.Equal(t, "https://cdn.example.com/"+p.Key, p.FileURL)
	assert.Equal(t, now.Add(5*time.Minute), p.ExpiresAt)

	u, err := url.Parse(p.URL)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", u.Host)
	assert.True(t, strings.HasPrefix(u.Path, "/chat-attachments/attachments/r1/"), "path style addressing")
	assert.Equal(t, "300", u.Query().Get("X-Amz-Expires"))
}

func TestPresignAttachmentValidation(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.PresignAttachment(ctx, "", "a.png", "image/png", 10)
	assert.ErrorIs(t, err, chat_errors.ErrInvalidInput)

	_, err = c.PresignAttachment(ctx, "r1", "a.exe", "application/x-msdownload", 10)
	assert.ErrorIs(t, err, chat_errors.ErrInvalidInput)

	_, err = c.PresignAttachment(ctx, "r1", "a.png", "image/png", MaxAttachmentSize+1)
	assert.ErrorIs(t, err, chat_errors.ErrInvalidInput)

	_, err = c.PresignAttachment(ctx, "r1", "a.png", "image/png", 0)
	assert.ErrorIs(t, err, chat_errors.ErrInvalidInput)
}

func TestObjectKeyStripsDirectories(t *testing.T) {
	key := ObjectKey("r1", `..\..\etc/passwd`)
	assert.True(t, strings.HasPrefix(key, "attachments/r1/"))
	assert.True(t, strings.HasSuffix(key, "/passwd"))

	assert.True(t, strings.HasSuffix(ObjectKey("r1", ""), "/file"))
}
