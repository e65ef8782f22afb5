// Package storage presigns attachment uploads to S3 compatible storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oklog/ulid/v2"

	chat_errors "chatcore/pkg/errors"
)

// MaxAttachmentSize caps a single upload.
const MaxAttachmentSize = 25 << 20

type S3Config struct {
	Region     string
	Bucket     string
	AccessKey  string
	SecretKey  string
	Endpoint   string
	PublicBase string
	PresignTTL time.Duration
}

type Client struct {
	cfg     S3Config
	presign *s3.PresignClient
	now     func() time.Time
}

// Presigned is a one-shot upload target.
type Presigned struct {
	Key       string
	URL       string
	Method    string
	Headers   map[string]string
	FileURL   string
	ExpiresAt time.Time
}

// NewClient creates an S3 client from static credentials, or the default
// chain when none are set.
func NewClient(ctx context.Context, cfg S3Config) (*Client, error) {
	if cfg.Region == "" || cfg.Bucket == "" {
		return nil, errors.New("s3 region and bucket are required")
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = 15 * time.Minute
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Client{
		cfg:     cfg,
		presign: s3.NewPresignClient(s3Client),
		now:     time.Now,
	}, nil
}

// PresignAttachment validates the upload and returns a PUT URL under a fresh
// key in the room's attachment prefix.
func (c *Client) PresignAttachment(ctx context.Context, roomID, fileName, contentType string, sizeBytes int64) (Presigned, error) {
	if c == nil {
		return Presigned{}, errors.New("s3 client not initialized")
	}
	if roomID == "" {
		return Presigned{}, fmt.Errorf("room id: %w", chat_errors.ErrInvalidInput)
	}
	if err := ValidateContentType(contentType); err != nil {
		return Presigned{}, err
	}
	if sizeBytes <= 0 || sizeBytes > MaxAttachmentSize {
		return Presigned{}, fmt.Errorf("file size %d: %w", sizeBytes, chat_errors.ErrInvalidInput)
	}

	key := ObjectKey(roomID, fileName)
	url, headers, err := c.PresignPut(ctx, key, contentType, sizeBytes)
	if err != nil {
		return Presigned{}, err
	}
	return Presigned{
		Key:       key,
		URL:       url,
		Method:    http.MethodPut,
		Headers:   headers,
		FileURL:   c.FileURL(key),
		ExpiresAt: c.now().Add(c.cfg.PresignTTL).UTC(),
	}, nil
}

func (c *Client) PresignPut(ctx context.Context, key, contentType string, sizeBytes int64) (string, map[string]string, error) {
	if key == "" {
		return "", nil, errors.New("object key is required")
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(c.cfg.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}
	if sizeBytes > 0 {
		input.ContentLength = aws.Int64(sizeBytes)
	}

	presigned, err := c.presign.PresignPutObject(ctx, input, func(po *s3.PresignOptions) {
		po.Expires = c.cfg.PresignTTL
	})
	if err != nil {
		return "", nil, err
	}

	headers := map[string]string{}
	if contentType != "" {
		headers["Content-Type"] = contentType
	}
	if sizeBytes > 0 {
		headers["Content-Length"] = strconv.FormatInt(sizeBytes, 10)
	}
	return presigned.URL, headers, nil
}

// FileURL returns the public URL of key.
func (c *Client) FileURL(key string) string {
	if c == nil || key == "" || c.cfg.PublicBase == "" {
		return ""
	}
	return strings.TrimRight(c.cfg.PublicBase, "/") + "/" + key
}

// ObjectKey is attachments/<room>/<ulid>/<base name>.
func ObjectKey(roomID, fileName string) string {
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r == ' ':
			return '_'
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == "/" {
		name = "file"
	}
	return path.Join("attachments", roomID, ulid.Make().String(), name)
}

var allowedTypePrefixes = []string{"image/", "video/", "audio/", "text/plain", "application/pdf"}

// ValidateContentType rejects attachment types the relay does not accept.
func ValidateContentType(contentType string) error {
	if contentType == "" {
		return fmt.Errorf("content type is required: %w", chat_errors.ErrInvalidInput)
	}
	for _, p := range allowedTypePrefixes {
		if strings.HasPrefix(contentType, p) {
			return nil
		}
	}
	return fmt.Errorf("content type %q: %w", contentType, chat_errors.ErrInvalidInput)
}
