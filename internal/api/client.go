// Package api is the HTTP client for the room and history endpoints that sit
// beside the realtime socket.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"chatcore/internal/domain"
	"chatcore/internal/metrics"
	"chatcore/internal/transport/httpdto"
	chat_errors "chatcore/pkg/errors"
	"chatcore/pkg/logger"
)

type Options struct {
	BaseURL string
	Token   string
	// Timeout bounds every request.
	Timeout time.Duration
	// FetchTimeout bounds history fetches, which resolve softly on expiry.
	FetchTimeout time.Duration
	HTTPClient   *http.Client
	Logger       *logger.Logger
}

type Client struct {
	baseURL      string
	token        string
	timeout      time.Duration
	fetchTimeout time.Duration
	http         *http.Client
	logger       *logger.Logger
}

// Page is one slice of history, oldest message first.
type Page struct {
	Messages   []domain.ChatMessage
	NextCursor int64
	HasMore    bool
	// TimedOut marks a fetch that gave up before the server answered. The
	// page is empty and the caller may retry.
	TimedOut bool
}

// NewClient creates an API client. Zero timeouts get defaults.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		token:        opts.Token,
		timeout:      opts.Timeout,
		fetchTimeout: opts.FetchTimeout,
		http:         hc,
		logger:       logger.OrNop(opts.Logger).Named("api"),
	}
}

// FetchRoom loads the authoritative descriptor of roomID.
func (c *Client) FetchRoom(ctx context.Context, roomID string) (domain.Room, error) {
	dto, err := do[httpdto.RoomDTO](ctx, c, http.MethodGet, "/v1/rooms/"+url.PathEscape(roomID), nil)
	if err != nil {
		return domain.Room{}, err
	}
	return dto.ToDomain(), nil
}

// CreateRoom creates a room, or returns the existing DM for the same pair.
func (c *Client) CreateRoom(ctx context.Context, req httpdto.CreateRoomRequest) (domain.Room, error) {
	dto, err := do[httpdto.RoomDTO](ctx, c, http.MethodPost, "/v1/rooms", req)
	if err != nil {
		return domain.Room{}, err
	}
	return dto.ToDomain(), nil
}

// FetchMessages loads the page of roomID before cursor (0 for the newest).
// A fetch that exceeds the fetch timeout returns a TimedOut page and no
// error.
func (c *Client) FetchMessages(ctx context.Context, roomID string, cursor int64, limit int) (Page, error) {
	q := url.Values{}
	if cursor > 0 {
		q.Set("before", strconv.FormatInt(cursor, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/rooms/" + url.PathEscape(roomID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()
	dto, err := do[httpdto.MessagePage](fetchCtx, c, http.MethodGet, path, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			metrics.HistoryFetches.WithLabelValues("timeout").Inc()
			c.logger.Logger.Warn("history fetch timed out", zap.String("room_id", roomID), zap.Int64("cursor", cursor))
			return Page{TimedOut: true}, nil
		}
		metrics.HistoryFetches.WithLabelValues("error").Inc()
		return Page{}, err
	}

	metrics.HistoryFetches.WithLabelValues("ok").Inc()
	page := Page{NextCursor: dto.NextCursor, HasMore: dto.HasMore}
	for _, m := range dto.Messages {
		page.Messages = append(page.Messages, m.ToDomain())
	}
	return page, nil
}

// PresignUpload asks for a one-shot upload URL for an attachment.
func (c *Client) PresignUpload(ctx context.Context, req httpdto.PresignUploadRequest) (httpdto.PresignUploadResponse, error) {
	return do[httpdto.PresignUploadResponse](ctx, c, http.MethodPost, "/v1/uploads/presign", req)
}

func do[T any](ctx context.Context, c *Client, method, path string, body any) (T, error) {
	var zero T

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return zero, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return zero, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return zero, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var envelope httpdto.Response[T]
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&envelope); err != nil && resp.StatusCode < 300 {
		return zero, fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	if resp.StatusCode >= 300 || !envelope.Success {
		return zero, statusError(resp.StatusCode, envelope.Code, envelope.Error)
	}
	return envelope.Data, nil
}

func statusError(status int, code, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	var sentinel error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden || code == httpdto.CodeUnauthorized:
		sentinel = chat_errors.ErrUnauthorized
	case status == http.StatusNotFound || code == httpdto.CodeNotFound:
		sentinel = chat_errors.ErrNotFound
	case status == http.StatusConflict || code == httpdto.CodeConflict:
		sentinel = chat_errors.ErrConflict
	case status == http.StatusTooManyRequests:
		sentinel = chat_errors.ErrRateLimited
	case status == http.StatusBadRequest:
		sentinel = chat_errors.ErrInvalidInput
	default:
		sentinel = chat_errors.ErrServiceUnavailable
	}
	return fmt.Errorf("%w: %s (%d)", sentinel, msg, status)
}
