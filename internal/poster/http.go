// Package poster holds the Poster implementations the overflow worker
// publishes deferred replies through.
package poster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/DukeRupert/replyflow/internal/domain"
	"github.com/DukeRupert/replyflow/internal/worker"
	"github.com/google/uuid"
)

// HTTPConfig configures the HTTP poster.
type HTTPConfig struct {
	// URL receives one POST per deferred reply.
	URL string

	// Token, when set, is sent as a bearer token.
	Token string

	// Timeout bounds each request. Default: 15 seconds
	Timeout time.Duration
}

// HTTP forwards deferred replies to the service that talks to the video
// platform.
type HTTP struct {
	config HTTPConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTP creates an HTTP poster.
func NewHTTP(config HTTPConfig, logger *slog.Logger) (*HTTP, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("poster URL is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}

	return &HTTP{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}, nil
}

// Name implements worker.Poster.
func (p *HTTP) Name() string { return "http" }

type postRequest struct {
	ItemID          uuid.UUID `json:"item_id"`
	UserID          uuid.UUID `json:"user_id"`
	TargetCommentID string    `json:"target_comment_id"`
	VideoID         string    `json:"video_id"`
	Text            string    `json:"text"`
}

// Post sends the item. The item id doubles as the idempotency key so a
// redelivery after an expired lease is not published twice.
func (p *HTTP) Post(ctx context.Context, item domain.OverflowQueueItem) error {
	body, err := json.Marshal(postRequest{
		ItemID:          item.ID,
		UserID:          item.UserID,
		TargetCommentID: item.TargetCommentID,
		VideoID:         item.VideoID,
		Text:            item.PayloadText,
	})
	if err != nil {
		return worker.NewPermanentError(fmt.Errorf("marshal post: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.URL, bytes.NewReader(body))
	if err != nil {
		return worker.NewPermanentError(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", item.ID.String())
	if p.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		// Network errors are retryable.
		return fmt.Errorf("post reply: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("post reply: status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	if !retryableStatus(resp.StatusCode) {
		return worker.NewPermanentError(err)
	}
	return err
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}
