package domain

import (
	"time"

	"github.com/google/uuid"
)

// OverflowStatus is the lifecycle state of a deferred post.
type OverflowStatus string

const (
	OverflowStatusPending OverflowStatus = "pending"
	OverflowStatusPosted  OverflowStatus = "posted"
	OverflowStatusFailed  OverflowStatus = "failed"
)

// OverflowQueueItem is a post that was entitled under the monthly cap but
// deferred because the daily post cap was exhausted. Only the drain worker
// moves it out of pending.
type OverflowQueueItem struct {
	ID              uuid.UUID      `json:"id"`
	UserID          uuid.UUID      `json:"user_id"`
	TargetCommentID string         `json:"target_comment_id"`
	PayloadText     string         `json:"payload_text"`
	VideoID         string         `json:"video_id"`
	Status          OverflowStatus `json:"status"`
	Attempts        int            `json:"attempts"`
	LastError       string         `json:"last_error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// PostPayload describes the reply to publish for a post-now action.
type PostPayload struct {
	TargetCommentID string `json:"target_comment_id" validate:"required,max=256"`
	VideoID         string `json:"video_id" validate:"required,max=256"`
	Text            string `json:"text" validate:"required,max=10000"`
}

// NewOverflowQueueItem creates a pending item for payload.
func NewOverflowQueueItem(userID uuid.UUID, payload PostPayload, now time.Time) OverflowQueueItem {
	return OverflowQueueItem{
		ID:              uuid.New(),
		UserID:          userID,
		TargetCommentID: payload.TargetCommentID,
		PayloadText:     payload.Text,
		VideoID:         payload.VideoID,
		Status:          OverflowStatusPending,
		CreatedAt:       now.UTC(),
	}
}
