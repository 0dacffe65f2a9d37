package poster

import (
	"context"
	"log/slog"
	"sync"

	"github.com/DukeRupert/replyflow/internal/domain"
)

// Mock logs deferred replies instead of publishing them. It is the default
// in development.
type Mock struct {
	logger *slog.Logger

	mu sync.Mutex

	// PostError, when set, is returned by every Post call.
	PostError error

	// Posted records the items Post succeeded for.
	Posted []domain.OverflowQueueItem
}

// NewMock creates a new mock poster.
func NewMock(logger *slog.Logger) *Mock {
	return &Mock{logger: logger}
}

// Name implements worker.Poster.
func (m *Mock) Name() string { return "mock" }

// Post records the item.
func (m *Mock) Post(ctx context.Context, item domain.OverflowQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PostError != nil {
		return m.PostError
	}
	m.Posted = append(m.Posted, item)
	m.logger.Info("mock poster published reply",
		"item_id", item.ID,
		"user_id", item.UserID,
		"video_id", item.VideoID,
		"target_comment_id", item.TargetCommentID,
	)
	return nil
}
