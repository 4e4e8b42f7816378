package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/social-marketplace/backend/internal/apperror"
)

// SetPostSold flags the listing as sold. Setting it twice is harmless.
func (r *repo) SetPostSold(ctx context.Context, postID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE posts SET is_sold = true WHERE id = $1`, postID)
	if err != nil {
		return fmt.Errorf("set post sold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("post", postID)
	}
	return nil
}

