package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"mediavault/internal/domain"
)

// TrashRepository - выборки по мягко удаленным файлам
type TrashRepository struct {
	q sqlx.ExtContext
}

func NewTrashRepository(q sqlx.ExtContext) *TrashRepository {
	return &TrashRepository{q: q}
}

// ListTrash возвращает содержимое корзины пользователя, новые удаления первыми
func (r *TrashRepository) ListTrash(ctx context.Context, userID uuid.UUID) ([]domain.MediaFile, error) {
	query := `SELECT ` + mediaColumns + ` FROM media_files
        WHERE user_id = $1 AND is_deleted = TRUE
        ORDER BY deleted_at DESC`

	var media []domain.MediaFile
	if err := sqlx.SelectContext(ctx, r.q, &media, query, userID); err != nil {
		return nil, mapError(err, "list trash")
	}
	return media, nil
}

// ListExpiredTrash возвращает файлы, удаленные раньше cutoff
func (r *TrashRepository) ListExpiredTrash(ctx context.Context, cutoff time.Time, limit int) ([]domain.MediaFile, error) {
	query := `SELECT ` + mediaColumns + ` FROM media_files
        WHERE is_deleted = TRUE AND deleted_at < $1
        ORDER BY deleted_at
        LIMIT $2`

	var media []domain.MediaFile
	if err := sqlx.SelectContext(ctx, r.q, &media, query, cutoff, limit); err != nil {
		return nil, mapError(err, "list expired trash")
	}
	return media, nil
}
