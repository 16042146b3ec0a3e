package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"mediavault/internal/domain"
)

const mediaColumns = `id, user_id, original_name, stored_filename, storage_path, mime_type, file_type,
        file_size, width, height, duration, is_processed, is_optimized, is_deleted, deleted_at,
        created_at, updated_at`

type MediaRepository struct {
	q sqlx.ExtContext
}

func NewMediaRepository(q sqlx.ExtContext) *MediaRepository {
	return &MediaRepository{q: q}
}

func (r *MediaRepository) CreateMedia(ctx context.Context, media *domain.MediaFile) error {
	query := `
        INSERT INTO media_files (
            id, user_id, original_name, stored_filename, storage_path, mime_type,
            file_type, file_size, is_processed, is_optimized, is_deleted
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        RETURNING created_at, updated_at`

	err := r.q.QueryRowxContext(ctx, query,
		media.ID,
		media.UserID,
		media.OriginalName,
		media.StoredFilename,
		media.StoragePath,
		media.MimeType,
		media.FileType,
		media.FileSize,
		media.IsProcessed,
		media.IsOptimized,
		media.IsDeleted,
	).Scan(&media.CreatedAt, &media.UpdatedAt)
	if err != nil {
		return mapError(err, "create media file")
	}
	return nil
}

func (r *MediaRepository) GetMedia(ctx context.Context, id uuid.UUID) (*domain.MediaFile, error) {
	var media domain.MediaFile
	err := sqlx.GetContext(ctx, r.q, &media,
		`SELECT `+mediaColumns+` FROM media_files WHERE id = $1`, id)
	if err != nil {
		return nil, mapError(err, "get media file")
	}
	return &media, nil
}

// GetMediaForUpdate блокирует строку файла до конца транзакции
func (r *MediaRepository) GetMediaForUpdate(ctx context.Context, id uuid.UUID) (*domain.MediaFile, error) {
	var media domain.MediaFile
	err := sqlx.GetContext(ctx, r.q, &media,
		`SELECT `+mediaColumns+` FROM media_files WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, mapError(err, "lock media file")
	}
	return &media, nil
}

func (r *MediaRepository) MarkMediaDeleted(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
        UPDATE media_files
        SET is_deleted = TRUE,
            deleted_at = $2,
            updated_at = CURRENT_TIMESTAMP
        WHERE id = $1 AND is_deleted = FALSE`

	return r.execOne(ctx, "mark media deleted", query, id, at)
}

func (r *MediaRepository) MarkMediaRestored(ctx context.Context, id uuid.UUID) error {
	query := `
        UPDATE media_files
        SET is_deleted = FALSE,
            deleted_at = NULL,
            updated_at = CURRENT_TIMESTAMP
        WHERE id = $1 AND is_deleted = TRUE`

	return r.execOne(ctx, "restore media", query, id)
}

func (r *MediaRepository) DeleteMedia(ctx context.Context, id uuid.UUID) error {
	return r.execOne(ctx, "delete media", `DELETE FROM media_files WHERE id = $1`, id)
}

// UpdateMediaMetadata сохраняет результат обработки и отмечает файл обработанным
func (r *MediaRepository) UpdateMediaMetadata(ctx context.Context, id uuid.UUID, meta domain.MediaMetadata) error {
	query := `
        UPDATE media_files
        SET width = COALESCE($2, width),
            height = COALESCE($3, height),
            duration = COALESCE($4, duration),
            is_processed = TRUE,
            updated_at = CURRENT_TIMESTAMP
        WHERE id = $1`

	return r.execOne(ctx, "update media metadata", query, id, meta.Width, meta.Height, meta.Duration)
}

func (r *MediaRepository) ListMedia(ctx context.Context, filter domain.MediaFilter) ([]domain.MediaFile, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.UserID != nil {
		add("user_id = $%d", *filter.UserID)
	}
	if filter.FileType != nil {
		add("file_type = $%d", *filter.FileType)
	}
	if filter.IsDeleted != nil {
		add("is_deleted = $%d", *filter.IsDeleted)
	}

	query := `SELECT ` + mediaColumns + ` FROM media_files`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	var media []domain.MediaFile
	if err := sqlx.SelectContext(ctx, r.q, &media, query, args...); err != nil {
		return nil, mapError(err, "list media files")
	}
	return media, nil
}

func (r *MediaRepository) ListUnprocessed(ctx context.Context, limit int) ([]domain.MediaFile, error) {
	query := `SELECT ` + mediaColumns + ` FROM media_files
        WHERE is_processed = FALSE AND is_deleted = FALSE
        ORDER BY created_at
        LIMIT $1`

	var media []domain.MediaFile
	if err := sqlx.SelectContext(ctx, r.q, &media, query, limit); err != nil {
		return nil, mapError(err, "list unprocessed media")
	}
	return media, nil
}

func (r *MediaRepository) execOne(ctx context.Context, what, query string, args ...interface{}) error {
	result, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return mapError(err, what)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return nil
}
