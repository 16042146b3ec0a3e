package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"mediavault/internal/domain"
)

func TestMediaRepository_MarkMediaDeletedTwice(t *testing.T) {
	db, mock := newMockDB(t)
	id := uuid.New()
	at := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND is_deleted = FALSE")).
		WithArgs(id, at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := NewMediaRepository(db).MarkMediaDeleted(context.Background(), id, at)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMediaRepository_ListMediaBuildsFilter(t *testing.T) {
	db, mock := newMockDB(t)
	userID := uuid.New()
	ft := domain.FileTypeImage
	deleted := false

	mock.ExpectQuery(regexp.QuoteMeta("WHERE user_id = $1 AND file_type = $2 AND is_deleted = $3 ORDER BY created_at DESC, id LIMIT $4")).
		WithArgs(userID, ft, deleted, 20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "file_type", "file_size"}).
			AddRow(uuid.New().String(), userID.String(), "image", 42))

	media, err := NewMediaRepository(db).ListMedia(context.Background(), domain.MediaFilter{
		UserID:    &userID,
		FileType:  &ft,
		IsDeleted: &deleted,
		Limit:     20,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(media) != 1 || media[0].FileType != domain.FileTypeImage || media[0].FileSize != 42 {
		t.Errorf("unexpected media %+v", media)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestTrashRepository_ListExpiredTrash(t *testing.T) {
	db, mock := newMockDB(t)
	cutoff := time.Now().Add(-time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE is_deleted = TRUE AND deleted_at < $1")).
		WithArgs(cutoff, 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "is_deleted"}).AddRow(uuid.New().String(), true))

	media, err := NewTrashRepository(db).ListExpiredTrash(context.Background(), cutoff, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(media) != 1 || !media[0].IsDeleted {
		t.Errorf("unexpected media %+v", media)
	}
}
