package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mediavault/internal/domain"
	"mediavault/internal/metrics"
	"mediavault/internal/repository"
)

const (
	defaultMaxUploadBytes = 10 << 30
	defaultWriteRetries   = 3
	defaultRetryInterval  = 200 * time.Millisecond
	compensationTimeout   = 30 * time.Second
)

// MediaProcessor принимает идентификаторы новых файлов на фоновую обработку
type MediaProcessor interface {
	Enqueue(id uuid.UUID) bool
}

type IngestOptions struct {
	// MaxUploadBytes - системный предел размера одного файла, независимо от квоты
	MaxUploadBytes       int64
	WriteRetries         int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

// MediaService - прием загрузок и переходы live -> soft-deleted -> удален
type MediaService struct {
	store     repository.Store
	content   ContentStore
	quotas    *QuotaService
	processor MediaProcessor
	metrics   *metrics.Metrics
	opts      IngestOptions
	logger    *zap.Logger
	now       func() time.Time
}

func NewMediaService(
	store repository.Store,
	content ContentStore,
	quotas *QuotaService,
	processor MediaProcessor,
	m *metrics.Metrics,
	opts IngestOptions,
	logger *zap.Logger,
) *MediaService {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.WriteRetries < 0 {
		opts.WriteRetries = 0
	}
	if opts.RetryInitialInterval <= 0 {
		opts.RetryInitialInterval = defaultRetryInterval
	}
	if opts.RetryMaxInterval <= 0 {
		opts.RetryMaxInterval = 10 * opts.RetryInitialInterval
	}
	return &MediaService{
		store:     store,
		content:   content,
		quotas:    quotas,
		processor: processor,
		metrics:   m,
		opts:      opts,
		logger:    logger.Named("media"),
		now:       time.Now,
	}
}

// Ingest принимает один файл: проверяет владельца и размер, резервирует квоту,
// пишет байты, создает запись. Резервирование, запись и вставка выполняются
// в одной транзакции; после записи любая ошибка удаляет записанный объект.
func (s *MediaService) Ingest(ctx context.Context, req domain.IngestRequest, body io.Reader) (*domain.MediaFile, error) {
	start := time.Now()
	media, err := s.ingest(ctx, req, body)
	s.metrics.ObserveIngest(ingestResult(err), req.Size, time.Since(start))
	if err != nil {
		s.logger.Info("ingest rejected",
			zap.Stringer("user_id", req.OwnerID),
			zap.Int64("size", req.Size),
			zap.Error(err))
		return nil, err
	}
	return media, nil
}

func (s *MediaService) ingest(ctx context.Context, req domain.IngestRequest, body io.Reader) (*domain.MediaFile, error) {
	if body == nil {
		return nil, fmt.Errorf("empty upload body: %w", domain.ErrInvalidInput)
	}

	user, err := s.store.GetUser(ctx, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get owner: %w", err)
	}

	if req.Size < 0 {
		return nil, fmt.Errorf("negative size %d: %w", req.Size, domain.ErrInvalidInput)
	}
	if req.Size > s.opts.MaxUploadBytes {
		return nil, fmt.Errorf("size %d exceeds %d: %w", req.Size, s.opts.MaxUploadBytes, domain.ErrPayloadTooLarge)
	}

	if err := ValidateMimeType(req.MimeType); err != nil {
		return nil, err
	}
	fileType := domain.ClassifyMIME(req.MimeType)

	folder, err := SanitizeRelativeFolder(req.RelativeFolder)
	if err != nil {
		return nil, err
	}

	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	id := uuid.New()
	originalName := SanitizeFilename(req.OriginalName)
	storedFilename := StoredFilename(id, originalName)
	key := BuildStoragePath(user.StorageNamespace, folder, storedFilename)

	media := &domain.MediaFile{
		ID:             id,
		UserID:         user.ID,
		OriginalName:   originalName,
		StoredFilename: storedFilename,
		StoragePath:    key,
		MimeType:       mimeType,
		FileType:       fileType,
		FileSize:       req.Size,
		IsProcessed:    false,
		IsOptimized:    false,
		IsDeleted:      false,
	}

	var written string
	err = s.store.WithTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.ReserveStorage(ctx, user.ID, req.Size); err != nil {
			if errors.Is(err, domain.ErrQuotaExceeded) {
				s.metrics.IncQuotaExceeded("ingest")
			}
			return fmt.Errorf("failed to reserve storage: %w", err)
		}

		path, err := s.putWithRetry(ctx, key, body, req.Size, mimeType)
		if err != nil {
			return err
		}
		written = path
		media.StoragePath = path

		if err := tx.CreateMedia(ctx, media); err != nil {
			return fmt.Errorf("failed to create media record: %w", err)
		}
		return nil
	})
	if err != nil {
		if written != "" {
			s.removeObject(ctx, written, "compensate")
		}
		return nil, err
	}

	s.quotas.Invalidate(ctx, user.ID)
	if s.processor != nil && !s.processor.Enqueue(media.ID) {
		s.logger.Debug("processing queue full, left for sweep", zap.Stringer("media_id", media.ID))
	}

	s.logger.Info("media ingested",
		zap.Stringer("media_id", media.ID),
		zap.Stringer("user_id", user.ID),
		zap.String("file_type", string(fileType)),
		zap.Int64("size", req.Size),
		zap.String("path", media.StoragePath))
	return media, nil
}

// putWithRetry повторяет запись ограниченное число раз, только если поток можно перемотать
func (s *MediaService) putWithRetry(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	seeker, seekable := body.(io.Seeker)
	var origin int64
	if seekable {
		pos, err := seeker.Seek(0, io.SeekCurrent)
		if err != nil {
			seekable = false
		}
		origin = pos
	}

	var (
		stored  string
		attempt int
	)
	op := func() error {
		if attempt > 0 {
			if _, err := seeker.Seek(origin, io.SeekStart); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to rewind upload: %w", err))
			}
			s.metrics.IncStorageRetry()
		}
		attempt++

		path, err := s.content.Put(ctx, key, newExactReader(body, size), size, contentType)
		if err == nil {
			stored = path
			return nil
		}
		switch {
		case errors.Is(err, ErrSizeMismatch):
			return backoff.Permanent(fmt.Errorf("%w: %w", domain.ErrInvalidInput, err))
		case ctx.Err() != nil:
			return backoff.Permanent(fmt.Errorf("upload interrupted: %w", ctx.Err()))
		}

		s.metrics.IncStorageError("put")
		if !seekable {
			return backoff.Permanent(err)
		}
		s.logger.Warn("content store write failed",
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryInitialInterval
	b.MaxInterval = s.opts.RetryMaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opts.WriteRetries)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		if errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", fmt.Errorf("%w after %d attempts: %w", domain.ErrStorageWrite, attempt, err)
	}
	return stored, nil
}

// removeObject удаляет байты вне контекста запроса: клиент мог уже отключиться
func (s *MediaService) removeObject(ctx context.Context, path, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	if err := s.content.Delete(ctx, path); err != nil {
		s.metrics.IncStorageError("delete")
		s.logger.Error("failed to delete stored object",
			zap.String("path", path),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}
	s.logger.Debug("stored object deleted", zap.String("path", path), zap.String("reason", reason))
}

// SoftDelete переносит файл в корзину и освобождает квоту ровно один раз
func (s *MediaService) SoftDelete(ctx context.Context, id uuid.UUID) (*domain.MediaFile, error) {
	var media *domain.MediaFile
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		m, err := tx.GetMediaForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if m.IsDeleted {
			return fmt.Errorf("media %s is already in trash: %w", id, domain.ErrConflict)
		}

		now := s.now().UTC()
		if err := tx.MarkMediaDeleted(ctx, id, now); err != nil {
			return err
		}
		if _, err := tx.ReleaseStorage(ctx, m.UserID, m.FileSize); err != nil {
			return fmt.Errorf("failed to release storage: %w", err)
		}

		m.IsDeleted = true
		m.DeletedAt = &now
		media = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to delete media: %w", err)
	}

	s.quotas.Invalidate(ctx, media.UserID)
	s.metrics.IncDeletion("soft")
	s.logger.Info("media moved to trash",
		zap.Stringer("media_id", id),
		zap.Stringer("user_id", media.UserID),
		zap.Int64("size", media.FileSize))
	return media, nil
}

// Restore возвращает файл из корзины, заново резервируя место
func (s *MediaService) Restore(ctx context.Context, id uuid.UUID) (*domain.MediaFile, error) {
	var media *domain.MediaFile
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		m, err := tx.GetMediaForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !m.IsDeleted {
			return fmt.Errorf("media %s is not in trash: %w", id, domain.ErrConflict)
		}

		if _, err := tx.ReserveStorage(ctx, m.UserID, m.FileSize); err != nil {
			if errors.Is(err, domain.ErrQuotaExceeded) {
				s.metrics.IncQuotaExceeded("restore")
			}
			return fmt.Errorf("failed to reserve storage: %w", err)
		}
		if err := tx.MarkMediaRestored(ctx, id); err != nil {
			return err
		}

		m.IsDeleted = false
		m.DeletedAt = nil
		media = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to restore media: %w", err)
	}

	s.quotas.Invalidate(ctx, media.UserID)
	s.logger.Info("media restored",
		zap.Stringer("media_id", id),
		zap.Stringer("user_id", media.UserID),
		zap.Int64("size", media.FileSize))
	return media, nil
}

// PermanentDelete удаляет запись и байты. Квота освобождается только для живого файла:
// для файла из корзины она уже была освобождена при мягком удалении.
func (s *MediaService) PermanentDelete(ctx context.Context, id uuid.UUID) error {
	_, err := s.purge(ctx, id, nil)
	return err
}

// PurgeTrashed удаляет файл, только если под блокировкой он все еще в корзине
// и перенесен туда раньше cutoff (нулевой cutoff - без ограничения срока).
// Успевший восстановиться файл пропускается: removed == false, ошибки нет.
func (s *MediaService) PurgeTrashed(ctx context.Context, id uuid.UUID, cutoff time.Time) (bool, error) {
	return s.purge(ctx, id, func(m *domain.MediaFile) bool {
		if !m.IsDeleted || m.DeletedAt == nil {
			return false
		}
		return cutoff.IsZero() || m.DeletedAt.Before(cutoff)
	})
}

// purge удаляет файл, если eligible (при наличии) разрешает это для заблокированной строки
func (s *MediaService) purge(ctx context.Context, id uuid.UUID, eligible func(m *domain.MediaFile) bool) (bool, error) {
	var media *domain.MediaFile
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		m, err := tx.GetMediaForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if eligible != nil && !eligible(m) {
			return nil
		}
		if !m.IsDeleted {
			if _, err := tx.ReleaseStorage(ctx, m.UserID, m.FileSize); err != nil {
				return fmt.Errorf("failed to release storage: %w", err)
			}
		}
		if err := tx.DeleteMedia(ctx, id); err != nil {
			return err
		}
		media = m
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to permanently delete media: %w", err)
	}
	if media == nil {
		s.logger.Debug("media left in place, no longer eligible for purge", zap.Stringer("media_id", id))
		return false, nil
	}

	s.removeObject(ctx, media.StoragePath, "permanent delete")
	s.quotas.Invalidate(ctx, media.UserID)
	s.metrics.IncDeletion("permanent")
	s.logger.Info("media permanently deleted",
		zap.Stringer("media_id", id),
		zap.Stringer("user_id", media.UserID),
		zap.Bool("was_live", !media.IsDeleted))
	return true, nil
}

func (s *MediaService) Get(ctx context.Context, id uuid.UUID) (*domain.MediaFile, error) {
	media, err := s.store.GetMedia(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get media: %w", err)
	}
	return media, nil
}

func (s *MediaService) List(ctx context.Context, filter domain.MediaFilter) ([]domain.MediaFile, error) {
	media, err := s.store.ListMedia(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list media: %w", err)
	}
	return media, nil
}

// Open возвращает содержимое файла. Файлы в корзине не отдаются.
func (s *MediaService) Open(ctx context.Context, id uuid.UUID) (*domain.MediaFile, io.ReadCloser, error) {
	media, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if media.IsDeleted {
		return nil, nil, fmt.Errorf("media %s is in trash: %w", id, domain.ErrNotFound)
	}

	rc, err := s.content.Open(ctx, media.StoragePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open media content: %w", err)
	}
	return media, rc, nil
}

func ingestResult(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, domain.ErrQuotaExceeded):
		return metrics.ResultQuotaExceeded
	case errors.Is(err, domain.ErrPayloadTooLarge):
		return metrics.ResultTooLarge
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidPath), errors.Is(err, domain.ErrNotFound):
		return metrics.ResultInvalid
	case errors.Is(err, domain.ErrStorageWrite):
		return metrics.ResultStorageFailure
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.ResultCanceled
	default:
		return metrics.ResultError
	}
}
