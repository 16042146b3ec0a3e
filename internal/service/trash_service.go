package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mediavault/internal/domain"
	"mediavault/internal/metrics"
	"mediavault/internal/repository"
)

const (
	defaultRetention       = 30 * 24 * time.Hour
	defaultCleanupInterval = time.Hour
	defaultCleanupBatch    = 100
)

type TrashOptions struct {
	Retention       time.Duration
	CleanupInterval time.Duration
	BatchSize       int
}

// TrashService управляет корзиной и периодически удаляет просроченные файлы
type TrashService struct {
	store   repository.Store
	media   *MediaService
	metrics *metrics.Metrics
	opts    TrashOptions
	logger  *zap.Logger
	now     func() time.Time
	done    chan struct{}
}

func NewTrashService(store repository.Store, media *MediaService, m *metrics.Metrics, opts TrashOptions, logger *zap.Logger) *TrashService {
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultCleanupBatch
	}
	return &TrashService{
		store:   store,
		media:   media,
		metrics: m,
		opts:    opts,
		logger:  logger.Named("trash"),
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// GetTrashItems возвращает содержимое корзины пользователя
func (s *TrashService) GetTrashItems(ctx context.Context, userID uuid.UUID) ([]domain.TrashItem, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	media, err := s.store.ListTrash(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get trash items: %w", err)
	}

	now := s.now()
	items := make([]domain.TrashItem, 0, len(media))
	for i := range media {
		items = append(items, domain.NewTrashItem(&media[i], s.opts.Retention, now))
	}
	return items, nil
}

// EmptyTrash окончательно удаляет все файлы из корзины пользователя
func (s *TrashService) EmptyTrash(ctx context.Context, userID uuid.UUID) (int, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return 0, fmt.Errorf("failed to get user: %w", err)
	}

	media, err := s.store.ListTrash(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to get trash items: %w", err)
	}

	var removed int
	var errs []error
	for _, m := range media {
		ok, err := s.media.PurgeTrashed(ctx, m.ID, time.Time{})
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		if ok {
			removed++
		}
	}

	s.logger.Info("trash emptied", zap.Stringer("user_id", userID), zap.Int("removed", removed))
	if len(errs) > 0 {
		return removed, fmt.Errorf("failed to empty trash: %w", errors.Join(errs...))
	}
	return removed, nil
}

// AutoCleanup удаляет файлы, пролежавшие в корзине дольше срока хранения.
// Квота не меняется: она освобождена при переносе в корзину.
func (s *TrashService) AutoCleanup(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.opts.Retention)

	var removed int
	for {
		expired, err := s.store.ListExpiredTrash(ctx, cutoff, s.opts.BatchSize)
		if err != nil {
			return removed, fmt.Errorf("failed to list expired trash: %w", err)
		}
		if len(expired) == 0 {
			break
		}

		var batchRemoved, batchSkipped int
		for _, m := range expired {
			ok, err := s.media.PurgeTrashed(ctx, m.ID, cutoff)
			if err != nil {
				if ctx.Err() != nil {
					return removed, ctx.Err()
				}
				if errors.Is(err, domain.ErrNotFound) {
					batchSkipped++
					continue
				}
				s.logger.Error("failed to remove expired media",
					zap.Stringer("media_id", m.ID),
					zap.Error(err))
				continue
			}
			if !ok {
				// восстановлен или заново удален после выборки
				batchSkipped++
				continue
			}
			batchRemoved++
		}
		removed += batchRemoved
		s.metrics.AddCleanupRemovals(batchRemoved)

		// неполная партия - больше ничего нет; без продвижения - все удаления падают
		if len(expired) < s.opts.BatchSize || batchRemoved+batchSkipped == 0 {
			break
		}
	}

	if removed > 0 {
		s.logger.Info("trash cleanup finished", zap.Int("removed", removed), zap.Time("cutoff", cutoff))
	}
	return removed, nil
}

// Start запускает периодическую очистку в отдельной горутине
func (s *TrashService) Start(ctx context.Context) {
	s.logger.Info("trash cleanup started",
		zap.Duration("interval", s.opts.CleanupInterval),
		zap.Duration("retention", s.opts.Retention))

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.opts.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := s.AutoCleanup(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error("trash auto cleanup failed", zap.Error(err))
				}
			case <-ctx.Done():
				s.logger.Info("trash cleanup stopping")
				return
			}
		}
	}()
}

// Wait блокируется до остановки цикла очистки
func (s *TrashService) Wait() {
	<-s.done
}
