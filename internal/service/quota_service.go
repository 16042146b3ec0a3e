package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mediavault/internal/domain"
	"mediavault/internal/repository"
)

// QuotaCache - кэш сводок квоты. Любая мутация счета инвалидирует запись.
// Set принимает версию, прочитанную до запроса в базу, и ничего не пишет,
// если с тех пор была инвалидация.
type QuotaCache interface {
	Get(ctx context.Context, userID uuid.UUID) (*domain.QuotaInfo, bool)
	Version(ctx context.Context, userID uuid.UUID) (int64, bool)
	Set(ctx context.Context, info *domain.QuotaInfo, version int64)
	Invalidate(ctx context.Context, userID uuid.UUID)
}

type QuotaService struct {
	store  repository.Store
	cache  QuotaCache
	logger *zap.Logger
}

// NewQuotaService создает сервис квот. cache может быть nil.
func NewQuotaService(store repository.Store, cache QuotaCache, logger *zap.Logger) *QuotaService {
	return &QuotaService{
		store:  store,
		cache:  cache,
		logger: logger.Named("quota"),
	}
}

func (s *QuotaService) GetQuotaInfo(ctx context.Context, userID uuid.UUID) (*domain.QuotaInfo, error) {
	var (
		version   int64
		cacheable bool
	)
	if s.cache != nil {
		if info, ok := s.cache.Get(ctx, userID); ok {
			return info, nil
		}
		version, cacheable = s.cache.Version(ctx, userID)
	}

	account, err := s.store.GetQuota(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}

	info := account.Info()
	if cacheable {
		s.cache.Set(ctx, info, version)
	}
	return info, nil
}

// HasEnoughStorage - справочная проверка без резервирования
func (s *QuotaService) HasEnoughStorage(ctx context.Context, userID uuid.UUID, bytes int64) (bool, error) {
	account, err := s.store.GetQuota(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to get quota: %w", err)
	}
	return account.HasEnoughStorage(bytes), nil
}

// UpdateQuotaLimit меняет лимит пользователя (административная операция)
func (s *QuotaService) UpdateQuotaLimit(ctx context.Context, userID uuid.UUID, newLimit int64) (*domain.QuotaInfo, error) {
	if newLimit < 0 {
		return nil, fmt.Errorf("new quota limit cannot be negative: %w", domain.ErrInvalidInput)
	}

	account, err := s.store.SetQuotaLimit(ctx, userID, newLimit)
	s.Invalidate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to update quota limit: %w", err)
	}

	s.logger.Info("quota limit updated",
		zap.Stringer("user_id", userID),
		zap.Int64("max_bytes", account.MaxBytes),
		zap.Int64("used_bytes", account.UsedBytes))
	return account.Info(), nil
}

// Recalculate сверяет счетчики с живыми медиафайлами пользователя
func (s *QuotaService) Recalculate(ctx context.Context, userID uuid.UUID) (*domain.QuotaInfo, error) {
	before, err := s.store.GetQuota(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}

	account, err := s.store.RecalculateQuota(ctx, userID)
	s.Invalidate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to recalculate used space: %w", err)
	}

	if before.UsedBytes != account.UsedBytes || before.FileCount != account.FileCount {
		s.logger.Warn("quota drift repaired",
			zap.Stringer("user_id", userID),
			zap.Int64("used_before", before.UsedBytes),
			zap.Int64("used_after", account.UsedBytes),
			zap.Int64("files_before", before.FileCount),
			zap.Int64("files_after", account.FileCount))
	}
	return account.Info(), nil
}

func (s *QuotaService) List(ctx context.Context, filter domain.QuotaFilter) ([]*domain.QuotaInfo, error) {
	accounts, err := s.store.ListQuotas(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list quotas: %w", err)
	}

	infos := make([]*domain.QuotaInfo, 0, len(accounts))
	for i := range accounts {
		infos = append(infos, accounts[i].Info())
	}
	return infos, nil
}

func (s *QuotaService) Statistics(ctx context.Context) (*domain.QuotaStats, error) {
	stats, err := s.store.QuotaStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get quota statistics: %w", err)
	}
	return stats, nil
}

func (s *QuotaService) Invalidate(ctx context.Context, userID uuid.UUID) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, userID)
	}
}
