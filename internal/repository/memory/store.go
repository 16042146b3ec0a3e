// Package memory реализует хранилище метаданных в памяти процесса.
// Мутации квоты сериализуются блокировкой с ключом user_id: транзакция
// удерживает блокировки затронутых пользователей до фиксации, операции
// разных пользователей выполняются параллельно.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mediavault/internal/domain"
	"mediavault/internal/repository"
)

type Store struct {
	mu     sync.RWMutex
	users  map[uuid.UUID]domain.User
	emails map[string]uuid.UUID
	quotas map[uuid.UUID]domain.QuotaAccount
	media  map[uuid.UUID]domain.MediaFile

	locksMu   sync.Mutex
	userLocks map[uuid.UUID]chan struct{}
}

var _ repository.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		users:     make(map[uuid.UUID]domain.User),
		emails:    make(map[string]uuid.UUID),
		quotas:    make(map[uuid.UUID]domain.QuotaAccount),
		media:     make(map[uuid.UUID]domain.MediaFile),
		userLocks: make(map[uuid.UUID]chan struct{}),
	}
}

func (s *Store) userLock(id uuid.UUID) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.userLocks[id]
	if !ok {
		l = make(chan struct{}, 1)
		s.userLocks[id] = l
	}
	return l
}

func (s *Store) WithTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	return s.run(ctx, func(t *tx) error { return fn(t) })
}

func (s *Store) run(ctx context.Context, fn func(t *tx) error) error {
	t := &tx{
		store:  s,
		held:   make(map[uuid.UUID]chan struct{}),
		quotas: make(map[uuid.UUID]domain.QuotaAccount),
		media:  make(map[uuid.UUID]*mediaChange),
	}
	defer t.release()

	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return t.commit()
}

func emailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Store) GetUser(_ context.Context, id uuid.UUID) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("get user %s: %w", id, domain.ErrNotFound)
	}
	return &u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	id, ok := s.emails[emailKey(email)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("get user by email: %w", domain.ErrNotFound)
	}
	return s.GetUser(ctx, id)
}

func (s *Store) GetQuota(_ context.Context, userID uuid.UUID) (*domain.QuotaAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.quotas[userID]
	if !ok {
		return nil, fmt.Errorf("get quota %s: %w", userID, domain.ErrNotFound)
	}
	return &a, nil
}

func (s *Store) ListQuotas(_ context.Context, filter domain.QuotaFilter) ([]domain.QuotaAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.QuotaAccount
	for _, a := range s.quotas {
		if filter.Matches(&a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UsedBytes != out[j].UsedBytes {
			return out[i].UsedBytes > out[j].UsedBytes
		}
		return out[i].UserID.String() < out[j].UserID.String()
	})
	return out, nil
}

func (s *Store) QuotaStats(_ context.Context) (*domain.QuotaStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats domain.QuotaStats
	for _, a := range s.quotas {
		stats.TotalAccounts++
		stats.TotalUsedBytes += a.UsedBytes
		stats.TotalMaxBytes += a.MaxBytes
		stats.TotalFiles += a.FileCount
		if a.IsFull() {
			stats.FullAccounts++
		}
	}
	stats.Finalize()
	return &stats, nil
}

func (s *Store) SetQuotaLimit(ctx context.Context, userID uuid.UUID, maxBytes int64) (*domain.QuotaAccount, error) {
	var result domain.QuotaAccount
	err := s.run(ctx, func(t *tx) error {
		a, err := t.lockQuota(ctx, userID)
		if err != nil {
			return err
		}
		if a.UsedBytes > maxBytes {
			return fmt.Errorf("limit %d below used %d: %w", maxBytes, a.UsedBytes, domain.ErrInvariantViolation)
		}
		a.MaxBytes = maxBytes
		a.UpdatedAt = time.Now().UTC()
		t.quotas[userID] = a
		result = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Store) RecalculateQuota(ctx context.Context, userID uuid.UUID) (*domain.QuotaAccount, error) {
	var result domain.QuotaAccount
	err := s.run(ctx, func(t *tx) error {
		a, err := t.lockQuota(ctx, userID)
		if err != nil {
			return err
		}
		var used, files int64
		s.mu.RLock()
		for _, m := range s.media {
			if m.UserID == userID && !m.IsDeleted {
				used += m.FileSize
				files++
			}
		}
		s.mu.RUnlock()
		if used > a.MaxBytes {
			return fmt.Errorf("recalculated usage %d exceeds limit %d: %w", used, a.MaxBytes, domain.ErrInvariantViolation)
		}
		a.UsedBytes, a.FileCount = used, files
		a.UpdatedAt = time.Now().UTC()
		t.quotas[userID] = a
		result = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Store) GetMedia(_ context.Context, id uuid.UUID) (*domain.MediaFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.media[id]
	if !ok {
		return nil, fmt.Errorf("get media file %s: %w", id, domain.ErrNotFound)
	}
	return &m, nil
}

func (s *Store) selectMedia(match func(*domain.MediaFile) bool, less func(a, b *domain.MediaFile) bool) []domain.MediaFile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.MediaFile
	for _, m := range s.media {
		if match(&m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(&out[i], &out[j]) })
	return out
}

func newestFirst(a, b *domain.MediaFile) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

func (s *Store) ListMedia(_ context.Context, filter domain.MediaFilter) ([]domain.MediaFile, error) {
	out := s.selectMedia(filter.Matches, newestFirst)
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) ListUnprocessed(_ context.Context, limit int) ([]domain.MediaFile, error) {
	out := s.selectMedia(func(m *domain.MediaFile) bool {
		return !m.IsProcessed && !m.IsDeleted
	}, func(a, b *domain.MediaFile) bool { return a.CreatedAt.Before(b.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateMediaMetadata(_ context.Context, id uuid.UUID, meta domain.MediaMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.media[id]
	if !ok {
		return fmt.Errorf("update media metadata %s: %w", id, domain.ErrNotFound)
	}
	if meta.Width != nil {
		m.Width = meta.Width
	}
	if meta.Height != nil {
		m.Height = meta.Height
	}
	if meta.Duration != nil {
		m.Duration = meta.Duration
	}
	m.IsProcessed = true
	m.UpdatedAt = time.Now().UTC()
	s.media[id] = m
	return nil
}

func (s *Store) ListTrash(_ context.Context, userID uuid.UUID) ([]domain.MediaFile, error) {
	return s.selectMedia(func(m *domain.MediaFile) bool {
		return m.UserID == userID && m.IsDeleted
	}, func(a, b *domain.MediaFile) bool { return deletedAt(a).After(deletedAt(b)) }), nil
}

func (s *Store) ListExpiredTrash(_ context.Context, cutoff time.Time, limit int) ([]domain.MediaFile, error) {
	out := s.selectMedia(func(m *domain.MediaFile) bool {
		return m.IsDeleted && m.DeletedAt != nil && m.DeletedAt.Before(cutoff)
	}, func(a, b *domain.MediaFile) bool { return deletedAt(a).Before(deletedAt(b)) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func deletedAt(m *domain.MediaFile) time.Time {
	if m.DeletedAt == nil {
		return time.Time{}
	}
	return *m.DeletedAt
}
