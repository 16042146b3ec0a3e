package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mediavault/internal/domain"
)

// tx накапливает изменения и применяет их при фиксации
type tx struct {
	store  *Store
	held   map[uuid.UUID]chan struct{}
	users  []domain.User
	quotas map[uuid.UUID]domain.QuotaAccount
	media  map[uuid.UUID]*mediaChange
}

// mediaChange хранит изменения строки, а не ее копию: при фиксации они
// накладываются на текущее состояние, чтобы не затереть поля, обновленные
// вне транзакции (метаданные обработки).
type mediaChange struct {
	created *domain.MediaFile
	removed bool
	patches []func(m *domain.MediaFile)
}

func (c *mediaChange) apply(m *domain.MediaFile) {
	for _, patch := range c.patches {
		patch(m)
	}
}

func (t *tx) change(id uuid.UUID) *mediaChange {
	c, ok := t.media[id]
	if !ok {
		c = &mediaChange{}
		t.media[id] = c
	}
	return c
}

func (t *tx) lockUser(ctx context.Context, id uuid.UUID) error {
	if _, ok := t.held[id]; ok {
		return nil
	}
	l := t.store.userLock(id)
	select {
	case l <- struct{}{}:
		t.held[id] = l
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to lock quota account %s: %w", id, ctx.Err())
	}
}

func (t *tx) release() {
	for id, l := range t.held {
		<-l
		delete(t.held, id)
	}
}

func (t *tx) quota(id uuid.UUID) (domain.QuotaAccount, bool) {
	if a, ok := t.quotas[id]; ok {
		return a, true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	a, ok := t.store.quotas[id]
	return a, ok
}

func (t *tx) lockQuota(ctx context.Context, id uuid.UUID) (domain.QuotaAccount, error) {
	if err := t.lockUser(ctx, id); err != nil {
		return domain.QuotaAccount{}, err
	}
	a, ok := t.quota(id)
	if !ok {
		return a, fmt.Errorf("quota account %s: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

func (t *tx) mediaFile(id uuid.UUID) (domain.MediaFile, bool) {
	c, staged := t.media[id]
	if staged && c.removed {
		return domain.MediaFile{}, false
	}

	var m domain.MediaFile
	if staged && c.created != nil {
		m = *c.created
	} else {
		t.store.mu.RLock()
		current, ok := t.store.media[id]
		t.store.mu.RUnlock()
		if !ok {
			return domain.MediaFile{}, false
		}
		m = current
	}
	if staged {
		c.apply(&m)
	}
	return m, true
}

func (t *tx) CreateUser(_ context.Context, user *domain.User) error {
	t.store.mu.RLock()
	_, taken := t.store.emails[emailKey(user.Email)]
	t.store.mu.RUnlock()
	if taken {
		return fmt.Errorf("create user %s: %w", user.Email, domain.ErrConflict)
	}
	now := time.Now().UTC()
	user.CreatedAt, user.UpdatedAt = now, now
	t.users = append(t.users, *user)
	return nil
}

func (t *tx) CreateQuotaAccount(ctx context.Context, account *domain.QuotaAccount) error {
	if err := t.lockUser(ctx, account.UserID); err != nil {
		return err
	}
	if _, ok := t.quota(account.UserID); ok {
		return fmt.Errorf("create quota account %s: %w", account.UserID, domain.ErrConflict)
	}
	if account.UsedBytes < 0 || account.FileCount < 0 || account.UsedBytes > account.MaxBytes {
		return fmt.Errorf("create quota account %s: %w", account.UserID, domain.ErrInvariantViolation)
	}
	now := time.Now().UTC()
	account.CreatedAt, account.UpdatedAt = now, now
	t.quotas[account.UserID] = *account
	return nil
}

func (t *tx) ReserveStorage(ctx context.Context, userID uuid.UUID, bytes int64) (*domain.QuotaAccount, error) {
	if bytes < 0 {
		return nil, fmt.Errorf("reserve %d bytes: %w", bytes, domain.ErrInvalidInput)
	}
	a, err := t.lockQuota(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !a.HasEnoughStorage(bytes) {
		return nil, fmt.Errorf("quota account %s: %w", userID, domain.ErrQuotaExceeded)
	}
	if err := a.AddStorage(bytes); err != nil {
		return nil, err
	}
	a.UpdatedAt = time.Now().UTC()
	t.quotas[userID] = a
	return &a, nil
}

func (t *tx) ReleaseStorage(ctx context.Context, userID uuid.UUID, bytes int64) (*domain.QuotaAccount, error) {
	a, err := t.lockQuota(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := a.RemoveStorage(bytes); err != nil {
		return nil, fmt.Errorf("quota account %s: %w", userID, err)
	}
	a.UpdatedAt = time.Now().UTC()
	t.quotas[userID] = a
	return &a, nil
}

func (t *tx) CreateMedia(_ context.Context, media *domain.MediaFile) error {
	if _, exists := t.mediaFile(media.ID); exists {
		return fmt.Errorf("create media file %s: %w", media.ID, domain.ErrConflict)
	}
	now := time.Now().UTC()
	media.CreatedAt, media.UpdatedAt = now, now
	m := *media
	t.media[m.ID] = &mediaChange{created: &m}
	return nil
}

// GetMediaForUpdate блокирует владельца файла: все изменения файла идут под этой блокировкой
func (t *tx) GetMediaForUpdate(ctx context.Context, id uuid.UUID) (*domain.MediaFile, error) {
	m, ok := t.mediaFile(id)
	if !ok {
		return nil, fmt.Errorf("lock media file %s: %w", id, domain.ErrNotFound)
	}
	if err := t.lockUser(ctx, m.UserID); err != nil {
		return nil, err
	}
	// перечитываем после получения блокировки
	if m, ok = t.mediaFile(id); !ok {
		return nil, fmt.Errorf("lock media file %s: %w", id, domain.ErrNotFound)
	}
	return &m, nil
}

func (t *tx) MarkMediaDeleted(_ context.Context, id uuid.UUID, at time.Time) error {
	m, ok := t.mediaFile(id)
	if !ok || m.IsDeleted {
		return fmt.Errorf("mark media deleted %s: %w", id, domain.ErrNotFound)
	}
	now := time.Now().UTC()
	c := t.change(id)
	c.patches = append(c.patches, func(m *domain.MediaFile) {
		deletedAt := at
		m.IsDeleted = true
		m.DeletedAt = &deletedAt
		m.UpdatedAt = now
	})
	return nil
}

func (t *tx) MarkMediaRestored(_ context.Context, id uuid.UUID) error {
	m, ok := t.mediaFile(id)
	if !ok || !m.IsDeleted {
		return fmt.Errorf("restore media %s: %w", id, domain.ErrNotFound)
	}
	now := time.Now().UTC()
	c := t.change(id)
	c.patches = append(c.patches, func(m *domain.MediaFile) {
		m.IsDeleted = false
		m.DeletedAt = nil
		m.UpdatedAt = now
	})
	return nil
}

func (t *tx) DeleteMedia(_ context.Context, id uuid.UUID) error {
	if _, ok := t.mediaFile(id); !ok {
		return fmt.Errorf("delete media %s: %w", id, domain.ErrNotFound)
	}
	t.media[id] = &mediaChange{removed: true}
	return nil
}

func (t *tx) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range t.users {
		if _, taken := s.emails[emailKey(u.Email)]; taken {
			return fmt.Errorf("create user %s: %w", u.Email, domain.ErrConflict)
		}
	}
	for _, u := range t.users {
		s.users[u.ID] = u
		s.emails[emailKey(u.Email)] = u.ID
	}
	for id, a := range t.quotas {
		s.quotas[id] = a
	}
	for id, c := range t.media {
		switch {
		case c.removed:
			delete(s.media, id)
		case c.created != nil:
			m := *c.created
			c.apply(&m)
			s.media[id] = m
		default:
			m, ok := s.media[id]
			if !ok {
				continue
			}
			c.apply(&m)
			s.media[id] = m
		}
	}
	return nil
}
