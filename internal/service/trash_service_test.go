package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"mediavault/internal/domain"
	"mediavault/internal/repository"
	"mediavault/internal/repository/memory"
)

// restoringStore восстанавливает первый файл из выборки корзины сразу после выборки,
// как если бы пользователь успел нажать "восстановить" до удаления
type restoringStore struct {
	repository.Store
	restore func(id uuid.UUID)
	done    bool
}

func (s *restoringStore) restoreFirst(media []domain.MediaFile) {
	if s.done || len(media) == 0 || s.restore == nil {
		return
	}
	s.done = true
	s.restore(media[0].ID)
}

func (s *restoringStore) ListExpiredTrash(ctx context.Context, cutoff time.Time, limit int) ([]domain.MediaFile, error) {
	out, err := s.Store.ListExpiredTrash(ctx, cutoff, limit)
	s.restoreFirst(out)
	return out, err
}

func (s *restoringStore) ListTrash(ctx context.Context, userID uuid.UUID) ([]domain.MediaFile, error) {
	out, err := s.Store.ListTrash(ctx, userID)
	s.restoreFirst(out)
	return out, err
}

func newRestoringEnv(t *testing.T) *testEnv {
	t.Helper()
	rs := &restoringStore{}
	env := newTestEnv(t, withStore(func(m *memory.Store) repository.Store {
		rs.Store = m
		return rs
	}))
	rs.restore = func(id uuid.UUID) {
		if _, err := env.media.Restore(context.Background(), id); err != nil {
			t.Errorf("failed to restore %s: %v", id, err)
		}
	}
	return env
}

func TestTrashService_AutoCleanup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t)

	now := time.Now()
	env.media.now = func() time.Time { return now.Add(-2 * time.Hour) }
	var old []*domain.MediaFile
	for i := 0; i < 3; i++ {
		m := env.mustIngest(t, user.ID, 100)
		if _, err := env.media.SoftDelete(ctx, m.ID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		old = append(old, m)
	}

	env.media.now = func() time.Time { return now }
	fresh := env.mustIngest(t, user.ID, 100)
	if _, err := env.media.SoftDelete(ctx, fresh.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	live := env.mustIngest(t, user.ID, 100)

	before := env.quota(t, user.ID)
	removed, err := env.trash.AutoCleanup(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}

	after := env.quota(t, user.ID)
	if after.UsedBytes != before.UsedBytes || after.FileCount != before.FileCount {
		t.Errorf("cleanup changed quota: before %+v after %+v", before, after)
	}
	for _, m := range old {
		if _, err := env.media.Get(ctx, m.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expired media %s survived cleanup", m.ID)
		}
	}
	for _, id := range []uuid.UUID{fresh.ID, live.ID} {
		if _, err := env.media.Get(ctx, id); err != nil {
			t.Errorf("media %s removed too early: %v", id, err)
		}
	}
	env.assertLedger(t, user.ID)
}

func TestTrashService_ItemsAndEmpty(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t)

	a := env.mustIngest(t, user.ID, 100)
	b := env.mustIngest(t, user.ID, 200)
	env.mustIngest(t, user.ID, 300)
	for _, m := range []*domain.MediaFile{a, b} {
		if _, err := env.media.SoftDelete(ctx, m.ID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	items, err := env.trash.GetTrashItems(ctx, user.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("trash items = %d, want 2", len(items))
	}

	removed, err := env.trash.EmptyTrash(ctx, user.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	account := env.quota(t, user.ID)
	if account.UsedBytes != 300 || account.FileCount != 1 {
		t.Errorf("unexpected account %+v", account)
	}
	if env.content.count() != 1 {
		t.Errorf("stored objects = %d, want 1", env.content.count())
	}

	if _, err := env.trash.GetTrashItems(ctx, uuid.New()); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown user, got %v", err)
	}
}

func TestTrashService_StartStops(t *testing.T) {
	env := newTestEnv(t)
	env.trash.opts.CleanupInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	env.trash.Start(ctx)
	time.Sleep(5 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		env.trash.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup loop did not stop")
	}
}

func TestTrashService_AutoCleanupSkipsRestoredMedia(t *testing.T) {
	env := newRestoringEnv(t)
	ctx := context.Background()
	user := env.register(t)

	now := time.Now()
	env.media.now = func() time.Time { return now.Add(-2 * time.Hour) }
	var expired []*domain.MediaFile
	for i := 0; i < 3; i++ {
		m := env.mustIngest(t, user.ID, 100)
		if _, err := env.media.SoftDelete(ctx, m.ID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		expired = append(expired, m)
	}
	env.media.now = func() time.Time { return now }

	removed, err := env.trash.AutoCleanup(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	restored, err := env.media.Get(ctx, expired[0].ID)
	if err != nil {
		t.Fatalf("restored media was removed by cleanup: %v", err)
	}
	if restored.IsDeleted {
		t.Errorf("restored media is back in trash: %+v", restored)
	}
	if env.content.count() != 1 {
		t.Errorf("stored objects = %d, want 1", env.content.count())
	}
	for _, m := range expired[1:] {
		if _, err := env.media.Get(ctx, m.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expired media %s survived cleanup", m.ID)
		}
	}
	env.assertLedger(t, user.ID)
}

func TestTrashService_EmptyTrashSkipsRestoredMedia(t *testing.T) {
	env := newRestoringEnv(t)
	ctx := context.Background()
	user := env.register(t)

	a := env.mustIngest(t, user.ID, 100)
	b := env.mustIngest(t, user.ID, 200)
	for _, m := range []*domain.MediaFile{a, b} {
		if _, err := env.media.SoftDelete(ctx, m.ID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	removed, err := env.trash.EmptyTrash(ctx, user.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if env.content.count() != 1 {
		t.Errorf("stored objects = %d, want 1", env.content.count())
	}
	account := env.quota(t, user.ID)
	if account.FileCount != 1 {
		t.Errorf("unexpected account %+v", account)
	}
	env.assertLedger(t, user.ID)
}

func TestMediaService_PurgeTrashedLeavesLiveAndFreshMedia(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t)

	live := env.mustIngest(t, user.ID, 100)
	trashed := env.mustIngest(t, user.ID, 100)
	if _, err := env.media.SoftDelete(ctx, trashed.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		id     uuid.UUID
		cutoff time.Time
		want   bool
	}{
		{"live media", live.ID, time.Time{}, false},
		{"deleted after cutoff", trashed.ID, time.Now().Add(-time.Hour), false},
		{"trashed without cutoff", trashed.ID, time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.media.PurgeTrashed(ctx, tt.id, tt.cutoff)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("removed = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := env.media.Get(ctx, live.ID); err != nil {
		t.Errorf("live media removed: %v", err)
	}
	env.assertLedger(t, user.ID)
}
