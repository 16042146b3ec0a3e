package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"mediavault/internal/domain"
	"mediavault/internal/repository"
)

func seedAccount(t *testing.T, s *Store, max int64) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := s.WithTx(context.Background(), func(tx repository.Tx) error {
		if err := tx.CreateUser(context.Background(), &domain.User{ID: id, Email: id.String() + "@example.com"}); err != nil {
			return err
		}
		return tx.CreateQuotaAccount(context.Background(), domain.NewQuotaAccount(id, max))
	})
	if err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
	return id
}

func TestStore_RollbackDiscardsChanges(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	userID := seedAccount(t, s, 1000)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.ReserveStorage(ctx, userID, 400); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	a, err := s.GetQuota(ctx, userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.UsedBytes != 0 || a.FileCount != 0 {
		t.Errorf("rolled back reservation is visible: %+v", a)
	}
}

func TestStore_ConcurrentReservationsNeverExceedLimit(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	userID := seedAccount(t, s, 1000)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		exceeded int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithTx(ctx, func(tx repository.Tx) error {
				_, err := tx.ReserveStorage(ctx, userID, 300)
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrQuotaExceeded):
				exceeded++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 3 || exceeded != 17 {
		t.Errorf("ok=%d exceeded=%d, want 3 and 17", ok, exceeded)
	}
	a, _ := s.GetQuota(ctx, userID)
	if a.UsedBytes != 900 || a.FileCount != 3 {
		t.Errorf("unexpected account %+v", a)
	}
}

func TestStore_DifferentUsersDoNotBlock(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	alice := seedAccount(t, s, 1000)
	bob := seedAccount(t, s, 1000)

	holding := make(chan struct{})
	releaseAlice := make(chan struct{})
	go func() {
		_ = s.WithTx(ctx, func(tx repository.Tx) error {
			if _, err := tx.ReserveStorage(ctx, alice, 10); err != nil {
				return err
			}
			close(holding)
			<-releaseAlice
			return nil
		})
	}()
	<-holding
	defer close(releaseAlice)

	done := make(chan error, 1)
	go func() {
		done <- s.WithTx(ctx, func(tx repository.Tx) error {
			_, err := tx.ReserveStorage(ctx, bob, 10)
			return err
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reservation for another user blocked")
	}
}

func TestStore_LockWaitHonoursContext(t *testing.T) {
	s := NewStore()
	userID := seedAccount(t, s, 1000)

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.WithTx(context.Background(), func(tx repository.Tx) error {
			if _, err := tx.ReserveStorage(context.Background(), userID, 10); err != nil {
				return err
			}
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.WithTx(ctx, func(tx repository.Tx) error {
		_, err := tx.ReserveStorage(ctx, userID, 10)
		return err
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestStore_DuplicateEmail(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	id := seedAccount(t, s, 1000)

	err := s.WithTx(ctx, func(tx repository.Tx) error {
		return tx.CreateUser(ctx, &domain.User{ID: uuid.New(), Email: id.String() + "@EXAMPLE.com"})
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestStore_SetQuotaLimitAndRecalculate(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	userID := seedAccount(t, s, 1000)

	media := &domain.MediaFile{ID: uuid.New(), UserID: userID, FileSize: 300}
	err := s.WithTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.ReserveStorage(ctx, userID, media.FileSize); err != nil {
			return err
		}
		return tx.CreateMedia(ctx, media)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := s.SetQuotaLimit(ctx, userID, 299); !errors.Is(err, domain.ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
	a, err := s.SetQuotaLimit(ctx, userID, 300)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !a.IsFull() {
		t.Errorf("expected account to be full: %+v", a)
	}

	a, err = s.RecalculateQuota(ctx, userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.UsedBytes != 300 || a.FileCount != 1 {
		t.Errorf("unexpected recalculated account %+v", a)
	}
}

func TestStore_CommitKeepsMetadataWrittenDuringTx(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	userID := seedAccount(t, s, 1000)

	media := &domain.MediaFile{ID: uuid.New(), UserID: userID, FileSize: 100}
	err := s.WithTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.ReserveStorage(ctx, userID, media.FileSize); err != nil {
			return err
		}
		return tx.CreateMedia(ctx, media)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	width, height := 640, 480
	deletedAt := time.Now().UTC()
	err = s.WithTx(ctx, func(tx repository.Tx) error {
		if err := tx.MarkMediaDeleted(ctx, media.ID, deletedAt); err != nil {
			return err
		}
		// обработчик пишет метаданные мимо транзакции
		return s.UpdateMediaMetadata(ctx, media.ID, domain.MediaMetadata{Width: &width, Height: &height})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.GetMedia(ctx, media.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsDeleted || got.DeletedAt == nil || !got.DeletedAt.Equal(deletedAt) {
		t.Errorf("soft delete lost: %+v", got)
	}
	if !got.IsProcessed || got.Width == nil || *got.Width != width || got.Height == nil || *got.Height != height {
		t.Errorf("metadata overwritten by commit: %+v", got)
	}
}

func TestStore_CommitSkipsPatchForRemovedRow(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	userID := seedAccount(t, s, 1000)

	media := &domain.MediaFile{ID: uuid.New(), UserID: userID}
	if err := s.WithTx(ctx, func(tx repository.Tx) error { return tx.CreateMedia(ctx, media) }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := s.WithTx(ctx, func(tx repository.Tx) error {
		if err := tx.MarkMediaDeleted(ctx, media.ID, time.Now()); err != nil {
			return err
		}
		m, err := tx.GetMediaForUpdate(ctx, media.ID)
		if err != nil {
			return err
		}
		if !m.IsDeleted {
			t.Errorf("staged soft delete is not visible inside tx")
		}
		return tx.DeleteMedia(ctx, media.ID)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.GetMedia(ctx, media.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
