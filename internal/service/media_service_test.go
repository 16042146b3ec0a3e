package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"mediavault/internal/domain"
	"mediavault/internal/repository"
	"mediavault/internal/repository/memory"
)

func TestIngest_QuotaScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t)

	first := env.mustIngest(t, user.ID, 900)

	t.Run("rejects upload over quota before writing", func(t *testing.T) {
		puts := env.content.putCalls
		_, err := env.ingest(t, user.ID, 150)
		if !errors.Is(err, domain.ErrQuotaExceeded) {
			t.Fatalf("expected ErrQuotaExceeded, got %v", err)
		}
		if env.content.putCalls != puts {
			t.Errorf("bytes were written for rejected upload")
		}
		if got := env.quota(t, user.ID).UsedBytes; got != 900 {
			t.Errorf("used = %d, want 900", got)
		}
	})

	var second *domain.MediaFile
	t.Run("fills quota exactly", func(t *testing.T) {
		second = env.mustIngest(t, user.ID, 100)
		account := env.quota(t, user.ID)
		if account.UsedBytes != 1000 || account.FileCount != 2 || !account.IsFull() {
			t.Errorf("unexpected account %+v", account)
		}
	})

	t.Run("soft delete releases and restore re-reserves", func(t *testing.T) {
		if _, err := env.media.SoftDelete(ctx, second.ID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		account := env.quota(t, user.ID)
		if account.UsedBytes != 900 || account.FileCount != 1 {
			t.Errorf("after soft delete: %+v", account)
		}

		if _, err := env.media.Restore(ctx, second.ID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		account = env.quota(t, user.ID)
		if account.UsedBytes != 1000 || account.FileCount != 2 {
			t.Errorf("after restore: %+v", account)
		}
	})

	env.assertLedger(t, user.ID)
	if first.IsDeleted || first.IsProcessed || first.IsOptimized {
		t.Errorf("new media has unexpected flags: %+v", first)
	}
}

func TestIngest_ConcurrentUploadsNeverOvercommit(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t)

	start := make(chan struct{})
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = env.ingest(t, user.ID, 600)
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, exceeded int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrQuotaExceeded):
			exceeded++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || exceeded != 1 {
		t.Fatalf("ok=%d exceeded=%d, want exactly one of each", ok, exceeded)
	}
	if got := env.quota(t, user.ID).UsedBytes; got != 600 {
		t.Errorf("used = %d, want 600", got)
	}
	if env.content.count() != 1 {
		t.Errorf("stored objects = %d, want 1", env.content.count())
	}
}

func TestPermanentDelete_DecrementsExactlyOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("after soft delete", func(t *testing.T) {
		env := newTestEnv(t)
		user := env.register(t)
		media := env.mustIngest(t, user.ID, 400)

		if _, err := env.media.SoftDelete(ctx, media.ID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := env.media.PermanentDelete(ctx, media.ID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		account := env.quota(t, user.ID)
		if account.UsedBytes != 0 || account.FileCount != 0 {
			t.Errorf("unexpected account %+v", account)
		}
		if env.content.count() != 0 {
			t.Errorf("stored bytes were not removed")
		}
		if _, err := env.media.Get(ctx, media.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("live file", func(t *testing.T) {
		env := newTestEnv(t)
		user := env.register(t)
		keep := env.mustIngest(t, user.ID, 100)
		media := env.mustIngest(t, user.ID, 400)

		if err := env.media.PermanentDelete(ctx, media.ID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		account := env.quota(t, user.ID)
		if account.UsedBytes != keep.FileSize || account.FileCount != 1 {
			t.Errorf("unexpected account %+v", account)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		env := newTestEnv(t)
		if err := env.media.PermanentDelete(ctx, uuid.New()); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestSoftDelete_Twice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t)
	media := env.mustIngest(t, user.ID, 300)

	if _, err := env.media.SoftDelete(ctx, media.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.media.SoftDelete(ctx, media.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := env.media.Restore(ctx, media.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.media.Restore(ctx, media.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	env.assertLedger(t, user.ID)
}

func TestRestore_IntoFullAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t)
	media := env.mustIngest(t, user.ID, 600)

	if _, err := env.media.SoftDelete(ctx, media.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env.mustIngest(t, user.ID, 500)

	if _, err := env.media.Restore(ctx, media.ID); !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	got, err := env.media.Get(ctx, media.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsDeleted {
		t.Error("media left trash despite failed restore")
	}
	env.assertLedger(t, user.ID)
}

func TestIngest_Validation(t *testing.T) {
	env := newTestEnv(t, withIngest(IngestOptions{MaxUploadBytes: 500, RetryInitialInterval: 1}))
	user := env.register(t)

	tests := []struct {
		name    string
		req     domain.IngestRequest
		body    io.Reader
		wantErr error
	}{
		{
			name:    "unknown owner",
			req:     domain.IngestRequest{OwnerID: uuid.New(), Size: 1},
			body:    strings.NewReader("x"),
			wantErr: domain.ErrNotFound,
		},
		{
			name:    "over system ceiling",
			req:     domain.IngestRequest{OwnerID: user.ID, Size: 501},
			body:    bytes.NewReader(make([]byte, 501)),
			wantErr: domain.ErrPayloadTooLarge,
		},
		{
			name:    "negative size",
			req:     domain.IngestRequest{OwnerID: user.ID, Size: -1},
			body:    strings.NewReader(""),
			wantErr: domain.ErrInvalidInput,
		},
		{
			name:    "parent traversal",
			req:     domain.IngestRequest{OwnerID: user.ID, Size: 1, RelativeFolder: "albums/../../etc"},
			body:    strings.NewReader("x"),
			wantErr: domain.ErrInvalidPath,
		},
		{
			name:    "oversized mime type",
			req:     domain.IngestRequest{OwnerID: user.ID, Size: 1, MimeType: "image/" + strings.Repeat("x", 300)},
			body:    strings.NewReader("x"),
			wantErr: domain.ErrInvalidInput,
		},
		{
			name:    "short stream",
			req:     domain.IngestRequest{OwnerID: user.ID, Size: 10},
			body:    strings.NewReader("abc"),
			wantErr: domain.ErrInvalidInput,
		},
		{
			name:    "long stream",
			req:     domain.IngestRequest{OwnerID: user.ID, Size: 2},
			body:    strings.NewReader("abcdef"),
			wantErr: domain.ErrInvalidInput,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.media.Ingest(context.Background(), tt.req, tt.body)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			account := env.quota(t, user.ID)
			if account.UsedBytes != 0 || account.FileCount != 0 {
				t.Errorf("rejected upload changed quota: %+v", account)
			}
			if env.content.count() != 0 {
				t.Errorf("rejected upload left stored bytes")
			}
		})
	}
}

func TestIngest_StoragePath(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t)

	media, err := env.media.Ingest(context.Background(), domain.IngestRequest{
		OwnerID:        user.ID,
		OriginalName:   "../../Holiday.PNG",
		MimeType:       "image/png",
		Size:           3,
		RelativeFolder: "/albums/2024/",
	}, strings.NewReader("png"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "uploads/" + user.StorageNamespace + "/albums/2024/" + media.ID.String() + ".png"
	if media.StoragePath != want {
		t.Errorf("storage path = %q, want %q", media.StoragePath, want)
	}
	if media.OriginalName != "Holiday.PNG" || media.FileType != domain.FileTypeImage {
		t.Errorf("unexpected media %+v", media)
	}
	if strings.Contains(media.StoragePath, "Test User") {
		t.Error("storage path leaks the user name")
	}
	if len(env.processor.ids) != 1 || env.processor.ids[0] != media.ID {
		t.Errorf("media was not queued for processing: %v", env.processor.ids)
	}
}

func TestIngest_RetriesSeekableWrites(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t)
	env.content.failPuts = 2

	media, err := env.media.Ingest(context.Background(), domain.IngestRequest{
		OwnerID: user.ID, MimeType: "text/plain", Size: 5,
	}, strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.content.putCalls != 3 {
		t.Errorf("put calls = %d, want 3", env.content.putCalls)
	}
	if got := string(env.content.objects[media.StoragePath]); got != "hello" {
		t.Errorf("stored %q after retries, want %q", got, "hello")
	}
}

func TestIngest_StorageWriteFailure(t *testing.T) {
	t.Run("retries exhausted", func(t *testing.T) {
		env := newTestEnv(t)
		user := env.register(t)
		env.content.failPuts = 100

		_, err := env.media.Ingest(context.Background(), domain.IngestRequest{
			OwnerID: user.ID, Size: 5,
		}, strings.NewReader("hello"))
		if !errors.Is(err, domain.ErrStorageWrite) {
			t.Fatalf("expected ErrStorageWrite, got %v", err)
		}
		if env.content.putCalls != 4 {
			t.Errorf("put calls = %d, want 4", env.content.putCalls)
		}
		env.assertLedger(t, user.ID)
		if env.quota(t, user.ID).FileCount != 0 {
			t.Error("failed upload was counted")
		}
	})

	t.Run("non seekable stream is not retried", func(t *testing.T) {
		env := newTestEnv(t)
		user := env.register(t)
		env.content.failPuts = 1

		_, err := env.media.Ingest(context.Background(), domain.IngestRequest{
			OwnerID: user.ID, Size: 5,
		}, io.MultiReader(strings.NewReader("hello")))
		if !errors.Is(err, domain.ErrStorageWrite) {
			t.Fatalf("expected ErrStorageWrite, got %v", err)
		}
		if env.content.putCalls != 1 {
			t.Errorf("put calls = %d, want 1", env.content.putCalls)
		}
	})
}

type failingCreateStore struct{ *memory.Store }

func (s failingCreateStore) WithTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx repository.Tx) error { return fn(failingCreateTx{tx}) })
}

type failingCreateTx struct{ repository.Tx }

func (failingCreateTx) CreateMedia(context.Context, *domain.MediaFile) error {
	return errors.New("insert failed")
}

func TestIngest_CompensatesWhenRecordFails(t *testing.T) {
	env := newTestEnv(t, withStore(func(m *memory.Store) repository.Store {
		return failingCreateStore{m}
	}))
	user := env.register(t)

	if _, err := env.ingest(t, user.ID, 10); err == nil {
		t.Fatal("expected error")
	}
	if env.content.count() != 0 {
		t.Error("written bytes were not cleaned up")
	}
	if len(env.content.deleted) != 1 {
		t.Errorf("deletes = %v, want one compensation", env.content.deleted)
	}
	account := env.quota(t, user.ID)
	if account.UsedBytes != 0 || account.FileCount != 0 {
		t.Errorf("failed upload changed quota: %+v", account)
	}
}

func TestIngest_CanceledUpload(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t)

	ctx, cancel := context.WithCancel(context.Background())
	env.content.onPut = cancel

	_, err := env.media.Ingest(ctx, domain.IngestRequest{OwnerID: user.ID, Size: 5}, strings.NewReader("hello"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	account := env.quota(t, user.ID)
	if account.UsedBytes != 0 || account.FileCount != 0 {
		t.Errorf("canceled upload changed quota: %+v", account)
	}
	if env.content.count() != 0 {
		t.Error("canceled upload left stored bytes")
	}
}

func TestLedgerMatchesLiveMediaUnderRandomOperations(t *testing.T) {
	env := newTestEnv(t, withMaxBytes(5000))
	ctx := context.Background()
	user := env.register(t)
	rng := rand.New(rand.NewSource(42))

	var ids []uuid.UUID
	for i := 0; i < 200; i++ {
		switch op := rng.Intn(4); {
		case op == 0 || len(ids) == 0:
			if media, err := env.ingest(t, user.ID, rng.Intn(800)); err == nil {
				ids = append(ids, media.ID)
			} else if !errors.Is(err, domain.ErrQuotaExceeded) {
				t.Fatalf("unexpected ingest error: %v", err)
			}
		case op == 1:
			_, err := env.media.SoftDelete(ctx, ids[rng.Intn(len(ids))])
			if err != nil && !errors.Is(err, domain.ErrConflict) {
				t.Fatalf("unexpected soft delete error: %v", err)
			}
		case op == 2:
			_, err := env.media.Restore(ctx, ids[rng.Intn(len(ids))])
			if err != nil && !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrQuotaExceeded) {
				t.Fatalf("unexpected restore error: %v", err)
			}
		default:
			i := rng.Intn(len(ids))
			if err := env.media.PermanentDelete(ctx, ids[i]); err != nil {
				t.Fatalf("unexpected permanent delete error: %v", err)
			}
			ids = append(ids[:i], ids[i+1:]...)
		}
		env.assertLedger(t, user.ID)
	}
}

func TestOpen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t)

	media, err := env.media.Ingest(ctx, domain.IngestRequest{OwnerID: user.ID, Size: 4}, strings.NewReader("data"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, rc, err := env.media.Open(ctx, media.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "data" {
		t.Errorf("content = %q", data)
	}

	if _, err := env.media.SoftDelete(ctx, media.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := env.media.Open(ctx, media.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound for trashed media, got %v", err)
	}
}
