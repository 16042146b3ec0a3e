package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"mediavault/internal/domain"
	"mediavault/internal/repository"
	"mediavault/internal/repository/memory"
)

var errDiskUnavailable = errors.New("disk unavailable")

// fakeContent хранит объекты в памяти и умеет отказывать заданное число раз
type fakeContent struct {
	mu       sync.Mutex
	objects  map[string][]byte
	putCalls int
	failPuts int
	deleted  []string
	onPut    func()
}

func newFakeContent() *fakeContent {
	return &fakeContent{objects: make(map[string][]byte)}
}

func (f *fakeContent) Put(ctx context.Context, path string, r io.Reader, size int64, contentType string) (string, error) {
	f.mu.Lock()
	f.putCalls++
	fail := f.failPuts > 0
	if fail {
		f.failPuts--
	}
	hook := f.onPut
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if fail {
		// частично читаем поток, чтобы повтор требовал перемотки
		io.CopyN(io.Discard, r, 1)
		return "", errDiskUnavailable
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[path] = data
	return path, nil
}

func (f *fakeContent) Open(_ context.Context, path string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[path]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", path, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeContent) Delete(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, path)
	f.deleted = append(f.deleted, path)
	return nil
}

func (f *fakeContent) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

type fakeProcessor struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (p *fakeProcessor) Enqueue(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, id)
	return true
}

type fakeCache struct {
	mu          sync.Mutex
	entries     map[uuid.UUID]domain.QuotaInfo
	versions    map[uuid.UUID]int64
	invalidated int
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		entries:  make(map[uuid.UUID]domain.QuotaInfo),
		versions: make(map[uuid.UUID]int64),
	}
}

func (c *fakeCache) Version(_ context.Context, userID uuid.UUID) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versions[userID], true
}

func (c *fakeCache) Get(_ context.Context, userID uuid.UUID) (*domain.QuotaInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.entries[userID]
	return &info, ok
}

func (c *fakeCache) Set(_ context.Context, info *domain.QuotaInfo, version int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.versions[info.UserID] != version {
		return
	}
	c.entries[info.UserID] = *info
}

func (c *fakeCache) Invalidate(_ context.Context, userID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
	c.versions[userID]++
	c.invalidated++
}

type testEnv struct {
	store     repository.Store
	mem       *memory.Store
	content   *fakeContent
	cache     *fakeCache
	processor *fakeProcessor
	users     *UserService
	quotas    *QuotaService
	media     *MediaService
	trash     *TrashService
}

type envOption func(*envConfig)

type envConfig struct {
	maxBytes int64
	ingest   IngestOptions
	wrap     func(*memory.Store) repository.Store
}

func withMaxBytes(n int64) envOption {
	return func(c *envConfig) { c.maxBytes = n }
}

func withIngest(opts IngestOptions) envOption {
	return func(c *envConfig) { c.ingest = opts }
}

func withStore(wrap func(*memory.Store) repository.Store) envOption {
	return func(c *envConfig) { c.wrap = wrap }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	cfg := envConfig{
		maxBytes: 1000,
		ingest: IngestOptions{
			MaxUploadBytes:       10 << 30,
			WriteRetries:         3,
			RetryInitialInterval: time.Millisecond,
		},
	}
	for _, o := range opts {
		o(&cfg)
	}

	logger := zaptest.NewLogger(t)
	mem := memory.NewStore()
	var store repository.Store = mem
	if cfg.wrap != nil {
		store = cfg.wrap(mem)
	}

	env := &testEnv{
		store:     store,
		mem:       mem,
		content:   newFakeContent(),
		cache:     newFakeCache(),
		processor: &fakeProcessor{},
	}
	env.users = NewUserService(store, UserOptions{
		DefaultMaxBytes: cfg.maxBytes,
		NamespaceSecret: []byte("test-secret"),
		HashCost:        bcrypt.MinCost,
	}, logger)
	env.quotas = NewQuotaService(store, env.cache, logger)
	env.media = NewMediaService(store, env.content, env.quotas, env.processor, nil, cfg.ingest, logger)
	env.trash = NewTrashService(store, env.media, nil, TrashOptions{Retention: time.Hour, BatchSize: 2}, logger)
	return env
}

func (e *testEnv) register(t *testing.T) *domain.User {
	t.Helper()
	reg, err := e.users.Register(context.Background(), RegisterInput{
		Name:     "Test User",
		Email:    uuid.NewString() + "@example.com",
		Password: "correct horse battery",
	})
	if err != nil {
		t.Fatalf("failed to register user: %v", err)
	}
	return reg.User
}

func (e *testEnv) ingest(t *testing.T, userID uuid.UUID, size int) (*domain.MediaFile, error) {
	t.Helper()
	return e.media.Ingest(context.Background(), domain.IngestRequest{
		OwnerID:      userID,
		OriginalName: "photo.jpg",
		MimeType:     "image/jpeg",
		Size:         int64(size),
	}, bytes.NewReader(make([]byte, size)))
}

func (e *testEnv) mustIngest(t *testing.T, userID uuid.UUID, size int) *domain.MediaFile {
	t.Helper()
	media, err := e.ingest(t, userID, size)
	if err != nil {
		t.Fatalf("unexpected ingest error: %v", err)
	}
	return media
}

func (e *testEnv) quota(t *testing.T, userID uuid.UUID) *domain.QuotaAccount {
	t.Helper()
	account, err := e.store.GetQuota(context.Background(), userID)
	if err != nil {
		t.Fatalf("failed to get quota: %v", err)
	}
	return account
}

// assertLedger проверяет, что счетчики равны сумме по живым файлам
func (e *testEnv) assertLedger(t *testing.T, userID uuid.UUID) {
	t.Helper()
	deleted := false
	live, err := e.store.ListMedia(context.Background(), domain.MediaFilter{UserID: &userID, IsDeleted: &deleted})
	if err != nil {
		t.Fatalf("failed to list media: %v", err)
	}
	var sum int64
	for _, m := range live {
		sum += m.FileSize
	}
	account := e.quota(t, userID)
	if account.UsedBytes != sum || account.FileCount != int64(len(live)) {
		t.Fatalf("ledger drift: used=%d files=%d, live sum=%d count=%d",
			account.UsedBytes, account.FileCount, sum, len(live))
	}
	if account.UsedBytes > account.MaxBytes {
		t.Fatalf("used %d exceeds max %d", account.UsedBytes, account.MaxBytes)
	}
}
