package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"mediavault/internal/domain"
)

// Tx - операции, которые должны фиксироваться или откатываться вместе.
// Резервирование квоты удерживает блокировку счета пользователя до конца транзакции.
type Tx interface {
	CreateUser(ctx context.Context, user *domain.User) error
	CreateQuotaAccount(ctx context.Context, account *domain.QuotaAccount) error
	ReserveStorage(ctx context.Context, userID uuid.UUID, bytes int64) (*domain.QuotaAccount, error)
	ReleaseStorage(ctx context.Context, userID uuid.UUID, bytes int64) (*domain.QuotaAccount, error)
	CreateMedia(ctx context.Context, media *domain.MediaFile) error
	GetMediaForUpdate(ctx context.Context, id uuid.UUID) (*domain.MediaFile, error)
	MarkMediaDeleted(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkMediaRestored(ctx context.Context, id uuid.UUID) error
	DeleteMedia(ctx context.Context, id uuid.UUID) error
}

type Transactor interface {
	// WithTx выполняет fn в транзакции. Ошибка fn или фиксации откатывает все изменения.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Store - полный контракт хранилища метаданных
type Store interface {
	Transactor

	GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)

	GetQuota(ctx context.Context, userID uuid.UUID) (*domain.QuotaAccount, error)
	ListQuotas(ctx context.Context, filter domain.QuotaFilter) ([]domain.QuotaAccount, error)
	QuotaStats(ctx context.Context) (*domain.QuotaStats, error)
	SetQuotaLimit(ctx context.Context, userID uuid.UUID, maxBytes int64) (*domain.QuotaAccount, error)
	RecalculateQuota(ctx context.Context, userID uuid.UUID) (*domain.QuotaAccount, error)

	GetMedia(ctx context.Context, id uuid.UUID) (*domain.MediaFile, error)
	ListMedia(ctx context.Context, filter domain.MediaFilter) ([]domain.MediaFile, error)
	ListUnprocessed(ctx context.Context, limit int) ([]domain.MediaFile, error)
	UpdateMediaMetadata(ctx context.Context, id uuid.UUID, meta domain.MediaMetadata) error

	ListTrash(ctx context.Context, userID uuid.UUID) ([]domain.MediaFile, error)
	ListExpiredTrash(ctx context.Context, cutoff time.Time, limit int) ([]domain.MediaFile, error)
}

// PostgresStore реализует Store поверх sqlx
type PostgresStore struct {
	db *sqlx.DB
	*UserRepository
	*QuotaRepository
	*MediaRepository
	*TrashRepository
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{
		db:              db,
		UserRepository:  NewUserRepository(db),
		QuotaRepository: NewQuotaRepository(db),
		MediaRepository: NewMediaRepository(db),
		TrashRepository: NewTrashRepository(db),
	}
}

type pgTx struct {
	*UserRepository
	*QuotaRepository
	*MediaRepository
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{
		UserRepository:  NewUserRepository(tx),
		QuotaRepository: NewQuotaRepository(tx),
		MediaRepository: NewMediaRepository(tx),
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// коды ошибок PostgreSQL
const (
	pqUniqueViolation = "23505"
	pqCheckViolation  = "23514"
)

// mapError приводит ошибки драйвера к ошибкам предметной области
func mapError(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation:
			return fmt.Errorf("%s: %w", what, domain.ErrConflict)
		case pqCheckViolation:
			return fmt.Errorf("%s: %s: %w", what, pqErr.Constraint, domain.ErrInvariantViolation)
		}
	}
	return fmt.Errorf("failed to %s: %w", what, err)
}
