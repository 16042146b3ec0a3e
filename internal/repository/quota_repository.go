package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"mediavault/internal/domain"
)

const quotaColumns = `user_id, used_bytes, max_bytes, file_count, created_at, updated_at`

type QuotaRepository struct {
	q sqlx.ExtContext
}

func NewQuotaRepository(q sqlx.ExtContext) *QuotaRepository {
	return &QuotaRepository{q: q}
}

func (r *QuotaRepository) CreateQuotaAccount(ctx context.Context, account *domain.QuotaAccount) error {
	query := `
        INSERT INTO quota_accounts (user_id, used_bytes, max_bytes, file_count)
        VALUES ($1, $2, $3, $4)
        RETURNING created_at, updated_at`

	err := r.q.QueryRowxContext(ctx, query,
		account.UserID,
		account.UsedBytes,
		account.MaxBytes,
		account.FileCount,
	).Scan(&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return mapError(err, "create quota account")
	}
	return nil
}

func (r *QuotaRepository) GetQuota(ctx context.Context, userID uuid.UUID) (*domain.QuotaAccount, error) {
	var account domain.QuotaAccount
	err := sqlx.GetContext(ctx, r.q, &account,
		`SELECT `+quotaColumns+` FROM quota_accounts WHERE user_id = $1`, userID)
	if err != nil {
		return nil, mapError(err, "get quota")
	}
	return &account, nil
}

// ReserveStorage проверяет и фиксирует место одним условным UPDATE.
// Строка счета остается заблокированной до конца транзакции.
func (r *QuotaRepository) ReserveStorage(ctx context.Context, userID uuid.UUID, bytes int64) (*domain.QuotaAccount, error) {
	if bytes < 0 {
		return nil, fmt.Errorf("reserve %d bytes: %w", bytes, domain.ErrInvalidInput)
	}

	query := `
        UPDATE quota_accounts
        SET used_bytes = used_bytes + $2,
            file_count = file_count + 1,
            updated_at = CURRENT_TIMESTAMP
        WHERE user_id = $1 AND used_bytes + $2 <= max_bytes
        RETURNING ` + quotaColumns

	var account domain.QuotaAccount
	err := sqlx.GetContext(ctx, r.q, &account, query, userID, bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.explainMiss(ctx, userID, domain.ErrQuotaExceeded)
	}
	if err != nil {
		return nil, mapError(err, "reserve storage")
	}
	return &account, nil
}

// ReleaseStorage освобождает место одного файла. Уход в минус отклоняется.
func (r *QuotaRepository) ReleaseStorage(ctx context.Context, userID uuid.UUID, bytes int64) (*domain.QuotaAccount, error) {
	if bytes < 0 {
		return nil, fmt.Errorf("release %d bytes: %w", bytes, domain.ErrInvariantViolation)
	}

	query := `
        UPDATE quota_accounts
        SET used_bytes = used_bytes - $2,
            file_count = file_count - 1,
            updated_at = CURRENT_TIMESTAMP
        WHERE user_id = $1 AND used_bytes >= $2 AND file_count > 0
        RETURNING ` + quotaColumns

	var account domain.QuotaAccount
	err := sqlx.GetContext(ctx, r.q, &account, query, userID, bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.explainMiss(ctx, userID, domain.ErrInvariantViolation)
	}
	if err != nil {
		return nil, mapError(err, "release storage")
	}
	return &account, nil
}

// SetQuotaLimit меняет лимит, не допуская лимит ниже занятого места
func (r *QuotaRepository) SetQuotaLimit(ctx context.Context, userID uuid.UUID, maxBytes int64) (*domain.QuotaAccount, error) {
	query := `
        UPDATE quota_accounts
        SET max_bytes = $2,
            updated_at = CURRENT_TIMESTAMP
        WHERE user_id = $1 AND used_bytes <= $2
        RETURNING ` + quotaColumns

	var account domain.QuotaAccount
	err := sqlx.GetContext(ctx, r.q, &account, query, userID, maxBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.explainMiss(ctx, userID, domain.ErrInvariantViolation)
	}
	if err != nil {
		return nil, mapError(err, "update quota limit")
	}
	return &account, nil
}

// RecalculateQuota пересчитывает счетчики по живым медиафайлам пользователя
func (r *QuotaRepository) RecalculateQuota(ctx context.Context, userID uuid.UUID) (*domain.QuotaAccount, error) {
	query := `
    WITH live AS (
        SELECT COALESCE(SUM(file_size), 0) AS total_size, COUNT(*) AS total_files
        FROM media_files
        WHERE user_id = $1 AND is_deleted = FALSE
    )
    UPDATE quota_accounts q
    SET used_bytes = live.total_size,
        file_count = live.total_files,
        updated_at = CURRENT_TIMESTAMP
    FROM live
    WHERE q.user_id = $1 AND live.total_size <= q.max_bytes
    RETURNING q.user_id, q.used_bytes, q.max_bytes, q.file_count, q.created_at, q.updated_at`

	var account domain.QuotaAccount
	err := sqlx.GetContext(ctx, r.q, &account, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.explainMiss(ctx, userID, domain.ErrInvariantViolation)
	}
	if err != nil {
		return nil, mapError(err, "recalculate used space")
	}
	return &account, nil
}

func (r *QuotaRepository) ListQuotas(ctx context.Context, filter domain.QuotaFilter) ([]domain.QuotaAccount, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.MinUsedBytes != nil {
		add("used_bytes >= $%d", *filter.MinUsedBytes)
	}
	if filter.MaxUsedBytes != nil {
		add("used_bytes <= $%d", *filter.MaxUsedBytes)
	}
	if filter.MinFiles != nil {
		add("file_count >= $%d", *filter.MinFiles)
	}
	if filter.MaxFiles != nil {
		add("file_count <= $%d", *filter.MaxFiles)
	}
	if filter.IsFull != nil {
		add("(used_bytes >= max_bytes) = $%d", *filter.IsFull)
	}

	query := `SELECT ` + quotaColumns + ` FROM quota_accounts`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY used_bytes DESC, user_id`

	var accounts []domain.QuotaAccount
	if err := sqlx.SelectContext(ctx, r.q, &accounts, query, args...); err != nil {
		return nil, mapError(err, "list quotas")
	}
	return accounts, nil
}

func (r *QuotaRepository) QuotaStats(ctx context.Context) (*domain.QuotaStats, error) {
	query := `
        SELECT COUNT(*) AS total_accounts,
               COALESCE(SUM(used_bytes), 0) AS total_used_bytes,
               COALESCE(SUM(max_bytes), 0) AS total_max_bytes,
               COALESCE(SUM(file_count), 0) AS total_files,
               COUNT(*) FILTER (WHERE used_bytes >= max_bytes) AS full_accounts
        FROM quota_accounts`

	var stats domain.QuotaStats
	if err := sqlx.GetContext(ctx, r.q, &stats, query); err != nil {
		return nil, mapError(err, "get quota statistics")
	}
	stats.Finalize()
	return &stats, nil
}

// explainMiss различает отсутствующий счет и невыполненное условие UPDATE
func (r *QuotaRepository) explainMiss(ctx context.Context, userID uuid.UUID, conditionErr error) error {
	var exists bool
	err := sqlx.GetContext(ctx, r.q, &exists,
		`SELECT EXISTS(SELECT 1 FROM quota_accounts WHERE user_id = $1)`, userID)
	if err != nil {
		return fmt.Errorf("failed to check quota account: %w", err)
	}
	if !exists {
		return fmt.Errorf("quota account %s: %w", userID, domain.ErrNotFound)
	}
	return fmt.Errorf("quota account %s: %w", userID, conditionErr)
}
