package domain

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxBytes - лимит хранилища нового пользователя (10GB)
const DefaultMaxBytes int64 = 10 << 30

// QuotaAccount - счетчики хранилища пользователя.
// UsedBytes и FileCount равны сумме по живым (не удаленным) медиафайлам.
type QuotaAccount struct {
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	UsedBytes int64     `json:"used_bytes" db:"used_bytes"`
	MaxBytes  int64     `json:"max_bytes" db:"max_bytes"`
	FileCount int64     `json:"file_count" db:"file_count"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// NewQuotaAccount создает пустой счет с заданным лимитом
func NewQuotaAccount(userID uuid.UUID, maxBytes int64) *QuotaAccount {
	now := time.Now().UTC()
	return &QuotaAccount{
		UserID:    userID,
		MaxBytes:  maxBytes,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (a *QuotaAccount) HasEnoughStorage(bytes int64) bool {
	return bytes >= 0 && a.UsedBytes+bytes <= a.MaxBytes
}

// AddStorage фиксирует уже проверенное резервирование.
// Выход за лимит здесь означает, что вызывающий пропустил проверку.
func (a *QuotaAccount) AddStorage(bytes int64) error {
	if bytes < 0 {
		return fmt.Errorf("add %d bytes: %w", bytes, ErrInvariantViolation)
	}
	if !a.HasEnoughStorage(bytes) {
		return fmt.Errorf("add %d bytes to %d/%d: %w", bytes, a.UsedBytes, a.MaxBytes, ErrInvariantViolation)
	}
	a.UsedBytes += bytes
	a.FileCount++
	return nil
}

// RemoveStorage освобождает место одного файла. Уход в минус отклоняется,
// состояние при ошибке не меняется.
func (a *QuotaAccount) RemoveStorage(bytes int64) error {
	if bytes < 0 || bytes > a.UsedBytes || a.FileCount == 0 {
		return fmt.Errorf("remove %d bytes from %d (%d files): %w", bytes, a.UsedBytes, a.FileCount, ErrInvariantViolation)
	}
	a.UsedBytes -= bytes
	a.FileCount--
	return nil
}

func (a *QuotaAccount) AvailableBytes() int64 {
	if a.UsedBytes >= a.MaxBytes {
		return 0
	}
	return a.MaxBytes - a.UsedBytes
}

func (a *QuotaAccount) UsagePercentage() float64 {
	return percentage(a.UsedBytes, a.MaxBytes)
}

func (a *QuotaAccount) IsFull() bool {
	return a.UsedBytes >= a.MaxBytes
}

// Info возвращает представление счета для клиентов
func (a *QuotaAccount) Info() *QuotaInfo {
	available := a.AvailableBytes()
	return &QuotaInfo{
		UserID:          a.UserID,
		UsedBytes:       a.UsedBytes,
		MaxBytes:        a.MaxBytes,
		FileCount:       a.FileCount,
		AvailableBytes:  available,
		UsagePercentage: a.UsagePercentage(),
		IsFull:          a.IsFull(),
		UsedHuman:       FormatBytes(a.UsedBytes),
		MaxHuman:        FormatBytes(a.MaxBytes),
		AvailableHuman:  FormatBytes(available),
	}
}

type QuotaInfo struct {
	UserID          uuid.UUID `json:"user_id"`
	UsedBytes       int64     `json:"used_bytes"`
	MaxBytes        int64     `json:"max_bytes"`
	FileCount       int64     `json:"file_count"`
	AvailableBytes  int64     `json:"available_bytes"`
	UsagePercentage float64   `json:"usage_percentage"`
	IsFull          bool      `json:"is_full"`
	UsedHuman       string    `json:"used_human"`
	MaxHuman        string    `json:"max_human"`
	AvailableHuman  string    `json:"available_human"`
}

// QuotaStats - агрегированная статистика по всем счетам
type QuotaStats struct {
	TotalAccounts   int64   `json:"total_accounts" db:"total_accounts"`
	TotalUsedBytes  int64   `json:"total_used_bytes" db:"total_used_bytes"`
	TotalMaxBytes   int64   `json:"total_max_bytes" db:"total_max_bytes"`
	TotalFiles      int64   `json:"total_files" db:"total_files"`
	FullAccounts    int64   `json:"full_accounts" db:"full_accounts"`
	UsagePercentage float64 `json:"usage_percentage" db:"-"`
	TotalUsedHuman  string  `json:"total_used_human" db:"-"`
	TotalMaxHuman   string  `json:"total_max_human" db:"-"`
}

// Finalize заполняет производные поля
func (s *QuotaStats) Finalize() {
	s.UsagePercentage = percentage(s.TotalUsedBytes, s.TotalMaxBytes)
	s.TotalUsedHuman = FormatBytes(s.TotalUsedBytes)
	s.TotalMaxHuman = FormatBytes(s.TotalMaxBytes)
}

// QuotaFilter - фильтр списка счетов, nil означает отсутствие ограничения
type QuotaFilter struct {
	MinUsedBytes *int64
	MaxUsedBytes *int64
	MinFiles     *int64
	MaxFiles     *int64
	IsFull       *bool
}

// Matches применяет фильтр к счету в памяти
func (f QuotaFilter) Matches(a *QuotaAccount) bool {
	switch {
	case f.MinUsedBytes != nil && a.UsedBytes < *f.MinUsedBytes:
		return false
	case f.MaxUsedBytes != nil && a.UsedBytes > *f.MaxUsedBytes:
		return false
	case f.MinFiles != nil && a.FileCount < *f.MinFiles:
		return false
	case f.MaxFiles != nil && a.FileCount > *f.MaxFiles:
		return false
	case f.IsFull != nil && a.IsFull() != *f.IsFull:
		return false
	}
	return true
}

var byteUnits = []string{"B", "KB", "MB", "GB", "TB"}

// FormatBytes форматирует размер в единицах по основанию 1024 с округлением до двух знаков
func FormatBytes(bytes int64) string {
	value := float64(bytes)
	i := 0
	for value > 1024 && i < len(byteUnits)-1 {
		value /= 1024
		i++
	}
	value = math.Round(value*100) / 100
	return strconv.FormatFloat(value, 'f', -1, 64) + " " + byteUnits[i]
}

func percentage(used, max int64) float64 {
	if max <= 0 {
		return 0
	}
	return math.Round(float64(used)/float64(max)*10000) / 100
}
