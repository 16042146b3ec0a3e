package domain

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// TrashItem представляет удаленный медиафайл в корзине
type TrashItem struct {
	ID           uuid.UUID `json:"id"`
	OriginalName string    `json:"original_name"`
	FileType     FileType  `json:"file_type"`
	FileSize     int64     `json:"file_size"`
	DeletedAt    time.Time `json:"deleted_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	ExpiresIn    string    `json:"expires_in"` // вычисляемое поле
}

// NewTrashItem строит элемент корзины для файла с известным сроком хранения
func NewTrashItem(m *MediaFile, retention time.Duration, now time.Time) TrashItem {
	var deletedAt time.Time
	if m.DeletedAt != nil {
		deletedAt = *m.DeletedAt
	}
	expiresAt := deletedAt.Add(retention)
	left := expiresAt.Sub(now)
	if left < 0 {
		left = 0
	}
	return TrashItem{
		ID:           m.ID,
		OriginalName: m.OriginalName,
		FileType:     m.FileType,
		FileSize:     m.FileSize,
		DeletedAt:    deletedAt,
		ExpiresAt:    expiresAt,
		ExpiresIn:    formatExpiresIn(left),
	}
}

func formatExpiresIn(d time.Duration) string {
	days := int(d.Hours()) / 24
	switch {
	case days > 1:
		return strconv.Itoa(days) + " days"
	case days == 1:
		return "1 day"
	case d >= time.Hour:
		return strconv.Itoa(int(d.Hours())) + " hours"
	default:
		return "less than an hour"
	}
}
