package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type FileType string

const (
	FileTypeImage    FileType = "image"
	FileTypeVideo    FileType = "video"
	FileTypeAudio    FileType = "audio"
	FileTypeDocument FileType = "document"
	FileTypeFolder   FileType = "folder"
)

// ClassifyMIME определяет тип файла по префиксу MIME. Любой неизвестный тип - документ.
func ClassifyMIME(mimeType string) FileType {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return FileTypeImage
	case strings.HasPrefix(mimeType, "video/"):
		return FileTypeVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return FileTypeAudio
	case strings.HasPrefix(mimeType, "folder/"):
		return FileTypeFolder
	default:
		return FileTypeDocument
	}
}

func ParseFileType(s string) (FileType, bool) {
	switch ft := FileType(s); ft {
	case FileTypeImage, FileTypeVideo, FileTypeAudio, FileTypeDocument, FileTypeFolder:
		return ft, true
	}
	return "", false
}

type MediaState string

const (
	MediaLive        MediaState = "live"
	MediaSoftDeleted MediaState = "soft_deleted"
)

type MediaFile struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	UserID         uuid.UUID  `json:"user_id" db:"user_id"`
	OriginalName   string     `json:"original_name" db:"original_name"`
	StoredFilename string     `json:"stored_filename" db:"stored_filename"`
	StoragePath    string     `json:"storage_path" db:"storage_path"`
	MimeType       string     `json:"mime_type" db:"mime_type"`
	FileType       FileType   `json:"file_type" db:"file_type"`
	FileSize       int64      `json:"file_size" db:"file_size"`
	Width          *int       `json:"width,omitempty" db:"width"`
	Height         *int       `json:"height,omitempty" db:"height"`
	Duration       *int       `json:"duration,omitempty" db:"duration"`
	IsProcessed    bool       `json:"is_processed" db:"is_processed"`
	IsOptimized    bool       `json:"is_optimized" db:"is_optimized"`
	IsDeleted      bool       `json:"is_deleted" db:"is_deleted"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

func (m *MediaFile) State() MediaState {
	if m.IsDeleted {
		return MediaSoftDeleted
	}
	return MediaLive
}

// MediaMetadata - результат анализа содержимого файла
type MediaMetadata struct {
	Width    *int
	Height   *int
	Duration *int
}

// MediaFilter - фильтр списка медиафайлов
type MediaFilter struct {
	UserID    *uuid.UUID
	FileType  *FileType
	IsDeleted *bool
	Limit     int
	Offset    int
}

func (f MediaFilter) Matches(m *MediaFile) bool {
	switch {
	case f.UserID != nil && m.UserID != *f.UserID:
		return false
	case f.FileType != nil && m.FileType != *f.FileType:
		return false
	case f.IsDeleted != nil && m.IsDeleted != *f.IsDeleted:
		return false
	}
	return true
}

// IngestRequest описывает одну входящую загрузку
type IngestRequest struct {
	OwnerID        uuid.UUID
	OriginalName   string
	MimeType       string
	Size           int64
	RelativeFolder string
}
