package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"mediavault/internal/domain"
)

const (
	uploadsRoot       = "uploads"
	namespaceLength   = 16
	maxFilenameLength = 255
	maxExtLength      = 16
	maxMimeTypeLength = 255
)

// StorageNamespace выводит непрозрачный каталог пользователя из его идентификатора.
// Имя пользователя в путь не попадает.
func StorageNamespace(secret []byte, userID uuid.UUID) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(userID[:])
	return hex.EncodeToString(mac.Sum(nil))[:namespaceLength]
}

// SanitizeRelativeFolder нормализует пользовательский подкаталог.
// Разделители по краям отбрасываются, сегменты ".." отклоняются.
func SanitizeRelativeFolder(folder string) (string, error) {
	folder = strings.ReplaceAll(folder, "\\", "/")
	folder = strings.Trim(folder, "/")
	if folder == "" {
		return "", nil
	}

	segments := strings.Split(folder, "/")
	clean := make([]string, 0, len(segments))
	for i, seg := range segments {
		switch {
		case seg == "" || seg == ".":
			continue
		case seg == "..":
			return "", fmt.Errorf("parent segment in %q: %w", folder, domain.ErrInvalidPath)
		case i == 0 && len(seg) == 2 && seg[1] == ':':
			return "", fmt.Errorf("drive-qualified path %q: %w", folder, domain.ErrInvalidPath)
		case strings.IndexFunc(seg, unicode.IsControl) >= 0:
			return "", fmt.Errorf("control character in %q: %w", folder, domain.ErrInvalidPath)
		}
		clean = append(clean, seg)
	}
	return strings.Join(clean, "/"), nil
}

// SanitizeFilename оставляет только базовое имя файла
func SanitizeFilename(name string) string {
	name = strings.ToValidUTF8(name, "")
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return "upload"
	}
	return truncateUTF8(name, maxFilenameLength)
}

// truncateUTF8 обрезает строку до max байт, не разрывая многобайтовый символ
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// ValidateMimeType проверяет заявленный клиентом тип до записи байтов:
// он хранится в колонке ограниченной длины.
func ValidateMimeType(mimeType string) error {
	if len(mimeType) > maxMimeTypeLength {
		return fmt.Errorf("mime type longer than %d bytes: %w", maxMimeTypeLength, domain.ErrInvalidInput)
	}
	if !utf8.ValidString(mimeType) {
		return fmt.Errorf("mime type is not valid UTF-8: %w", domain.ErrInvalidInput)
	}
	return nil
}

// StoredFilename генерирует уникальное имя объекта, сохраняя безопасное расширение
func StoredFilename(id uuid.UUID, originalName string) string {
	ext := strings.ToLower(filepath.Ext(originalName))
	if len(ext) < 2 || len(ext) > maxExtLength || strings.IndexFunc(ext[1:], func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) >= 0 {
		ext = ""
	}
	return id.String() + ext
}

// BuildStoragePath собирает путь uploads/<namespace>/<folder>/<filename>
func BuildStoragePath(namespace, folder, filename string) string {
	if folder == "" {
		return path.Join(uploadsRoot, namespace, filename)
	}
	return path.Join(uploadsRoot, namespace, folder, filename)
}
