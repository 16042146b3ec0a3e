package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mediavault/internal/domain"
	"mediavault/internal/service"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	// запас на заголовки и поля multipart сверх размера файла
	multipartOverhead = 1 << 20
)

type MediaHandler struct {
	mediaService   *service.MediaService
	maxUploadBytes int64
	maxMemory      int64
	logger         *zap.Logger
}

func NewMediaHandler(mediaService *service.MediaService, maxUploadBytes, maxMemory int64, logger *zap.Logger) *MediaHandler {
	return &MediaHandler{
		mediaService:   mediaService,
		maxUploadBytes: maxUploadBytes,
		maxMemory:      maxMemory,
		logger:         logger,
	}
}

// UploadFile принимает multipart-форму с полями user_id, file и необязательным file_path
func (h *MediaHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.maxUploadBytes+multipartOverhead {
		writeError(w, h.logger, r, fmt.Errorf("request of %d bytes: %w", r.ContentLength, domain.ErrPayloadTooLarge))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartOverhead)

	if err := r.ParseMultipartForm(h.maxMemory); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			writeError(w, h.logger, r, fmt.Errorf("upload too large: %w", domain.ErrPayloadTooLarge))
			return
		}
		writeError(w, h.logger, r, fmt.Errorf("failed to parse form: %v: %w", err, domain.ErrInvalidInput))
		return
	}
	defer r.MultipartForm.RemoveAll()

	userID, err := uuid.Parse(r.FormValue("user_id"))
	if err != nil {
		writeError(w, h.logger, r, fmt.Errorf("invalid user_id: %w", domain.ErrInvalidInput))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, h.logger, r, fmt.Errorf("file is required: %w", domain.ErrInvalidInput))
		return
	}
	defer file.Close()

	// multipart.File поддерживает Seek, поэтому запись в хранилище можно повторять
	media, err := h.mediaService.Ingest(r.Context(), domain.IngestRequest{
		OwnerID:        userID,
		OriginalName:   header.Filename,
		MimeType:       header.Header.Get("Content-Type"),
		Size:           header.Size,
		RelativeFolder: r.FormValue("file_path"),
	}, file)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, media)
}

func (h *MediaHandler) ListMedia(w http.ResponseWriter, r *http.Request) {
	var filter domain.MediaFilter
	q := r.URL.Query()

	if raw := q.Get("user_id"); raw != "" {
		userID, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, h.logger, r, fmt.Errorf("invalid user_id: %w", domain.ErrInvalidInput))
			return
		}
		filter.UserID = &userID
	}
	if raw := q.Get("file_type"); raw != "" {
		ft, ok := domain.ParseFileType(raw)
		if !ok {
			writeError(w, h.logger, r, fmt.Errorf("unknown file_type %q: %w", raw, domain.ErrInvalidInput))
			return
		}
		filter.FileType = &ft
	}

	var err error
	if filter.IsDeleted, err = boolQuery(r, "is_deleted"); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if filter.Limit, err = intQuery(r, "limit", defaultListLimit); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if filter.Limit == 0 || filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset, err = intQuery(r, "offset", 0); err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	media, err := h.mediaService.List(r.Context(), filter)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if media == nil {
		media = []domain.MediaFile{}
	}

	writeJSON(w, http.StatusOK, media)
}

func (h *MediaHandler) GetMedia(w http.ResponseWriter, r *http.Request) {
	mediaID, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	media, err := h.mediaService.Get(r.Context(), mediaID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, media)
}

// DownloadFile отдает содержимое файла
func (h *MediaHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	mediaID, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	media, content, err := h.mediaService.Open(r.Context(), mediaID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	defer content.Close()

	// Подготавливаем имя файла для Content-Disposition
	encodedFileName := url.PathEscape(media.OriginalName)
	asciiName := strings.ReplaceAll(media.OriginalName, `"`, `\"`)
	contentDisposition := fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, asciiName, encodedFileName)

	w.Header().Set("Content-Type", media.MimeType)
	w.Header().Set("Content-Disposition", contentDisposition)
	w.Header().Set("Content-Length", strconv.FormatInt(media.FileSize, 10))
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, content); err != nil && r.Context().Err() == nil {
		h.logger.Warn("failed to stream media", zap.Stringer("media_id", mediaID), zap.Error(err))
	}
}

// DeleteFile переносит файл в корзину
func (h *MediaHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	mediaID, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	media, err := h.mediaService.SoftDelete(r.Context(), mediaID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, media)
}

// RestoreItem возвращает файл из корзины
func (h *MediaHandler) RestoreItem(w http.ResponseWriter, r *http.Request) {
	mediaID, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	media, err := h.mediaService.Restore(r.Context(), mediaID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, media)
}

// DeletePermanently удаляет файл окончательно
func (h *MediaHandler) DeletePermanently(w http.ResponseWriter, r *http.Request) {
	mediaID, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	if err := h.mediaService.PermanentDelete(r.Context(), mediaID); err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
