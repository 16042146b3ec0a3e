package handler

import (
	"net/http"

	"go.uber.org/zap"

	"mediavault/internal/domain"
	"mediavault/internal/service"
)

type StorageQuotaHandler struct {
	quotaService *service.QuotaService
	logger       *zap.Logger
}

func NewStorageQuotaHandler(quotaService *service.QuotaService, logger *zap.Logger) *StorageQuotaHandler {
	return &StorageQuotaHandler{
		quotaService: quotaService,
		logger:       logger,
	}
}

func (h *StorageQuotaHandler) GetQuotaInfo(w http.ResponseWriter, r *http.Request) {
	userID, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	quotaInfo, err := h.quotaService.GetQuotaInfo(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, quotaInfo)
}

// UpdateQuotaLimit - административное изменение лимита пользователя
func (h *StorageQuotaHandler) UpdateQuotaLimit(w http.ResponseWriter, r *http.Request) {
	userID, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	var req struct {
		NewLimit *int64 `json:"new_limit" validate:"required"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	quotaInfo, err := h.quotaService.UpdateQuotaLimit(r.Context(), userID, *req.NewLimit)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, quotaInfo)
}

// Recalculate пересчитывает счетчики по живым файлам пользователя
func (h *StorageQuotaHandler) Recalculate(w http.ResponseWriter, r *http.Request) {
	userID, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	quotaInfo, err := h.quotaService.Recalculate(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, quotaInfo)
}

func (h *StorageQuotaHandler) ListQuotas(w http.ResponseWriter, r *http.Request) {
	var filter domain.QuotaFilter
	var err error
	if filter.MinUsedBytes, err = int64Query(r, "min_used"); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if filter.MaxUsedBytes, err = int64Query(r, "max_used"); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if filter.MinFiles, err = int64Query(r, "min_files"); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if filter.MaxFiles, err = int64Query(r, "max_files"); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if filter.IsFull, err = boolQuery(r, "is_full"); err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	quotas, err := h.quotaService.List(r.Context(), filter)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, quotas)
}

func (h *StorageQuotaHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.quotaService.Statistics(r.Context())
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}
