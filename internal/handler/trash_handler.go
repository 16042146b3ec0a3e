package handler

import (
	"net/http"

	"go.uber.org/zap"

	"mediavault/internal/service"
)

type TrashHandler struct {
	trashService *service.TrashService
	logger       *zap.Logger
}

func NewTrashHandler(trashService *service.TrashService, logger *zap.Logger) *TrashHandler {
	return &TrashHandler{trashService: trashService, logger: logger}
}

// GetTrashItems обрабатывает запрос на получение содержимого корзины
func (h *TrashHandler) GetTrashItems(w http.ResponseWriter, r *http.Request) {
	userID, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	items, err := h.trashService.GetTrashItems(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, items)
}

// EmptyTrash обрабатывает запрос на очистку корзины
func (h *TrashHandler) EmptyTrash(w http.ResponseWriter, r *http.Request) {
	userID, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	removed, err := h.trashService.EmptyTrash(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
