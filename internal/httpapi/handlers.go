package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/chatd/chatd/internal/auth"
	"github.com/chatd/chatd/internal/chat"
	"github.com/chatd/chatd/internal/store"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxBodyBytes = 16 * 1024

type handlers struct {
	chat *chat.Service
	log  *zap.Logger
}

func caller(r *http.Request) string {
	if c, ok := auth.FromContext(r.Context()); ok {
		return c.UserID()
	}
	return ""
}

func (h *handlers) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.chat.ListConversations(r.Context(), caller(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (h *handlers) listMessages(w http.ResponseWriter, r *http.Request) {
	page, err := intParam(r, "page", 1)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	limit, err := intParam(r, "limit", store.DefaultPageSize)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	limit = min(limit, store.MaxPageSize)

	msgs, err := h.chat.ListMessages(r.Context(), chi.URLParam(r, "id"), caller(r), page, limit)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type sendMessageRequest struct {
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

func (h *handlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, h.log, fmt.Errorf("%w: body must be {receiverId, content}", chat.ErrValidation))
		return
	}
	res, err := h.chat.SendMessage(r.Context(), caller(r), req.ReceiverID, req.Content)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *handlers) markAsRead(w http.ResponseWriter, r *http.Request) {
	msg, err := h.chat.MarkMessageAsRead(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (h *handlers) markAllAsRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.chat.MarkAllAsRead(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": n})
}

func (h *handlers) deleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.chat.DeleteMessage(r.Context(), chi.URLParam(r, "id"), caller(r)); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *handlers) unreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.chat.CountUnread(r.Context(), caller(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": n})
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", chat.ErrValidation, name)
	}
	return v, nil
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, chat.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, chat.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError && log != nil {
		log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": chat.PublicMessage(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
