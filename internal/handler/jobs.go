package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/creditledger/internal/apperror"
	"github.com/mmeshcher/creditledger/internal/jobs"
)

// SubmitJob списывает кредиты и отправляет задачу генерации провайдеру.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	var in jobs.SubmitInput
	if err := decodeJSON(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}

	job, err := h.jobs.Submit(r.Context(), user.UserID, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, newJobResponse(job))
}

// ListJobs возвращает задачи текущего пользователя.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	list, err := h.jobs.List(r.Context(), user.UserID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]jobResponse, 0, len(list))
	for i := range list {
		resp = append(resp, newJobResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetJob возвращает задачу. С параметром refresh=1 статус предварительно запрашивается у провайдера.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	genID, err := parseUUID(chi.URLParam(r, "id"), "job id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	refresh := r.URL.Query().Get("refresh")
	job, err := h.jobs.Get(r.Context(), user.UserID, genID, refresh == "1" || refresh == "true")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newJobResponse(job))
}

// CancelJob отменяет активную задачу и возвращает кредиты.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	genID, err := parseUUID(chi.URLParam(r, "id"), "job id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	job, err := h.jobs.Cancel(r.Context(), user.UserID, genID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newJobResponse(job))
}

// JobCallback принимает уведомление провайдера о смене статуса задачи.
// Токен в query должен быть выпущен для той же генерации, что указана в пути.
func (h *Handler) JobCallback(w http.ResponseWriter, r *http.Request) {
	genID, err := h.callbacks.Verify(r.URL.Query().Get("token"))
	if err != nil {
		h.logger.Warn("rejected job callback", zap.String("path", r.URL.Path), zap.Error(err))
		h.writeError(w, r, apperror.Unauthorized("invalid callback token"))
		return
	}

	pathID, err := parseUUID(chi.URLParam(r, "id"), "job id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if pathID != genID {
		h.logger.Warn("callback token issued for another job",
			zap.String("path_id", pathID.String()),
			zap.String("token_id", genID.String()),
		)
		h.writeError(w, r, apperror.Unauthorized("invalid callback token"))
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	job, err := h.jobs.HandleCallback(r.Context(), genID, body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": string(job.Status)})
}
