package adminapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

const (
	defaultPeriodMinutes = 60
	maxBodyBytes         = 64 << 10
)

type handlers struct {
	queue  Queue
	logger *slog.Logger
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	out, err := h.queue.GetHealth(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) metrics(w http.ResponseWriter, r *http.Request) {
	period := defaultPeriodMinutes
	if v := r.URL.Query().Get("period"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, queue.ErrInvalidRequest)
			return
		}
		period = n
	}

	out, err := h.queue.GetMetrics(r.Context(), period)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// listDeadLetters lists unreviewed entries unless ?reviewed=true or
// ?reviewed=all is given.
func (h *handlers) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, queue.ErrInvalidRequest)
			return
		}
		limit = n
	}

	var reviewed *bool
	switch q.Get("reviewed") {
	case "", "false":
		reviewed = new(bool)
	case "true":
		t := true
		reviewed = &t
	case "all":
	default:
		writeError(w, queue.ErrInvalidRequest)
		return
	}

	entries, err := h.queue.ListDeadLetters(r.Context(), limit, reviewed)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []*queue.DeadLetterEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type reviewRequest struct {
	ReviewerID string `json:"reviewer_id"`
	Resolution string `json:"resolution"`
}

func (h *handlers) reviewDeadLetter(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, queue.ErrInvalidRequest)
		return
	}

	entry, err := h.queue.MarkDeadLetterReviewed(r.Context(), chi.URLParam(r, "id"), req.ReviewerID, req.Resolution)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	if queue.Code(err) == queue.CodeSystemError {
		h.logger.ErrorContext(r.Context(), "admin request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	writeError(w, err)
}
