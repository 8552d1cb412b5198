package adminapi

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var statusByCode = map[string]int{
	queue.CodeInvalidRequest:    http.StatusBadRequest,
	queue.CodeInvalidPriority:   http.StatusBadRequest,
	queue.CodeInvalidMode:       http.StatusBadRequest,
	queue.CodeUnauthorized:      http.StatusForbidden,
	queue.CodeNotFound:          http.StatusNotFound,
	queue.CodeInvalidStatus:     http.StatusConflict,
	queue.CodeRateLimitExceeded: http.StatusTooManyRequests,
	queue.CodeQueueFull:         http.StatusServiceUnavailable,
}

// writeError maps err to a status through its queue code. System errors keep
// their details out of the response.
func writeError(w http.ResponseWriter, err error) {
	code := queue.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	if after, ok := queue.RetryAfter(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(after.Seconds()))))
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type queueStatusError struct {
	h *queue.Health
}

func (e queueStatusError) Error() string {
	return fmt.Sprintf("queue %s: utilization %.2f, %d recent failures, %d unreviewed dead letters",
		e.h.Status, e.h.Utilization, e.h.RecentFailures, e.h.DeadLetterBacklog)
}

func statusError(h *queue.Health) error {
	return queueStatusError{h: h}
}
