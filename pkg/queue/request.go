package queue

import (
	"encoding/json"
	"slices"
	"time"
)

// Mode is the ordering discipline a request competes under.
type Mode string

const (
	// ModeFIFO dispatches strictly by arrival order.
	ModeFIFO Mode = "FIFO"
	// ModePriority dispatches higher priority first, ties by arrival order.
	ModePriority Mode = "PRIORITY"
	// ModeBatch accumulates requests and dispatches them in fixed-size groups.
	ModeBatch Mode = "BATCH"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeFIFO, ModePriority, ModeBatch:
		return true
	}
	return false
}

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAssigned   Status = "ASSIGNED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusTimeout    Status = "TIMEOUT"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Priority bounds.
const (
	MinPriority     = 1
	MaxPriority     = 20
	DefaultPriority = 10
)

// waitingStatuses count towards queue depth.
var waitingStatuses = []Status{StatusPending, StatusAssigned}

// claimableStatuses may be moved to PROCESSING by a worker.
var claimableStatuses = waitingStatuses

// Request is one submitted unit of work.
type Request struct {
	CreatedAt           time.Time         `json:"created_at"`
	AvailableAt         time.Time         `json:"available_at"`
	FirstAttemptAt      *time.Time        `json:"first_attempt_at,omitempty"`
	ProcessingStartedAt *time.Time        `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
	FailedAt            *time.Time        `json:"failed_at,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	ID                  string            `json:"id"`
	CallerID            string            `json:"caller_id"`
	Type                string            `json:"type"`
	IdempotencyKey      string            `json:"idempotency_key"`
	Mode                Mode              `json:"mode"`
	Status              Status            `json:"status"`
	Error               string            `json:"error,omitempty"`
	Payload             json.RawMessage   `json:"payload"`
	Result              json.RawMessage   `json:"result,omitempty"`
	ErrorHistory        []string          `json:"error_history,omitempty"`
	Priority            int               `json:"priority"`
	RetryCount          int               `json:"retry_count"`
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Payload = slices.Clone(r.Payload)
	cp.Result = slices.Clone(r.Result)
	cp.ErrorHistory = slices.Clone(r.ErrorHistory)
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.FirstAttemptAt = cloneTime(r.FirstAttemptAt)
	cp.ProcessingStartedAt = cloneTime(r.ProcessingStartedAt)
	cp.CompletedAt = cloneTime(r.CompletedAt)
	cp.FailedAt = cloneTime(r.FailedAt)
	return &cp
}

// Ahead reports whether r is served before other under their shared mode's ordering.
func (r *Request) Ahead(other *Request) bool {
	if r.Mode == ModePriority && r.Priority != other.Priority {
		return r.Priority > other.Priority
	}
	if !r.CreatedAt.Equal(other.CreatedAt) {
		return r.CreatedAt.Before(other.CreatedAt)
	}
	return r.ID < other.ID
}

// Transition describes a compare-and-set status change. Zero-valued fields
// leave the stored value untouched.
type Transition struct {
	AvailableAt         *time.Time
	ProcessingStartedAt *time.Time
	CompletedAt         *time.Time
	FailedAt            *time.Time
	RetryCount          *int
	Error               *string
	To                  Status
	AppendError         string
	Result              json.RawMessage
	// ClearProcessingStartedAt resets ProcessingStartedAt, used when a stale
	// claim is released.
	ClearProcessingStartedAt bool
}

// Apply mutates r according to t. Stores use it to keep in-memory semantics
// identical to their SQL updates.
func (t Transition) Apply(r *Request) {
	r.Status = t.To
	if t.AvailableAt != nil {
		r.AvailableAt = *t.AvailableAt
	}
	if t.ProcessingStartedAt != nil {
		r.ProcessingStartedAt = cloneTime(t.ProcessingStartedAt)
		if r.FirstAttemptAt == nil {
			r.FirstAttemptAt = cloneTime(t.ProcessingStartedAt)
		}
	}
	if t.ClearProcessingStartedAt {
		r.ProcessingStartedAt = nil
	}
	if t.CompletedAt != nil {
		r.CompletedAt = cloneTime(t.CompletedAt)
	}
	if t.FailedAt != nil {
		r.FailedAt = cloneTime(t.FailedAt)
	}
	if t.RetryCount != nil {
		r.RetryCount = *t.RetryCount
	}
	if t.Error != nil {
		r.Error = *t.Error
	}
	if t.AppendError != "" {
		r.ErrorHistory = append(r.ErrorHistory, t.AppendError)
	}
	if t.Result != nil {
		r.Result = slices.Clone(t.Result)
	}
}

// DeadLetterEntry is the permanent record of a request that exhausted its
// retry budget or failed permanently.
type DeadLetterEntry struct {
	FirstAttemptAt    time.Time       `json:"first_attempt_at"`
	LastAttemptAt     time.Time       `json:"last_attempt_at"`
	CreatedAt         time.Time       `json:"created_at"`
	ReviewedAt        *time.Time      `json:"reviewed_at,omitempty"`
	ID                string          `json:"id"`
	OriginalRequestID string          `json:"original_request_id"`
	CallerID          string          `json:"caller_id"`
	Type              string          `json:"type"`
	FailureReason     string          `json:"failure_reason"`
	ReviewedBy        string          `json:"reviewed_by,omitempty"`
	Resolution        string          `json:"resolution,omitempty"`
	OriginalPayload   json.RawMessage `json:"original_payload"`
	ErrorHistory      []string        `json:"error_history"`
	AttemptCount      int             `json:"attempt_count"`
	Reviewed          bool            `json:"reviewed"`
}

// Clone returns a deep copy of e.
func (e *DeadLetterEntry) Clone() *DeadLetterEntry {
	if e == nil {
		return nil
	}
	cp := *e
	cp.OriginalPayload = slices.Clone(e.OriginalPayload)
	cp.ErrorHistory = slices.Clone(e.ErrorHistory)
	cp.ReviewedAt = cloneTime(e.ReviewedAt)
	return &cp
}

// Counters are the per-minute event counts of a queue.
type Counters struct {
	Queued    int64 `json:"queued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
}

// Add returns the element-wise sum of c and o.
func (c Counters) Add(o Counters) Counters {
	return Counters{
		Queued:    c.Queued + o.Queued,
		Completed: c.Completed + o.Completed,
		Failed:    c.Failed + o.Failed,
		Retried:   c.Retried + o.Retried,
	}
}

// MinuteBucket truncates t to its UTC minute.
func MinuteBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// WindowStats are request aggregates over a rolling window.
type WindowStats struct {
	Submitted         int64
	Completed         int64
	Failed            int64
	TotalWait         time.Duration
	WaitSamples       int64
	TotalProcessing   time.Duration
	ProcessingSamples int64
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
