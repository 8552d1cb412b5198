package queue

import (
	"context"
	"errors"
	"time"
)

// ErrTransportClosed is returned by Consume after the transport was closed.
var ErrTransportClosed = errors.New("queue: transport closed")

// Job is the descriptor handed to the transport. It never carries the
// payload; workers load the request from the store.
type Job struct {
	CreatedAt time.Time `json:"created_at"`
	NotBefore time.Time `json:"not_before"`
	RequestID string    `json:"request_id"`
	Mode      Mode      `json:"mode"`
	Priority  int       `json:"priority"`
}

// JobFor builds the transport descriptor of r.
func JobFor(r *Request) Job {
	return Job{
		RequestID: r.ID,
		Mode:      r.Mode,
		Priority:  r.Priority,
		CreatedAt: r.CreatedAt,
		NotBefore: r.AvailableAt,
	}
}

// Delivery is a job handed to one consumer.
type Delivery interface {
	Job() Job
	// Ack confirms the delivery was handled. Retries are scheduled by
	// enqueueing a new job, never through the transport.
	Ack(ctx context.Context) error
	// Nack returns the delivery unprocessed so it is delivered again.
	Nack(ctx context.Context) error
}

// Transport moves job descriptors from admission to workers, ordering them
// per mode.
type Transport interface {
	Enqueue(ctx context.Context, job Job) error
	// Consume blocks until a job is ready, ctx is done or the transport closes.
	Consume(ctx context.Context) (Delivery, error)
	Close() error
}

// DurableTransport is implemented by transports that keep jobs across
// process restarts; the manager skips restart recovery for them. Their
// deliveries of FIFO and PRIORITY jobs are wake-ups: the worker claims the
// head of the mode from the store instead of the delivered request.
type DurableTransport interface {
	Transport
	Durable() bool
}

// StartableTransport is implemented by transports that run background
// machinery bound to the manager's lifecycle.
type StartableTransport interface {
	Transport
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

func isDurable(t Transport) bool {
	d, ok := t.(DurableTransport)
	return ok && d.Durable()
}
