package rivertransport

import (
	"context"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

// dispatchArgs is the River job of one queue request. It carries no payload.
// The unique key is the request and its availability: a retry or release of
// the same request is a new job.
type dispatchArgs struct {
	CreatedAt time.Time  `json:"created_at"`
	NotBefore time.Time  `json:"not_before" river:"unique"`
	RequestID string     `json:"request_id" river:"unique"`
	Mode      queue.Mode `json:"mode"`
	Priority  int        `json:"priority"`
}

func (dispatchArgs) Kind() string {
	return "queue:dispatch"
}

type outcome int

const (
	outcomeAck outcome = iota + 1
	outcomeNack
)

// dispatchWorker offers each River job to a queue consumer and finishes the
// job according to the consumer's ack or nack.
type dispatchWorker struct {
	river.WorkerDefaults[dispatchArgs]
	t *Transport
}

// Timeout disables River's job timeout; the wait for a consumer is bounded
// by Stop, the processing time by the queue manager.
func (w *dispatchWorker) Timeout(*river.Job[dispatchArgs]) time.Duration {
	return -1
}

func (w *dispatchWorker) Work(ctx context.Context, job *river.Job[dispatchArgs]) error {
	d := &delivery{
		job: queue.Job{
			RequestID: job.Args.RequestID,
			Mode:      job.Args.Mode,
			Priority:  job.Args.Priority,
			CreatedAt: job.Args.CreatedAt,
			NotBefore: job.ScheduledAt,
		},
		done: make(chan outcome, 1),
	}

	stopping := w.t.stopCh()
	select {
	case w.t.deliveries <- d:
	case <-stopping:
		return river.JobSnooze(0)
	case <-w.t.closed:
		return river.JobSnooze(0)
	case <-ctx.Done():
		return river.JobSnooze(0)
	}

	select {
	case o := <-d.done:
		if o == outcomeNack {
			return river.JobSnooze(w.t.nackDelay)
		}
		return nil
	case <-ctx.Done():
		w.t.logger.WarnContext(ctx, "delivery abandoned without acknowledgement",
			slog.String("request_id", job.Args.RequestID),
			slog.Int64("job_id", job.ID),
		)
		return river.JobSnooze(0)
	}
}

type delivery struct {
	job  queue.Job
	done chan outcome
}

func (d *delivery) Job() queue.Job { return d.job }

func (d *delivery) Ack(context.Context) error {
	d.finish(outcomeAck)
	return nil
}

func (d *delivery) Nack(context.Context) error {
	d.finish(outcomeNack)
	return nil
}

// finish records the first outcome; later calls are ignored.
func (d *delivery) finish(o outcome) {
	select {
	case d.done <- o:
	default:
	}
}
