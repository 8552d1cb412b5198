// Package queue is an asynchronous job-queue core: admission, ordering,
// dispatch, retry and dead-lettering of opaque work items.
//
// A request is identified by an opaque type string and a JSON payload. The
// queue never interprets the payload; handlers registered per type do.
//
// # Lifecycle
//
// Requests move through PENDING → ASSIGNED → PROCESSING and end in COMPLETED,
// FAILED, TIMEOUT or CANCELLED. A failed attempt goes back to PENDING with
// RetryCount+1 after an exponential delay (RetryBackoff * 2^RetryCount) until
// MaxRetryAttempts is reached, then the request fails and a [DeadLetterEntry]
// is written for manual review.
//
// # Admission
//
// [Manager.Submit] validates the request, applies the per-caller rate limit,
// resolves the idempotency key and checks queue depth before persisting.
// Resubmitting a key returns the existing request unchanged, also under
// concurrent submission.
//
// # Ordering
//
//   - FIFO: arrival order.
//   - PRIORITY: priority 1..20 descending, then arrival order.
//   - BATCH: collected every BatchInterval in groups of up to BatchSize; each
//     item is retried on its own.
//
// # Usage
//
//	store := memstore.New()
//	transport := inproc.New()
//
//	m, err := queue.NewManager(store,
//	    queue.WithTransport(transport),
//	    queue.WithLogger(logger),
//	    queue.WithTask[tasks.Email, tasks.Receipt](tasks.NewSendEmail(mailer)),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := m.Start(ctx); err != nil {
//	    return err
//	}
//	defer m.Stop(context.Background())
//
//	res, err := m.Submit(ctx, queue.SubmitParams{
//	    CallerID:       userID,
//	    Type:           "notify.email",
//	    Payload:        payload,
//	    Mode:           queue.ModePriority,
//	    Priority:       10,
//	    IdempotencyKey: key,
//	})
//
// # Stores and transports
//
// The Manager is backed by a [Store] (memstore, pgstore) and a [Transport]
// (inproc, rivertransport). The store is authoritative: a worker claims a
// request with a compare-and-set on its status before running it, so
// duplicate deliveries never run a handler twice for one attempt.
//
// # Error Handling
//
// Caller-facing errors are sentinels mapped to stable codes by [Code].
// Admission rejections carry a retry-after hint, see [RetryAfter]. Handlers
// wrap errors with [Permanent] to skip retries.
package queue
