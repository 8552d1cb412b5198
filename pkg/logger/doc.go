// Package logger builds the slog logger used by the queue service.
//
// Records go to stdout as JSON (or text) at the configured level. Context
// extractors inject request-scoped attributes; QueueExtractors adds the id,
// caller and attempt of the request a handler is executing:
//
//	log, err := logger.New(cfg.Log, logger.QueueExtractors()...)
//	if err != nil {
//		return err
//	}
//	log.InfoContext(ctx, "charge created")
//	// {"level":"INFO","msg":"charge created","request_id":"0192...","caller_id":"billing","attempt":1}
//
// When Config.Sentry.DSN is set, errors become Sentry issues and warnings are
// kept as logs. Call Flush before exit to deliver buffered events.
package logger
