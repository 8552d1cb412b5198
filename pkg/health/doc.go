// Package health serves liveness and readiness probes.
//
// Checks are func(context.Context) error closures run concurrently under a
// shared timeout. A check reports degraded by wrapping its error with
// [Degraded]; any other error is unhealthy. Readiness answers 503 only when
// a check is unhealthy.
//
//	r.Get("/healthz", health.LivenessHandler())
//	r.Get("/readyz", health.ReadinessHandler(health.Checks{
//		"postgres": db.Healthcheck(pool),
//		"redis":    redis.Healthcheck(client),
//		"queue":    queue.Healthcheck(manager),
//	}, health.WithLogger(log)))
//
// Responses are plain text unless the client sends Accept: application/json
// or ?format=json.
package health
