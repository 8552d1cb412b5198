// Package redis opens the go-redis client shared by the distributed rate
// limiter and the idempotency ledger.
//
//	client, err := redis.Open(ctx, cfg.Redis)
//	if err != nil {
//		return err
//	}
//	limiter := ratelimit.NewRedis(client, ratelimit.Config{Limit: 100, Window: time.Minute})
//
// Open accepts redis:// and rediss:// URLs and verifies the connection with a
// ping, retrying a few times for servers that start alongside the service.
package redis
