// Package idempotency provides ledgers mapping idempotency keys to the id of
// the request admitted under them.
//
// A ledger is a fast path for duplicate detection. It may forget keys (TTL,
// capacity); the request store's unique index remains the source of truth.
//
//   - [Memory] keeps keys in-process with TTL expiry and LRU eviction.
//   - [Redis] shares keys between instances using SET NX.
//
// Example:
//
//	ledger := idempotency.NewRedis(client, idempotency.WithPrefix("jq:idem"))
//	m, err := queue.NewManager(store, queue.WithLedger(ledger))
package idempotency
