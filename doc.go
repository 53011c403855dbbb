// Package lockstep is a client-side resilience and offline-synchronization
// engine: a durable action queue that keeps an application working, without
// corrupting state, when the network is slow, absent, rate-limited, or
// erroring.
//
// Actions are enqueued locally, persisted to SQLite, and drained toward the
// remote by a sync engine that routes every attempt through a per-class
// circuit breaker, a fixed-window rate limiter, and exponential-backoff
// retry. Version conflicts between the local cache and the remote are
// recorded and resolved by strategy rather than silently overwritten.
//
// # Basic Usage
//
// Open an engine with an operator that delivers actions to your backend:
//
//	eng, err := lockstep.Open(lockstep.Config{
//	    Path: "queue.db",
//	    Operator: lockstep.NewHTTPOperator(lockstep.HTTPOperatorConfig{
//	        BaseURL: "https://api.example.com/v1",
//	    }),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
// Enqueue work; it is delivered by the next sync cycle, or survives a
// restart if the process dies first:
//
//	id, err := eng.Enqueue(ctx, "update-project", payload, lockstep.EnqueueOptions{
//	    Table:    "projects",
//	    RecordID: "p-17",
//	})
//
// Watch engine condition:
//
//	sub := eng.SubscribeStatus()
//	defer sub.Close()
//	for snap := range sub.C() {
//	    fmt.Println(snap.Health.Status, snap.Queue.Pending)
//	}
//
// # Features
//
// Queue & Sync:
//   - Durable SQLite queue with priority ordering and crash recovery
//   - In-memory fallback when durable storage fails mid-session
//   - Single-flight drain cycles with trailing-rerun coalescing
//   - Per-item attempt budgets; terminal failures stay queryable
//   - Per-table cached records with monotonic versions
//
// Resilience:
//   - Circuit breaker per operation class with half-open probing
//   - Fixed-window rate limiting with idle-window sweeping
//   - Exponential backoff with jitter, breaker-aware
//   - Connectivity probing with automatic drain on reconnect
//
// Conflicts:
//   - Version conflict detection with local/remote snapshots
//   - Keep-local, keep-remote, and per-table merge strategies
//   - Audit retention for resolved conflicts
//
// Observability:
//   - Structured event stream for every state transition
//   - Health monitor with composite score and status subscriptions
//   - Prometheus metrics and a loopback status HTTP/WebSocket feed
//   - Optional S3 archive of failed items and resolved conflicts
//
// # Configuration
//
// Use [Config] to customize behavior:
//
//	cfg := lockstep.DefaultConfig("queue.db")
//	cfg.Operator = op
//	cfg.Breaker.FailureThreshold = 3
//	cfg.Sync.Interval = 15 * time.Second
//
// Or load everything except the operator from YAML with [LoadConfigFile].
package lockstep
