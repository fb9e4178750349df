// Package queue provides the trigger substrates that deliver task
// dispatches to the engine.
//
// LocalQueue is a bounded in-process worker pool with timers for delayed
// deliveries. RedisQueue keeps due times in a Redis sorted set so several
// engine processes can share one queue.
//
// Both implement engine.Trigger. A delivery carries only a task id; the
// engine reads everything else from the store, so a delivery may be late,
// early or duplicated without harm.
//
//	q := queue.NewLocalQueue(queue.LocalConfig{Workers: 8, Buffer: 256})
//	eng := engine.New(store, q, registry)
//	q.Start(ctx, eng.Dispatch)
//	defer q.Shutdown(context.Background())
package queue
