// Package state provides a revisioned key-value store with compare-and-swap
// writes.
//
// Every entry carries a monotonic revision. Create, Update and Delete can be
// made conditional on that revision, and the backend evaluates the condition
// atomically. Higher layers build claim and uniqueness guarantees on top of
// these primitives without holding locks of their own.
//
// # Backends
//
//   - NATSStore: NATS JetStream KV (production, shared between processes)
//   - MemoryStore: in-process map (tests, single binary deployments)
//
// # Usage
//
//	conn, _ := nats.Connect(nats.DefaultURL)
//	kv, _ := state.NewNATSStore(state.NATSStoreConfig{Conn: conn, Bucket: "taskboard"})
//
//	entry, err := kv.Get(ctx, "taskboard.task.1")
//	if err == nil {
//	    _, err = kv.Update(ctx, entry.Key, next, entry.Revision)
//	    if err == state.ErrRevisionMismatch {
//	        // someone else won; re-read and decide again
//	    }
//	}
package state
