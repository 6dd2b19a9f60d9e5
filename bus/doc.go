// Package bus provides the message bus that connects taskboard processes.
//
// # Implementations
//
//   - NATSBus: NATS core messaging, shared with the JetStream KV state store
//   - MemoryBus: in-process channels for tests and single-binary deployments
//
// # Traffic
//
// Action events arrive on Subjects.Actions through a queue group, so each
// click is handled by exactly one controller replica:
//
//	sub, _ := b.QueueSubscribe(subjects.Actions(), "taskboard")
//	for msg := range sub.Messages() {
//	    result := handle(msg)
//	    bus.Respond(b, msg, result)
//	}
//
// Surface calls are request/reply against the gateway process that owns the
// chat connection:
//
//	reply, err := b.Request(ctx, &bus.Message{Subject: subjects.SurfacePost(), Data: req})
//
// Rate limit announcements are plain pub/sub on Subjects.RateLimit.
package bus
