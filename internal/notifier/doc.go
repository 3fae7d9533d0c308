// Package notifier tells agents about their conversations on the channel.
//
// The service follows the realtime bus and turns agent topic events
// (assignment, end-user messages, conversation end) into one-line summaries
// sent to the agent's chat.
//
// # Delivery
//
// Summaries go through a queue and a worker pool. Sends share a token bucket
// and are retried with backoff; permanent channel errors are not retried.
// Repeats of the same event inside the dedup window are dropped at enqueue.
//
// Notifications are best-effort: a full queue or a failed send never affects
// routing.
package notifier
