// Package notify delivers run outcome notifications.
//
// A schedule names a notification policy. The policy decides which events
// (ON_SUCCESS, ON_FAILED) produce a message and which channels receive it.
// Deliveries go through an async pipeline: queue, worker pool, rate limit,
// bounded retry and dedup by (run, event, channel). Dedup keys can be
// persisted through the store so a restart does not resend.
//
// Channels: "webhook" (JSON POST), "telegram" (bot message to a chat or
// topic) and "log". The telegram channel doubles as the log forwarder.
package notify
