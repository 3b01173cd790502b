// Package scheduler is the runtime trigger registry.
//
// It keeps at most one live cron entry per enabled schedule and turns every
// fire into a Signal handed to a Trigger sink. It never runs work itself:
//   - Reconcile replaces the timer of one schedule (or drops it when disabled)
//   - Remove drops the timer of a deleted schedule
//   - ReloadAll rebuilds the timer set from durable state on startup
package scheduler
