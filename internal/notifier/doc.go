// Package notifier delivers operator alerts.
//
// Alerts are short, high-signal messages for whoever runs the bot: a
// dispatch that exhausted its retries, a tick that could not load its
// snapshot. They go to a single operator chat through the messaging
// adapter, via a bounded queue drained by a small worker pool with a shared
// rate limit and retry.
//
// # Dedup
//
// Alerts carrying the same Key inside DedupWindow are suppressed, so a
// student whose chat keeps failing produces one alert per window rather than
// one per tick.
//
// # History
//
// The service keeps the most recent alerts in memory for the audit surface.
package notifier
