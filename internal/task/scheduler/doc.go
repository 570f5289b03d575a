// Package scheduler turns schedule definitions (cron or interval) into task
// engine submissions. It computes trigger times only; execution, overlap
// gating and retries belong to the engine.
package scheduler
