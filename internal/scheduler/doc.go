// Package scheduler triggers named background jobs on cron or interval
// schedules (robfig/cron/v3). Jobs run with a per-job timeout; a job still
// running when its next tick fires is skipped.
package scheduler
