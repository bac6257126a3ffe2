// Package scheduler is the schedule coordinator: it keeps the table of named
// jobs, arms one-shot timers and recurring cron entries, and starts an execution
// context for every occurrence.
//
// A job occurrence never overlaps with itself: a fire that arrives while the
// previous context is still running is skipped. Failures are contained in the
// context and never deregister the job.
package scheduler
