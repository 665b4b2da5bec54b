// Package trigger turns schedule strings into RunTask calls.
//
// It never executes anything itself: every tick hands the task's executor to
// the job scheduler, which owns deduplication, channels and timeouts. A tick
// for a task that is still running (or queued) simply joins that job.
package trigger
