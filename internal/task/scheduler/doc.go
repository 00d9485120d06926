// Package scheduler runs named jobs on cron or interval schedules.
//
// Schedules are parsed by ParseSchedule and triggered by robfig/cron. A job
// still running when its next trigger fires is skipped, and a panicking job
// is recovered and logged.
package scheduler
