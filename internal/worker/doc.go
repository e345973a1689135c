// Package worker runs the background work of the MSH.
//
// The Sender polls for User Messages in READY_TO_PUSH and pushes them. The
// Puller sends Pull Requests for every P-Mode leg with a pull interval. The
// Purger removes units that have been in a terminal state for longer than
// the retention period, on a cron schedule.
//
// # Concurrency
//
// Workers only use the repository and the public MSH entry points. Several
// instances may run against the same repository; a unit is claimed with an
// optimistic state change, so only one of them processes it.
package worker
