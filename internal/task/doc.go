// Package task drives generation tasks from submission to a terminal state.
// Each admitted task gets its own polling goroutine (the supervisor) that
// submits the job to its provider, polls until the provider reports a
// terminal state, and records the outcome through the store's compare-and-set
// transition. A periodic reaper fails tasks whose supervisor died, so no
// task is ever stuck in an active state forever.
package task
