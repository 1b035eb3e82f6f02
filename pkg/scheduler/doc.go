// Package scheduler fires tasks at instants produced by temporal sources.
//
// Each registered (source, task) pair gets its own execution path: a
// goroutine that pulls the next due instant, sleeps until it, fires the
// task, and repeats until the source is exhausted or the run context is
// cancelled. Paths are fully isolated; a blocking task or a panic in one
// never delays or ends another.
package scheduler
