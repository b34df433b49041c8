// Package taskmodule runs the platform's task modules.
//
// A module is a named inbox plus caller supplied behavior. Its lifecycle is a
// three state machine, Created -> Running -> Stopped, where Stopped is
// terminal. Start runs Behavior.Setup once and then calls Behavior.Loop until
// Stop is observed at the top of the loop. The goroutine that runs a module is
// provided by a Runner, so the scheduling primitive (plain goroutine, ants
// worker pool) is chosen by whoever starts the module.
//
// The inbox is a priority queue: Receive hands out the highest priority
// message first and, among equal priorities, the one that arrived first.
// AcceptMessage never blocks and is safe to call from the broker's dispatcher
// while the module drains the inbox.
//
// Stopping discards: once the loop has returned the inbox is closed, whatever
// it still holds is dropped and counted (see Module.Discarded), and later
// AcceptMessage calls fail with ErrStopped.
package taskmodule
