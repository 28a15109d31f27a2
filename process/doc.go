// Package process launches a subject program for marking-style tests,
// drives its standard streams, bounds its wall-clock time and
// optionally traces its descendants.
//
// # Process
//
// A Process owns the subject's pipes, its pid and its supervisor
// goroutines. Construction forks and execs in one phase; when New
// returns without error the subject is executing, otherwise the error
// carries the failure Kind and no child remains.
//
// # Supervision
//
// Config.Timeout arms a watchdog that SIGKILLs the subject's process
// group once the wall-clock budget is spent. Config.Trace additionally
// attaches a ptrace supervisor (linux only) that follows every fork,
// clone and vfork descendant and kills the whole group when the
// descendant set reaches MaxChildCount.
//
// # Streams
//
// Expect, Readline and Print operations read the subject's stdout and
// stderr through guarded handles: once the subject has been reaped the
// handles are closed and further reads report KindStreamFinished
// rather than a silent EOF.
package process
