// Package forkexec launches a subject program connected to the parent
// through pre-opened file descriptors and reports exec failure through
// a close-on-exec check pipe.
//
// The child becomes its own process-group leader before exec so the
// whole subject tree can be signalled and traced as a group.
//
// pipe2, dup3 requires kernel >= 2.6.27
package forkexec
