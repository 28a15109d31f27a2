package forkexec

// execFailMarker is written to the check pipe by the child when execve
// (or any setup step before it) fails. Reading zero bytes from the
// check pipe means exec succeeded: the write end is close-on-exec.
var execFailMarker = [4]byte{'f', 'a', 'i', 'l'}

const (
	// checkBufSize is how much the parent reads from the check pipe:
	// the marker plus one byte to notice an over-long payload.
	checkBufSize = 5

	// execFailExitStatus is the exit status of a child whose exec
	// failed (the _exit(-1) of the original protocol).
	execFailExitStatus = 255
)
