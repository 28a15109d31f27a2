package forkexec

import (
	"os"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"
)

func devNullFiles(t *testing.T) []uintptr {
	t.Helper()
	files := make([]uintptr, 0, 3)
	for i := 0; i < 3; i++ {
		f, err := os.OpenFile("/dev/null", os.O_RDWR, 0)
		if err != nil {
			t.Fatalf("open /dev/null: %v", err)
		}
		t.Cleanup(func() { f.Close() })
		files = append(files, f.Fd())
	}
	return files
}

func reap(t *testing.T, pid int) unix.WaitStatus {
	t.Helper()
	var ws unix.WaitStatus
	_, err := unix.Wait4(pid, &ws, 0, nil)
	for err == unix.EINTR {
		_, err = unix.Wait4(pid, &ws, 0, nil)
	}
	if err != nil {
		t.Fatalf("wait4(%d): %v", pid, err)
	}
	return ws
}

func TestStart_OK(t *testing.T) {
	t.Parallel()
	r := Runner{
		Args:  []string{"/bin/echo", "ok"},
		Env:   os.Environ(),
		Files: devNullFiles(t),
	}
	pid, check, err := r.Start()
	if err != nil {
		t.Fatal(err)
	}
	if err := r.WaitExec(pid, check); err != nil {
		t.Fatalf("WaitExec: %v", err)
	}
	ws := reap(t, pid)
	if !ws.Exited() || ws.ExitStatus() != 0 {
		t.Errorf("status = %v, want clean exit", ws)
	}
}

func TestStart_PathLookup(t *testing.T) {
	t.Parallel()
	r := Runner{
		Args:  []string{"true"},
		Env:   []string{"PATH=/bin:/usr/bin"},
		Files: devNullFiles(t),
	}
	pid, check, err := r.Start()
	if err != nil {
		t.Fatal(err)
	}
	if err := r.WaitExec(pid, check); err != nil {
		t.Fatalf("WaitExec: %v", err)
	}
	reap(t, pid)
}

func TestStart_ExecFailed(t *testing.T) {
	t.Parallel()
	r := Runner{
		Args:  []string{"/no/such/binary"},
		Env:   os.Environ(),
		Files: devNullFiles(t),
	}
	pid, check, err := r.Start()
	if err != nil {
		t.Fatal(err)
	}
	if err := r.WaitExec(pid, check); err != ErrExecFailed {
		t.Fatalf("WaitExec = %v, want ErrExecFailed", err)
	}
	// the failed child was reaped inside WaitExec
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil); err != unix.ECHILD {
		t.Errorf("wait4 after WaitExec = %v, want ECHILD", err)
	}
}

func TestStart_StopBeforeExec(t *testing.T) {
	t.Parallel()
	r := Runner{
		Args:  []string{"/bin/echo", "stopped"},
		Env:   os.Environ(),
		Files: devNullFiles(t),
		Stop:  true,
	}
	pid, check, err := r.Start()
	if err != nil {
		t.Fatal(err)
	}

	// the child parks itself in SIGSTOP before exec
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, unix.WUNTRACED, nil); err != nil {
		t.Fatalf("wait4: %v", err)
	}
	if !ws.Stopped() || ws.StopSignal() != unix.SIGSTOP {
		t.Fatalf("status = %v, want SIGSTOP stop", ws)
	}

	if err := unix.Kill(pid, unix.SIGCONT); err != nil {
		t.Fatalf("SIGCONT: %v", err)
	}
	if err := r.WaitExec(pid, check); err != nil {
		t.Fatalf("WaitExec: %v", err)
	}
	reap(t, pid)
}

func TestStart_ProcessGroupLeader(t *testing.T) {
	t.Parallel()
	r := Runner{
		Args:  []string{"/bin/sleep", "60"},
		Env:   os.Environ(),
		Files: devNullFiles(t),
	}
	pid, check, err := r.Start()
	if err != nil {
		t.Fatal(err)
	}
	if err := r.WaitExec(pid, check); err != nil {
		t.Fatalf("WaitExec: %v", err)
	}
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		t.Fatalf("getpgid: %v", err)
	}
	if pgid != pid {
		t.Errorf("pgid = %d, want %d (child leads its own group)", pgid, pid)
	}
	unix.Kill(-pid, unix.SIGKILL)
	reap(t, pid)
}

func TestStart_EmptyArgs(t *testing.T) {
	t.Parallel()
	r := Runner{}
	if _, _, err := r.Start(); err != syscall.EINVAL {
		t.Fatalf("Start = %v, want EINVAL", err)
	}
}
