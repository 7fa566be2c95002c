//go:build unix

package process

import (
	"os/exec"
	"syscall"

	"github.com/cockroachdb/errors"
)

// DefaultTerminator signals process groups on POSIX systems.
func DefaultTerminator() Terminator {
	return GroupSignaler{}
}

// GroupSignaler starts every process as the leader of a new process group
// and signals the group, so children die with their parent.
type GroupSignaler struct{}

func (GroupSignaler) Prepare(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func (GroupSignaler) Group(pid int) int {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		return pid
	}
	return pgid
}

func (GroupSignaler) Stop(group int) error {
	return signalGroup(group, syscall.SIGTERM)
}

func (GroupSignaler) Kill(group int) error {
	return signalGroup(group, syscall.SIGKILL)
}

func signalGroup(pgid int, sig syscall.Signal) error {
	if pgid <= 0 {
		return errors.Newf("invalid process group %d", pgid)
	}
	err := syscall.Kill(-pgid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
