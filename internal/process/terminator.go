package process

import (
	"os/exec"
	"strconv"
)

// Terminator is the platform strategy used to stop and kill a process tree.
// Group is called once right after spawn and its result is what Stop and
// Kill later receive.
type Terminator interface {
	Prepare(cmd *exec.Cmd)
	Group(pid int) int
	Stop(group int) error
	Kill(group int) error
}

const treeKillUtility = "taskkill"

// TreeKiller terminates a tree through the platform's tree-kill utility. The
// utility is always run as an argument vector; the pid is never seen by a
// shell.
type TreeKiller struct {
	// Run executes argv. Nil means exec.Command(argv[0], argv[1:]...).Run().
	Run func(argv []string) error
}

// Argv returns the argument vector that force-kills the tree rooted at pid.
func (TreeKiller) Argv(pid string) []string {
	return []string{treeKillUtility, "/F", "/T", "/PID", pid}
}

// GracefulArgv returns the argument vector that asks the tree to exit.
func (TreeKiller) GracefulArgv(pid string) []string {
	return []string{treeKillUtility, "/T", "/PID", pid}
}

func (t TreeKiller) Prepare(cmd *exec.Cmd) {
	prepareTree(cmd)
}

func (TreeKiller) Group(pid int) int {
	return pid
}

func (t TreeKiller) Stop(group int) error {
	return t.run(t.GracefulArgv(strconv.Itoa(group)))
}

func (t TreeKiller) Kill(group int) error {
	return t.KillPID(strconv.Itoa(group))
}

// KillPID force-kills the tree for a pid given as text, passed verbatim as
// the last argument.
func (t TreeKiller) KillPID(pid string) error {
	return t.run(t.Argv(pid))
}

func (t TreeKiller) run(argv []string) error {
	if t.Run != nil {
		return t.Run(argv)
	}
	return exec.Command(argv[0], argv[1:]...).Run()
}
