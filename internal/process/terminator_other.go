//go:build !unix

package process

// DefaultTerminator uses the tree-kill utility where POSIX process groups
// are not available.
func DefaultTerminator() Terminator {
	return TreeKiller{}
}
