//go:build !linux

package terminal

// SessionProcesses needs /proc; elsewhere the caller falls back to killing
// the shell's own process group.
func SessionProcesses(sid int) ([]int, error) {
	return nil, ErrUnsupported
}
