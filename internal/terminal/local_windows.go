//go:build windows

package terminal

// Spawn always fails on Windows.
func (LocalSpawner) Spawn(opts SpawnOptions) (PTY, error) {
	return nil, ErrUnsupported
}
