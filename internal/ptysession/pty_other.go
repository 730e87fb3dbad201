//go:build !unix && !windows

package ptysession

func spawnPTY(spawnRequest) (*spawned, error) { return nil, ErrPtyUnavailable }

func terminateGroup(int) error { return ErrPtyUnavailable }
func killGroup(int) error      { return ErrPtyUnavailable }
func notifyResize(int) error   { return nil }
