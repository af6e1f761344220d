package engine

import "os/exec"

type Pty interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// PtyFactory spawns the external engine under a pseudo-terminal. The
// engine binary expects an interactive console; running it on a pipe
// makes it buffer output, which would starve the completion watcher.
type PtyFactory interface {
	Start(command string, args ...string) (Pty, *exec.Cmd, error)
}

type defaultPtyFactory struct{}

func (defaultPtyFactory) Start(command string, args ...string) (Pty, *exec.Cmd, error) {
	return startPty(command, args...)
}

func DefaultPtyFactory() PtyFactory {
	return defaultPtyFactory{}
}
