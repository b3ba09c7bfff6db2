package session

import "io"

// ptyHandle abstracts the pseudo-terminal the agent subprocess runs
// under. Unix wraps creack/pty; Windows wraps ConPTY.
type ptyHandle interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
}
