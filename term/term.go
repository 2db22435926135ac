// Package term puts the host's stdin into raw mode for the duration of an
// interactive guest console session, using golang.org/x/term in place of
// hand-rolled TCGETS/TCSETS ioctls.
package term

import (
	"os"

	"golang.org/x/term"
)

// IsTerminal reports whether stdin is a terminal. Boot sessions fed from a
// pipe or file skip raw-mode setup and the interactive input thread.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// SetRawMode puts stdin into raw mode and returns a function that restores
// the previous mode.
func SetRawMode() (func(), error) {
	fd := int(os.Stdin.Fd())

	old, err := term.MakeRaw(fd)
	if err != nil {
		return func() {}, err
	}

	return func() {
		_ = term.Restore(fd, old)
	}, nil
}
