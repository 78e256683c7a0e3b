// Package termsize reports the width of the controlling terminal.
package termsize

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// DefaultWidth is used when no terminal or COLUMNS value is available.
const DefaultWidth = 80

type sizer func(fd int) (width, height int, err error)

// Width returns the terminal width, trying stdin, stdout and stderr, then the
// COLUMNS environment variable.
func Width() int {
	return width(term.GetSize, os.Getenv, []int{
		int(os.Stdin.Fd()),
		int(os.Stdout.Fd()),
		int(os.Stderr.Fd()),
	})
}

func width(size sizer, getenv func(string) string, fds []int) int {
	for _, fd := range fds {
		if w, _, err := size(fd); err == nil && w > 0 {
			return w
		}
	}
	if cols, err := strconv.Atoi(strings.TrimSpace(getenv("COLUMNS"))); err == nil && cols > 0 {
		return cols
	}
	return DefaultWidth
}
