//go:build unix

package procexec

import (
	"os"

	"golang.org/x/sys/unix"
)

// setRawMode configures a pty master to raw mode: no translation, no
// echo, no line buffering, read-one-byte-at-a-time semantics. Ported from
// the teacher's direct termios manipulation (internal/process/pty.go)
// rather than golang.org/x/term.MakeRaw, to keep the same explicit control
// over individual flags the teacher's comments document.
func setRawMode(f *os.File) error {
	fd := int(f.Fd())

	termios, err := unix.IoctlGetTermios(fd, ioctlReadTermios)
	if err != nil {
		return err
	}

	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB
	termios.Cflag |= unix.CS8

	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	return unix.IoctlSetTermios(fd, ioctlWriteTermios, termios)
}
