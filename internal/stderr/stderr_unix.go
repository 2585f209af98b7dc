//go:build !windows

package stderr

import (
	"bufio"
	"os"
	"syscall"
)

var (
	originalStderr *os.File
	pipeReader     *os.File
	pipeWriter     *os.File
)

// Start redirects file descriptor 2 into an internally owned pipe and
// begins forwarding captured lines onto Messages. libopus writes its
// diagnostic output straight to fd 2 via the C runtime, bypassing
// os.Stderr entirely, so this is the only place such lines can be
// intercepted.
func Start() error {
	origFd, err := syscall.Dup(syscall.Stderr)
	if err != nil {
		return err
	}
	originalStderr = os.NewFile(uintptr(origFd), "/dev/stderr")

	pipeReader, pipeWriter, err = os.Pipe()
	if err != nil {
		return err
	}

	if err := syscall.Dup2(int(pipeWriter.Fd()), syscall.Stderr); err != nil {
		return err
	}

	go forwardLines(pipeReader)

	return nil
}

// forwardLines scans captured stderr output line by line and publishes it
// on Messages, dropping lines if no one is reading quickly enough rather
// than blocking the writer (a full libopus diagnostic burst must never
// stall a CGO call).
func forwardLines(r *os.File) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case Messages <- scanner.Text():
		default:
		}
	}
}

// WriteOriginal writes msg to the real, pre-redirect stderr, bypassing the
// capture pipe.
func WriteOriginal(msg string) {
	if originalStderr == nil {
		return
	}
	_, _ = originalStderr.WriteString(msg)
}

// Stop restores fd 2 to the original stderr and closes the capture pipe.
func Stop() {
	if originalStderr != nil {
		_ = syscall.Dup2(int(originalStderr.Fd()), syscall.Stderr)
	}
	if pipeWriter != nil {
		_ = pipeWriter.Close()
	}
	if pipeReader != nil {
		_ = pipeReader.Close()
	}
}
