// Package input reads interactive input without blocking shutdown.
package input

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// ReadLine reads one line from r and trims the trailing newline. A final
// line without a newline is returned without error, so piped input does
// not need to end in one. When ctx is canceled the blocked read goroutine
// is abandoned, since reads on a terminal cannot be interrupted.
func ReadLine(ctx context.Context, r io.Reader) (string, error) {
	lines := make(chan string, 1)
	errs := make(chan error, 1)

	go func() {
		line, err := bufio.NewReader(r).ReadString('\n')
		if err != nil && line == "" {
			errs <- err
			return
		}
		lines <- line
	}()

	select {
	case line := <-lines:
		return strings.TrimRight(line, "\r\n"), nil
	case err := <-errs:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
