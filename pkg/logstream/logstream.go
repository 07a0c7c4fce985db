// Package logstream attaches to a deployment's container log source for
// both the one-shot tail operation and the indefinite follow used by the
// SSE log endpoint.
package logstream

import (
	"bufio"
	"context"
	"io"

	"github.com/kaosmaps/sandboxd/pkg/apperr"
	"github.com/kaosmaps/sandboxd/pkg/log"
)

const tailLines = 50

// Driver is the subset of the Container Driver the log streamer needs.
type Driver interface {
	Logs(ctx context.Context, name string, tail int) ([]string, error)
	LogsStream(ctx context.Context, name string) (io.ReadCloser, error)
}

// Line is one item in a stream: either a decoded log line, or — for the
// terminal item only — an error describing why the stream ended.
type Line struct {
	Text  string
	Err   error
	Close bool
}

// Streamer attaches to container log sources on demand. Each call to
// Stream is an independent attachment; multiple concurrent streams on the
// same deployment do not interfere with each other.
type Streamer struct {
	driver Driver
}

// New creates a Streamer over driver.
func New(driver Driver) *Streamer {
	return &Streamer{driver: driver}
}

// Tail returns the last n lines (callers pass tailLines for the default).
// A not-found container yields an empty slice, not an error.
func (s *Streamer) Tail(ctx context.Context, name string, n int) ([]string, error) {
	if n <= 0 {
		n = tailLines
	}
	lines, err := s.driver.Logs(ctx, name, n)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return []string{}, nil
		}
		return nil, err
	}
	return lines, nil
}

// Stream starts at tail=50 and follows indefinitely, sending each decoded
// non-empty line to the returned channel. On any error (including
// container-not-found) it sends a single terminal Line carrying Err, then
// a final Line with Close set, and closes the channel. The goroutine it
// starts exits when ctx is canceled.
func (s *Streamer) Stream(ctx context.Context, name string) <-chan Line {
	out := make(chan Line, 16)
	logger := log.WithComponent("logstream")

	go func() {
		defer close(out)

		initial, err := s.driver.Logs(ctx, name, tailLines)
		if err != nil {
			out <- Line{Err: err}
			out <- Line{Close: true}
			return
		}
		for _, l := range initial {
			if l == "" {
				continue
			}
			select {
			case out <- Line{Text: l}:
			case <-ctx.Done():
				return
			}
		}

		reader, err := s.driver.LogsStream(ctx, name)
		if err != nil {
			out <- Line{Err: err}
			out <- Line{Close: true}
			return
		}
		defer reader.Close()

		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			select {
			case out <- Line{Text: line}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Debug().Err(err).Str("container", name).Msg("log stream ended with error")
			out <- Line{Err: err}
		}
		out <- Line{Close: true}
	}()

	return out
}
