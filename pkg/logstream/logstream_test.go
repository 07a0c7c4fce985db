package logstream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaosmaps/sandboxd/pkg/apperr"
)

type fakeDriver struct {
	tailLines  []string
	tailErr    error
	streamBody string
	streamErr  error
}

func (f *fakeDriver) Logs(ctx context.Context, name string, tail int) ([]string, error) {
	if f.tailErr != nil {
		return nil, f.tailErr
	}
	return f.tailLines, nil
}

func (f *fakeDriver) LogsStream(ctx context.Context, name string) (io.ReadCloser, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return io.NopCloser(strings.NewReader(f.streamBody)), nil
}

func TestTailReturnsEmptySliceOnNotFound(t *testing.T) {
	driver := &fakeDriver{tailErr: apperr.New(apperr.NotFound, "runtime.Logs", errors.New("no such container"))}
	s := New(driver)

	lines, err := s.Tail(context.Background(), "sandbox-abc123", 50)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestTailPropagatesOtherErrors(t *testing.T) {
	driver := &fakeDriver{tailErr: apperr.New(apperr.DriverError, "runtime.Logs", errors.New("daemon unreachable"))}
	s := New(driver)

	_, err := s.Tail(context.Background(), "sandbox-abc123", 50)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.DriverError))
}

func TestStreamYieldsInitialTailThenFollowedLines(t *testing.T) {
	driver := &fakeDriver{
		tailLines: []string{"booting", "ready"},
		streamBody: "line one\nline two\n",
	}
	s := New(driver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Stream(ctx, "sandbox-abc123")

	var texts []string
	for line := range ch {
		if line.Close {
			break
		}
		if line.Err == nil {
			texts = append(texts, line.Text)
		}
	}

	assert.Equal(t, []string{"booting", "ready", "line one", "line two"}, texts)
}

func TestStreamEndsWithErrorAndCloseOnMissingContainer(t *testing.T) {
	driver := &fakeDriver{
		tailLines: []string{},
		streamErr: apperr.New(apperr.NotFound, "runtime.LogsStream", errors.New("no such container")),
	}
	s := New(driver)

	ch := s.Stream(context.Background(), "sandbox-ghost")

	var gotErr, gotClose bool
	for line := range ch {
		if line.Err != nil {
			gotErr = true
		}
		if line.Close {
			gotClose = true
		}
	}

	assert.True(t, gotErr)
	assert.True(t, gotClose)
}
