package process

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineRecorder struct {
	mu    sync.Mutex
	lines []string
	first chan struct{}
	once  sync.Once
}

func newLineRecorder() *lineRecorder {
	return &lineRecorder{first: make(chan struct{})}
}

func (l *lineRecorder) add(line string) {
	l.mu.Lock()
	l.lines = append(l.lines, line)
	l.mu.Unlock()
	l.once.Do(func() { close(l.first) })
}

func (l *lineRecorder) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func waitDone(t *testing.T, s *Stream) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish")
	}
}

func TestStreamDeliversLinesInOrder(t *testing.T) {
	r := newTestRunner(t)
	rec := newLineRecorder()

	s, err := r.Stream(context.Background(), sh(`printf 'a\nb\nc\n'`), StreamOptions{}, rec.add)
	require.NoError(t, err)
	assert.Greater(t, s.Pid, 0)

	waitDone(t, s)
	assert.NoError(t, s.Err())
	assert.Equal(t, []string{"a", "b", "c"}, rec.get())
}

func TestStreamDeliversLinesAsProduced(t *testing.T) {
	r := newTestRunner(t)
	rec := newLineRecorder()

	s, err := r.Stream(context.Background(), sh("echo first; sleep 30"), StreamOptions{}, rec.add)
	require.NoError(t, err)

	select {
	case <-rec.first:
	case <-time.After(2 * time.Second):
		t.Fatal("first line was held back")
	}
	assert.Equal(t, []string{"first"}, rec.get())

	require.NoError(t, r.Shutdown(context.Background()))
	waitDone(t, s)
}

func TestStreamUnsuccessfulExit(t *testing.T) {
	r := newTestRunner(t)
	rec := newLineRecorder()

	s, err := r.Stream(context.Background(), sh("echo before; exit 2"), StreamOptions{}, rec.add)
	require.NoError(t, err)
	waitDone(t, s)

	var exitErr *ExitError
	require.ErrorAs(t, s.Err(), &exitErr)
	assert.Equal(t, 2, exitErr.Code)
	assert.Equal(t, []string{"before"}, rec.get())
}

func TestStreamCancellation(t *testing.T) {
	r := newTestRunner(t)
	rec := newLineRecorder()
	cause := errors.New("page went away")

	ctx, cancel := context.WithCancelCause(context.Background())
	s, err := r.Stream(ctx, sh("echo start; sleep 30; echo never"), StreamOptions{}, rec.add)
	require.NoError(t, err)

	<-rec.first
	cancel(cause)

	waitDone(t, s)
	assert.ErrorIs(t, s.Err(), cause)
	assert.Equal(t, []string{"start"}, rec.get())
}

func TestStreamRejectsInvalidUTF8(t *testing.T) {
	r := newTestRunner(t)
	rec := newLineRecorder()

	s, err := r.Stream(context.Background(), sh(`printf 'ok\n\377bad\nlater\n'; sleep 30`), StreamOptions{}, rec.add)
	require.NoError(t, err)
	waitDone(t, s)

	var encErr *EncodingError
	require.ErrorAs(t, s.Err(), &encErr)
	assert.Equal(t, []string{"ok"}, rec.get())
}

func TestStreamSpawnFailure(t *testing.T) {
	r := newTestRunner(t)

	_, err := r.Stream(context.Background(), Spec{Argv: []string{"/nonexistent/overlay-test-binary"}}, StreamOptions{}, func(string) {})
	var spawnErr *SpawnError
	assert.ErrorAs(t, err, &spawnErr)

	_, err = r.Stream(context.Background(), Spec{}, StreamOptions{}, func(string) {})
	assert.ErrorIs(t, err, ErrEmptyCommand)
}

func TestStreamOnPTY(t *testing.T) {
	r := newTestRunner(t)
	rec := newLineRecorder()

	s, err := r.Stream(context.Background(), sh("echo a; echo b >&2"), StreamOptions{PTY: true}, rec.add)
	if err != nil {
		t.Skipf("pseudo-terminals unavailable: %v", err)
	}
	waitDone(t, s)

	assert.NoError(t, s.Err())
	assert.Equal(t, []string{"a", "b"}, rec.get())
}
