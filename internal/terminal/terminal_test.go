package terminal

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	sent    []string
	ready   chan struct{}
	settled chan struct{}
}

func newRecordingSender(ready bool) *recordingSender {
	s := &recordingSender{
		ready:   make(chan struct{}),
		settled: make(chan struct{}),
	}
	close(s.settled)
	if ready {
		close(s.ready)
	}
	return s
}

func (s *recordingSender) SendMessage(text string) {
	s.sent = append(s.sent, text)
}

func (s *recordingSender) Ready() <-chan struct{}   { return s.ready }
func (s *recordingSender) Settled() <-chan struct{} { return s.settled }

func TestPresenterOutput(t *testing.T) {
	var out bytes.Buffer
	p := NewPresenter(&out, true)

	p.UserMessageDisplayed("hello")
	p.LoadingStarted()
	p.LoadingStarted()
	p.LoadingStopped()
	p.LoadingStopped()
	p.AssistantMessageDisplayed("hi")
	p.ErrorDisplayed("timeout")

	assert.Equal(t, "you> hello\n... waiting for reply\nassistant> hi\nerror> timeout\n", out.String())
}

func TestRunSendsLinesAndStopsOnQuit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	notes := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(notes, []byte("buy milk"), 0o600))

	input := strings.Join([]string{
		"  hello  ",
		"",
		"/file " + notes,
		"/file " + filepath.Join(dir, "missing.txt"),
		"/quit",
		"never sent",
	}, "\n")

	var out bytes.Buffer
	sender := newRecordingSender(true)
	err := Run(ctx, strings.NewReader(input), sender, NewPresenter(&out, true), nil)
	require.NoError(t, err)

	require.Len(t, sender.sent, 2)
	assert.Equal(t, "hello", sender.sent[0])
	assert.Contains(t, sender.sent[1], "buy milk")
	assert.Contains(t, out.String(), "error> error reading file")
}

func TestRunDrainsAtEOF(t *testing.T) {
	sender := newRecordingSender(true)
	var drained []string
	drain := func(ctx context.Context) error {
		drained = append([]string(nil), sender.sent...)
		return nil
	}

	err := Run(context.Background(), strings.NewReader("one\ntwo"), sender, NewPresenter(&bytes.Buffer{}, true), drain)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, sender.sent)
	assert.Equal(t, []string{"one", "two"}, drained)
}

func TestRunDoesNotDrainOnQuit(t *testing.T) {
	sender := newRecordingSender(true)
	drained := false
	drain := func(ctx context.Context) error {
		drained = true
		return nil
	}

	err := Run(context.Background(), strings.NewReader("one\n/quit\n"), sender, NewPresenter(&bytes.Buffer{}, true), drain)
	require.NoError(t, err)
	assert.False(t, drained)
}

func TestRunWaitsForProfilesBeforeReading(t *testing.T) {
	sender := newRecordingSender(true)
	sender.settled = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), strings.NewReader("early"), sender, NewPresenter(&bytes.Buffer{}, true), nil)
	}()

	select {
	case <-done:
		t.Fatal("input was read before profiles settled")
	case <-time.After(50 * time.Millisecond):
	}

	close(sender.settled)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"early"}, sender.sent)
}

func TestRunWarnsWhenProfilesFailed(t *testing.T) {
	var out bytes.Buffer
	sender := newRecordingSender(false)

	err := Run(context.Background(), strings.NewReader(""), sender, NewPresenter(&out, true), nil)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "error> conversation profiles could not be resolved")
}

func TestRunReturnsDrainError(t *testing.T) {
	sender := newRecordingSender(true)
	drain := func(ctx context.Context) error { return errors.New("stuck") }

	err := Run(context.Background(), strings.NewReader("one"), sender, NewPresenter(&bytes.Buffer{}, true), drain)
	assert.EqualError(t, err, "stuck")
}
