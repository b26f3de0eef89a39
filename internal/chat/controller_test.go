package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/chat-dataset/internal/models"
	"github.com/xaenox/chat-dataset/internal/orchestrator"
	"github.com/xaenox/chat-dataset/internal/storage"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingPresenter struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPresenter) add(e string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPresenter) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func (p *recordingPresenter) UserMessageDisplayed(text string)      { p.add("user:" + text) }
func (p *recordingPresenter) AssistantMessageDisplayed(text string) { p.add("assistant:" + text) }
func (p *recordingPresenter) LoadingStarted()                       { p.add("loading_started") }
func (p *recordingPresenter) LoadingStopped()                       { p.add("loading_stopped") }
func (p *recordingPresenter) ErrorDisplayed(text string)            { p.add("error:" + text) }

type fakeClient struct {
	calls    atomic.Int32
	complete func(ctx context.Context, prompt string) (string, error)
}

func (f *fakeClient) Complete(ctx context.Context, prompt string) (string, error) {
	f.calls.Add(1)
	return f.complete(ctx, prompt)
}

// fakeStore wraps the memory store so tests can fail or hold back profile
// resolution per entity type.
type fakeStore struct {
	*storage.MemoryStorage
	resolveErr map[string]error
	gate       chan struct{}
}

func (s *fakeStore) ResolveOrCreate(ctx context.Context, entityType string) (*models.Profile, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := s.resolveErr[entityType]; err != nil {
		return nil, &storage.Error{Op: "resolve profile", Err: err}
	}
	return s.MemoryStorage.ResolveOrCreate(ctx, entityType)
}

type harness struct {
	orch      *orchestrator.Orchestrator
	store     *fakeStore
	client    *fakeClient
	presenter *recordingPresenter
	ctrl      *Controller
}

func newHarness(t *testing.T, store *fakeStore, complete func(ctx context.Context, prompt string) (string, error)) *harness {
	t.Helper()

	if store == nil {
		store = &fakeStore{MemoryStorage: storage.NewMemoryStorage()}
	}
	h := &harness{
		orch:      orchestrator.New(zap.NewNop(), orchestrator.Options{}),
		store:     store,
		client:    &fakeClient{complete: complete},
		presenter: &recordingPresenter{},
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		h.orch.Run(ctx)
	}()
	t.Cleanup(func() {
		h.orch.Shutdown()
		cancel()
		<-stopped
	})

	h.ctrl = NewController(h.orch, h.store, h.client, h.presenter, zap.NewNop(), Options{CompletionTimeout: time.Second})
	return h
}

func (h *harness) waitReady(t *testing.T) {
	t.Helper()
	select {
	case <-h.ctrl.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("controller never became ready")
	}
}

// flush waits until everything already posted to the loop has run.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	h.orch.Post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not drain")
	}
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.orch.Live() == 0 }, 5*time.Second, 5*time.Millisecond)
	h.flush(t)
}

func (h *harness) messages(t *testing.T) []*models.Message {
	t.Helper()
	msgs, err := h.store.Messages(context.Background(), h.ctrl.ConversationID())
	require.NoError(t, err)
	return msgs
}

func (h *harness) profileID(t *testing.T, entityType string) string {
	t.Helper()
	p, err := h.store.MemoryStorage.ResolveOrCreate(context.Background(), entityType)
	require.NoError(t, err)
	return p.ID
}

func TestControllerBecomesReady(t *testing.T) {
	h := newHarness(t, nil, func(ctx context.Context, prompt string) (string, error) { return "", nil })
	h.waitReady(t)

	assert.Equal(t, Ready, h.ctrl.State())
	assert.NotEmpty(t, h.ctrl.ConversationID())
	assert.NotEqual(t, h.profileID(t, models.EntityUser), h.profileID(t, models.EntityAssistant))
}

func TestSendMessageSuccess(t *testing.T) {
	var h *harness
	h = newHarness(t, nil, func(ctx context.Context, prompt string) (string, error) {
		// Hold the reply until the user's message is stored so the log
		// order is deterministic.
		for {
			msgs, err := h.store.Messages(ctx, h.ctrl.ConversationID())
			if err == nil && len(msgs) > 0 {
				break
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
		return "hi", nil
	})
	h.waitReady(t)

	h.ctrl.SendMessage("hello")

	require.Eventually(t, func() bool { return len(h.messages(t)) == 2 }, 5*time.Second, 5*time.Millisecond)
	h.waitIdle(t)

	assert.Equal(t, []string{
		"user:hello",
		"loading_started",
		"loading_stopped",
		"assistant:hi",
	}, h.presenter.Events())

	msgs := h.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, h.profileID(t, models.EntityUser), msgs[0].SenderID)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, h.profileID(t, models.EntityAssistant), msgs[1].SenderID)
	assert.Equal(t, "hi", msgs[1].Content)
	assert.Less(t, msgs[0].ID, msgs[1].ID)
}

func TestSendMessageCompletionFailure(t *testing.T) {
	h := newHarness(t, nil, func(ctx context.Context, prompt string) (string, error) {
		return "", errors.New("timeout")
	})
	h.waitReady(t)

	h.ctrl.SendMessage("hello")

	require.Eventually(t, func() bool { return len(h.presenter.Events()) == 4 }, 5*time.Second, 5*time.Millisecond)
	h.waitIdle(t)

	assert.Equal(t, []string{
		"user:hello",
		"loading_started",
		"loading_stopped",
		"error:timeout",
	}, h.presenter.Events())

	msgs := h.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, h.profileID(t, models.EntityUser), msgs[0].SenderID)
}

func TestSendEmptyMessageDoesNothing(t *testing.T) {
	h := newHarness(t, nil, func(ctx context.Context, prompt string) (string, error) { return "hi", nil })
	h.waitReady(t)
	h.waitIdle(t)

	h.ctrl.SendMessage("")
	h.flush(t)

	assert.Empty(t, h.presenter.Events())
	assert.Equal(t, 0, h.orch.Live())
	assert.Equal(t, int32(0), h.client.calls.Load())
	assert.Empty(t, h.messages(t))
}

func TestSendMessageBeforeProfilesIsDropped(t *testing.T) {
	store := &fakeStore{
		MemoryStorage: storage.NewMemoryStorage(),
		gate:          make(chan struct{}),
	}
	h := newHarness(t, store, func(ctx context.Context, prompt string) (string, error) { return "hi", nil })

	assert.Equal(t, ProfilesPending, h.ctrl.State())
	h.ctrl.SendMessage("too early")
	h.flush(t)
	assert.Empty(t, h.presenter.Events())

	close(store.gate)
	h.waitReady(t)
	h.waitIdle(t)

	assert.Empty(t, h.presenter.Events())
	assert.Equal(t, int32(0), h.client.calls.Load())
}

func TestUserProfileFailureBlocksSending(t *testing.T) {
	store := &fakeStore{
		MemoryStorage: storage.NewMemoryStorage(),
		resolveErr:    map[string]error{models.EntityUser: errors.New("disk full")},
	}
	h := newHarness(t, store, func(ctx context.Context, prompt string) (string, error) { return "hi", nil })

	select {
	case <-h.ctrl.Settled():
	case <-time.After(5 * time.Second):
		t.Fatal("profile resolution never settled")
	}
	h.waitIdle(t)

	assert.Equal(t, ProfilesPending, h.ctrl.State())
	select {
	case <-h.ctrl.Ready():
		t.Fatal("controller reported ready without a user profile")
	default:
	}

	h.ctrl.SendMessage("hello")
	h.flush(t)
	assert.Empty(t, h.presenter.Events())
}

func TestAssistantProfileFailureSkipsReplyLogging(t *testing.T) {
	store := &fakeStore{
		MemoryStorage: storage.NewMemoryStorage(),
		resolveErr:    map[string]error{models.EntityAssistant: errors.New("disk full")},
	}
	h := newHarness(t, store, func(ctx context.Context, prompt string) (string, error) { return "hi", nil })
	h.waitIdle(t)
	assert.Equal(t, ProfilesPending, h.ctrl.State())

	h.ctrl.SendMessage("hello")

	require.Eventually(t, func() bool { return len(h.presenter.Events()) == 4 }, 5*time.Second, 5*time.Millisecond)
	h.waitIdle(t)

	assert.Equal(t, "assistant:hi", h.presenter.Events()[3])
	msgs := h.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestConcurrentSendsAreIndependent(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, nil, func(ctx context.Context, prompt string) (string, error) {
		<-release
		return "re: " + prompt, nil
	})
	h.waitReady(t)

	h.ctrl.SendMessage("one")
	h.ctrl.SendMessage("two")

	require.Eventually(t, func() bool { return h.client.calls.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
	close(release)

	require.Eventually(t, func() bool { return len(h.messages(t)) == 4 }, 5*time.Second, 5*time.Millisecond)
	h.waitIdle(t)

	events := h.presenter.Events()
	assert.Equal(t, []string{"user:one", "loading_started", "user:two", "loading_started"}, events[:4])
	assert.ElementsMatch(t, []string{"loading_stopped", "loading_stopped", "assistant:re: one", "assistant:re: two"}, events[4:])
}

func TestCompletionTimeoutIsSurfaced(t *testing.T) {
	h := newHarness(t, nil, func(ctx context.Context, prompt string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	h.ctrl.opts.CompletionTimeout = 20 * time.Millisecond
	h.waitReady(t)

	h.ctrl.SendMessage("hello")

	require.Eventually(t, func() bool { return len(h.presenter.Events()) == 4 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "error:"+context.DeadlineExceeded.Error(), h.presenter.Events()[3])
}
