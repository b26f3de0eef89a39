// Package chat coordinates one conversation: it resolves the two participant
// profiles, logs every exchanged message and requests completions, all
// through the orchestrator so the coordinating loop never blocks.
package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/chat-dataset/internal/completion"
	"github.com/xaenox/chat-dataset/internal/models"
	"github.com/xaenox/chat-dataset/internal/orchestrator"
	"go.uber.org/zap"
)

// Store is the persistence the controller needs.
type Store interface {
	ResolveOrCreate(ctx context.Context, entityType string) (*models.Profile, error)
	Append(ctx context.Context, conversationID, senderID, content string) (*models.Message, error)
}

// Presenter receives the controller's notifications on the coordinating loop.
type Presenter interface {
	UserMessageDisplayed(text string)
	AssistantMessageDisplayed(text string)
	LoadingStarted()
	LoadingStopped()
	ErrorDisplayed(text string)
}

type State int32

const (
	Uninitialized State = iota
	ProfilesPending
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case ProfilesPending:
		return "profiles_pending"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

type Options struct {
	// CompletionTimeout bounds each completion request. Zero disables it.
	CompletionTimeout time.Duration
}

// Controller owns one conversation. Everything except the constructor and
// the read-only accessors runs on the orchestrator's coordinating loop.
type Controller struct {
	orch      *orchestrator.Orchestrator
	store     Store
	client    completion.Client
	presenter Presenter
	logger    *zap.Logger
	opts      Options

	conversationID string
	state          atomic.Int32
	ready          chan struct{}
	readyOnce      sync.Once
	settled        chan struct{}
	resolving      atomic.Int32

	// Loop-owned.
	userProfile      *models.Profile
	assistantProfile *models.Profile
}

// NewController starts resolving the user and assistant profiles and returns
// without waiting for them.
func NewController(
	orch *orchestrator.Orchestrator,
	store Store,
	client completion.Client,
	presenter Presenter,
	logger *zap.Logger,
	opts Options,
) *Controller {
	c := &Controller{
		orch:           orch,
		store:          store,
		client:         client,
		presenter:      presenter,
		logger:         logger,
		opts:           opts,
		conversationID: uuid.New().String(),
		ready:          make(chan struct{}),
		settled:        make(chan struct{}),
	}
	c.logger = logger.With(zap.String("conversation_id", c.conversationID))

	c.state.Store(int32(ProfilesPending))
	c.resolving.Store(2)
	c.resolveProfile(models.EntityUser, func(p *models.Profile) { c.userProfile = p })
	c.resolveProfile(models.EntityAssistant, func(p *models.Profile) { c.assistantProfile = p })

	return c
}

func (c *Controller) ConversationID() string {
	return c.conversationID
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

// Ready is closed once both profiles are known. SendMessage does not wait
// for it.
func (c *Controller) Ready() <-chan struct{} {
	return c.ready
}

// Settled is closed once both profile resolutions have finished, whether or
// not they succeeded.
func (c *Controller) Settled() <-chan struct{} {
	return c.settled
}

func (c *Controller) resolutionDone() {
	if c.resolving.Add(-1) == 0 {
		close(c.settled)
	}
}

func (c *Controller) resolveProfile(entityType string, set func(*models.Profile)) {
	_, err := c.orch.Spawn(models.ResolveProfileTask,
		func(ctx context.Context) (any, error) {
			return c.store.ResolveOrCreate(ctx, entityType)
		},
		orchestrator.Callbacks{
			OnSuccess: func(value any) {
				profile := value.(*models.Profile)
				set(profile)
				c.logger.Info("Profile resolved",
					zap.String("entity_type", entityType),
					zap.String("profile_id", profile.ID))
				c.checkReady()
			},
			OnFailure: func(err error) {
				c.logger.Error("Failed to resolve profile",
					zap.Error(err),
					zap.String("entity_type", entityType))
			},
			OnFinished: c.resolutionDone,
		})
	if err != nil {
		c.logger.Error("Failed to spawn profile resolution",
			zap.Error(err),
			zap.String("entity_type", entityType))
		c.resolutionDone()
	}
}

func (c *Controller) checkReady() {
	if c.userProfile == nil || c.assistantProfile == nil {
		return
	}
	c.state.Store(int32(Ready))
	c.readyOnce.Do(func() { close(c.ready) })
}

// SendMessage hands text to the coordinating loop and returns immediately.
func (c *Controller) SendMessage(text string) {
	c.orch.Post(func() { c.sendMessage(text) })
}

func (c *Controller) sendMessage(text string) {
	if text == "" {
		return
	}
	if c.userProfile == nil {
		c.logger.Debug("Dropping message, user profile not resolved yet")
		return
	}

	c.presenter.UserMessageDisplayed(text)
	c.logMessage(c.userProfile.ID, text)

	c.presenter.LoadingStarted()
	c.requestCompletion(text)
}

func (c *Controller) requestCompletion(prompt string) {
	_, err := c.orch.Spawn(models.RequestCompletionTask,
		func(ctx context.Context) (any, error) {
			if c.opts.CompletionTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, c.opts.CompletionTimeout)
				defer cancel()
			}
			return c.client.Complete(ctx, prompt)
		},
		orchestrator.Callbacks{
			OnSuccess: func(value any) {
				c.handleResponse(value.(string))
			},
			OnFailure: func(err error) {
				c.handleError(err)
			},
		})
	if err != nil {
		c.handleError(err)
	}
}

func (c *Controller) handleResponse(response string) {
	c.presenter.LoadingStopped()
	c.presenter.AssistantMessageDisplayed(response)

	if c.assistantProfile == nil {
		c.logger.Warn("Assistant profile not resolved, reply not logged")
		return
	}
	c.logMessage(c.assistantProfile.ID, response)
}

func (c *Controller) handleError(err error) {
	c.logger.Error("Completion failed", zap.Error(err))
	c.presenter.LoadingStopped()
	c.presenter.ErrorDisplayed(err.Error())
}

// logMessage persists in the background. The result is only logged; display
// never waits for it.
func (c *Controller) logMessage(senderID, content string) {
	conversationID := c.conversationID
	_, err := c.orch.Spawn(models.LogMessageTask,
		func(ctx context.Context) (any, error) {
			return c.store.Append(ctx, conversationID, senderID, content)
		},
		orchestrator.Callbacks{
			OnSuccess: func(value any) {
				msg := value.(*models.Message)
				c.logger.Debug("Message logged",
					zap.Int64("message_id", msg.ID),
					zap.String("sender_id", senderID))
			},
			OnFailure: func(err error) {
				c.logger.Error("Failed to log message",
					zap.Error(err),
					zap.String("sender_id", senderID))
			},
		})
	if err != nil {
		c.logger.Error("Failed to spawn message logging", zap.Error(err))
	}
}
