// Package failure ends a session that can no longer be renewed and tells the
// rest of the application about it.
package failure

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Clearer discards the in-memory and persisted session. Memory must be
// cleared even if the persisted copy cannot be.
type Clearer interface {
	Discard(ctx context.Context) error
}

// Handler clears the session and signals "session ended". It is safe to call
// from several goroutines and any number of times.
type Handler struct {
	clearer     Clearer
	broadcaster *Broadcaster
	logger      zerolog.Logger
	nowFunc     func() time.Time
}

// HandlerOption defines a function type to modify the Handler instance.
type HandlerOption func(*Handler)

// WithBroadcaster publishes Ended events on b instead of a private broadcaster.
func WithBroadcaster(b *Broadcaster) HandlerOption {
	return func(h *Handler) {
		h.broadcaster = b
	}
}

func WithLogger(logger zerolog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithNowFunc sets the clock (primarily for testing)
func WithNowFunc(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.nowFunc = now
	}
}

func NewHandler(clearer Clearer, options ...HandlerOption) *Handler {
	h := &Handler{
		clearer: clearer,
		logger:  log.Logger.With().Str("component", "failure").Logger(),
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(h)
	}
	if h.broadcaster == nil {
		h.broadcaster = NewBroadcaster()
	}
	return h
}

// Broadcaster returns the broadcaster Ended events are published on.
func (h *Handler) Broadcaster() *Broadcaster {
	return h.broadcaster
}

// HandleSessionInvalid clears the session and publishes an Ended event.
// Storage failures are logged, never returned.
func (h *Handler) HandleSessionInvalid(ctx context.Context, reason string) {
	h.Clear(ctx)
	h.logger.Info().Str("reason", reason).Msg("Session ended")
	h.broadcaster.Publish(Ended{Reason: reason, At: h.nowFunc()})
}

// Clear performs the clearing steps of HandleSessionInvalid without
// publishing. Used for voluntary sign-out.
func (h *Handler) Clear(ctx context.Context) {
	if h.clearer == nil {
		return
	}
	if err := h.clearer.Discard(ctx); err != nil {
		h.logger.Error().Err(err).Msg("Failed to remove session from vault")
	}
}
