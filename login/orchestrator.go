// Package login drives sign-in: the primary factor, an optional second factor
// and sign-out.
package login

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-client/claims"
	"github.com/jrsteele09/go-auth-client/failure"
	"github.com/jrsteele09/go-auth-client/session"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sessions is the part of the session manager the orchestrator uses.
type Sessions interface {
	SetSession(ctx context.Context, s session.Session) error
	LoadFromVault(ctx context.Context) error
	HasSession() bool
	CachedAccessToken() string
}

// Ender clears a session on sign-out and announces forced session ends.
type Ender interface {
	Clear(ctx context.Context)
	Broadcaster() *failure.Broadcaster
}

// Orchestrator is the login state machine. All methods are safe for
// concurrent use; only one submission is processed at a time.
type Orchestrator struct {
	auth     Authenticator
	sessions Sessions
	ender    Ender
	logger   zerolog.Logger
	nowFunc  func() time.Time

	mu         sync.Mutex
	state      State
	challenge  *Challenge
	signedInAt time.Time

	unsubscribe func()
	done        chan struct{}
}

// OrchestratorOption defines a function type to modify the Orchestrator instance.
type OrchestratorOption func(*Orchestrator)

func WithLogger(logger zerolog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithNowFunc sets the clock (primarily for testing)
func WithNowFunc(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		o.nowFunc = now
	}
}

// NewOrchestrator creates an Orchestrator in the Idle state. It follows the
// ender's broadcaster so a forced session end returns it to Idle; call Close
// to stop.
func NewOrchestrator(auth Authenticator, sessions Sessions, ender Ender, options ...OrchestratorOption) (*Orchestrator, error) {
	if auth == nil || sessions == nil || ender == nil {
		return nil, errors.New("[login.NewOrchestrator] authenticator, sessions and ender are required")
	}
	o := &Orchestrator{
		auth:     auth,
		sessions: sessions,
		ender:    ender,
		logger:   log.Logger.With().Str("component", "login").Logger(),
		nowFunc:  time.Now,
		done:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(o)
	}

	events, unsubscribe := ender.Broadcaster().Subscribe(4)
	o.unsubscribe = unsubscribe
	go o.watch(events)
	return o, nil
}

// Close stops following session-end events.
func (o *Orchestrator) Close() {
	o.unsubscribe()
	<-o.done
}

func (o *Orchestrator) watch(events <-chan failure.Ended) {
	defer close(o.done)
	for e := range events {
		o.mu.Lock()
		if o.state == SignedIn && !e.At.Before(o.signedInAt) {
			o.logger.Info().Str("reason", e.Reason).Msg("Session ended, signing out")
			o.state = Idle
		}
		o.mu.Unlock()
	}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Challenge returns the pending second-factor challenge, if any.
func (o *Orchestrator) Challenge() *Challenge {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.challenge == nil {
		return nil
	}
	c := *o.challenge
	return &c
}

// SubmitPrimary sends the primary factor. Any earlier challenge is discarded.
// Backend rejections are reported as a Rejected result; transport and storage
// failures as an error, with the state back at Idle.
func (o *Orchestrator) SubmitPrimary(ctx context.Context, creds Credentials) (Result, error) {
	o.mu.Lock()
	switch o.state {
	case Authenticating:
		o.mu.Unlock()
		return Result{}, ErrInProgress
	case SignedIn:
		o.mu.Unlock()
		return Result{}, errors.Wrap(ErrInvalidState, "[Orchestrator.SubmitPrimary] already signed in")
	}
	o.state = Authenticating
	o.challenge = nil
	o.mu.Unlock()

	grant, err := o.auth.SignIn(ctx, creds)
	if err != nil {
		return o.fail(err, Idle, nil)
	}

	if p := grant.SecondFactor; p != nil {
		c := &Challenge{ID: uuid.New(), SubjectID: p.SubjectID, Email: p.Email, Message: p.Message}
		o.mu.Lock()
		o.state = TwoFactorPending
		o.challenge = c
		o.mu.Unlock()
		o.logger.Info().Str("challenge", c.ID.String()).Msg("Second factor required")
		out := *c
		return Result{Outcome: SecondFactorRequired, Challenge: &out}, nil
	}

	return o.accept(ctx, grant.Session, Idle, nil)
}

// SubmitSecondFactor sends code for challenge c, which must be the current
// challenge. A wrong code keeps the challenge so the caller can retry.
func (o *Orchestrator) SubmitSecondFactor(ctx context.Context, c Challenge, code string) (Result, error) {
	o.mu.Lock()
	if o.state == Authenticating {
		o.mu.Unlock()
		return Result{}, ErrInProgress
	}
	if o.state != TwoFactorPending || o.challenge == nil || o.challenge.ID != c.ID {
		o.mu.Unlock()
		return Result{}, ErrStaleChallenge
	}
	current := o.challenge
	o.state = Authenticating
	o.mu.Unlock()

	grant, err := o.auth.CompleteSecondFactor(ctx, current.SubjectID, code)
	if err != nil {
		return o.fail(err, TwoFactorPending, current)
	}
	if grant.SecondFactor != nil {
		return o.fail(errors.New("[Orchestrator.SubmitSecondFactor] backend requested another factor"), TwoFactorPending, current)
	}
	return o.accept(ctx, grant.Session, TwoFactorPending, current)
}

// accept stores the issued session; on failure the state returns to prior.
func (o *Orchestrator) accept(ctx context.Context, s session.Session, prior State, challenge *Challenge) (Result, error) {
	if s.Role == "" {
		s.Role = defaultRole
	}
	if err := o.sessions.SetSession(ctx, s); err != nil {
		return o.fail(errors.Wrap(err, "[Orchestrator] store session"), prior, challenge)
	}

	o.mu.Lock()
	o.state = SignedIn
	o.challenge = nil
	o.signedInAt = o.nowFunc()
	o.mu.Unlock()
	o.logger.Info().Str("role", s.Role).Msg("Signed in")
	return Result{Outcome: Accepted}, nil
}

// fail restores the prior state. Rejections become a Rejected result.
func (o *Orchestrator) fail(err error, prior State, challenge *Challenge) (Result, error) {
	o.mu.Lock()
	o.state = prior
	o.challenge = challenge
	o.mu.Unlock()

	var rejection *Rejection
	if errors.As(err, &rejection) {
		o.logger.Info().Str("state", prior.String()).Msg("Credentials rejected")
		return Result{Outcome: Rejected, Reason: rejection.Error()}, nil
	}
	o.logger.Warn().Err(err).Msg("Login attempt failed")
	return Result{}, err
}

// Logout signs out voluntarily: the backend is told on a best-effort basis,
// then the session is cleared without announcing a forced end.
func (o *Orchestrator) Logout(ctx context.Context) error {
	o.mu.Lock()
	if o.state == Authenticating {
		o.mu.Unlock()
		return ErrInProgress
	}
	o.mu.Unlock()

	if token := o.sessions.CachedAccessToken(); token != "" {
		if err := o.auth.Logout(ctx, token); err != nil {
			o.logger.Warn().Err(err).Msg("Remote logout failed")
		}
	}
	o.ender.Clear(ctx)

	o.mu.Lock()
	o.state = Idle
	o.challenge = nil
	o.mu.Unlock()
	o.logger.Info().Msg("Signed out")
	return nil
}

// Restore picks up a persisted session at startup. The gate is consulted only
// when the restored access credential is still valid, and its answer never
// changes the session.
func (o *Orchestrator) Restore(ctx context.Context, gate BiometricGate) (GateResult, error) {
	o.mu.Lock()
	if o.state != Idle {
		o.mu.Unlock()
		return GateSkipped, errors.Wrapf(ErrInvalidState, "[Orchestrator.Restore] state %s", o.state)
	}
	o.mu.Unlock()

	if err := o.sessions.LoadFromVault(ctx); err != nil {
		return GateSkipped, errors.Wrap(err, "[Orchestrator.Restore] sessions.LoadFromVault")
	}
	if !o.sessions.HasSession() {
		return GateSkipped, nil
	}

	o.mu.Lock()
	if o.state == Idle {
		o.state = SignedIn
		o.signedInAt = o.nowFunc()
	}
	o.mu.Unlock()

	if gate == nil || !claims.Usable(o.sessions.CachedAccessToken(), o.nowFunc()) {
		return GateSkipped, nil
	}
	ok, err := gate.Verify(ctx)
	if err != nil {
		return GateDenied, errors.Wrap(err, "[Orchestrator.Restore] gate.Verify")
	}
	if !ok {
		return GateDenied, nil
	}
	return GatePassed, nil
}
