package login

import (
	"context"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-client/session"
	"github.com/pkg/errors"
)

var (
	// ErrStaleChallenge is returned for a second factor submitted against a
	// challenge that is no longer current.
	ErrStaleChallenge = errors.New("second-factor challenge is no longer current")
	// ErrInProgress is returned while another submission is being processed.
	ErrInProgress = errors.New("login already in progress")
	// ErrInvalidState is returned when an operation is not allowed in the current state.
	ErrInvalidState = errors.New("operation not allowed in current login state")
	// ErrRejected matches *Rejection.
	ErrRejected = errors.New("credentials rejected")
)

// defaultRole is assigned when the backend omits a role at sign-in.
const defaultRole = "user"

type State int

const (
	Idle State = iota
	Authenticating
	TwoFactorPending
	SignedIn
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Authenticating:
		return "authenticating"
	case TwoFactorPending:
		return "two-factor-pending"
	case SignedIn:
		return "signed-in"
	}
	return "unknown"
}

type Outcome int

const (
	Accepted Outcome = iota
	SecondFactorRequired
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case SecondFactorRequired:
		return "second-factor-required"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Challenge identifies one pending second-factor step. It lives only as long
// as the login attempt that produced it.
type Challenge struct {
	ID        uuid.UUID
	SubjectID string
	Email     string
	Message   string
}

// Result is the outcome of a submission. Challenge is set for
// SecondFactorRequired, Reason for Rejected.
type Result struct {
	Outcome   Outcome
	Challenge *Challenge
	Reason    string
}

// Grant is what the backend returns for an accepted factor: either a session
// or a second-factor prompt.
type Grant struct {
	Session      session.Session
	SecondFactor *SecondFactorPrompt
}

type SecondFactorPrompt struct {
	SubjectID string
	Email     string
	Message   string
}

// Rejection is returned by an Authenticator when the backend refused the
// submitted factor. Any other error is treated as a transport failure.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string {
	if r.Reason == "" {
		return ErrRejected.Error()
	}
	return r.Reason
}

func (r *Rejection) Is(target error) bool {
	return target == ErrRejected
}

// Authenticator talks to the credential-issuance backend.
type Authenticator interface {
	SignIn(ctx context.Context, creds Credentials) (Grant, error)
	CompleteSecondFactor(ctx context.Context, subjectID, code string) (Grant, error)
	Logout(ctx context.Context, accessToken string) error
}

// BiometricGate is the presentation-layer check run at startup when a usable
// session was restored.
type BiometricGate interface {
	Verify(ctx context.Context) (bool, error)
}

type GateResult int

const (
	// GateSkipped means the gate was not consulted.
	GateSkipped GateResult = iota
	GatePassed
	GateDenied
)

func (g GateResult) String() string {
	switch g {
	case GateSkipped:
		return "skipped"
	case GatePassed:
		return "passed"
	case GateDenied:
		return "denied"
	}
	return "unknown"
}
