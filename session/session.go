package session

import (
	"context"
	"encoding/json"
	"time"

	interr "github.com/jrsteele09/go-auth-client/internal/errors"
)

var (
	// ErrNoSession is returned when no credential pair is held.
	ErrNoSession = interr.ErrNoSession
	// ErrRenewalFailed wraps transient renewal failures. The session is preserved.
	ErrRenewalFailed = interr.ErrRenewalFailed
	// ErrRefreshRejected is returned by a Renewer when the backend proves the
	// refresh credential invalid or expired.
	ErrRefreshRejected = interr.ErrRefreshRejected
	// ErrSessionInvalid is returned once a rejected renewal has ended the session.
	ErrSessionInvalid = interr.ErrSessionInvalid
)

// User is the denormalized profile returned at sign-in. It is informational
// only; the access credential is authoritative for authorization.
type User struct {
	ID             int64       `json:"id"`
	AccountNo      json.Number `json:"accountNo,omitempty"`
	Name           string      `json:"name,omitempty"`
	Surname        string      `json:"surname,omitempty"`
	Email          string      `json:"email,omitempty"`
	ProfilePicture string      `json:"profilePicture,omitempty"`
	LastLogin      *time.Time  `json:"lastLogin,omitempty"`
}

// Session is the in-memory view of the signed-in state. Access and refresh
// credentials are always both set or both empty.
type Session struct {
	AccessToken  string
	RefreshToken string
	User         *User
	Role         string
}

// Empty reports whether the session holds no usable credential pair.
func (s Session) Empty() bool {
	return s.AccessToken == "" || s.RefreshToken == ""
}

func (s Session) clone() Session {
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}

// Tokens is the credential pair issued by the backend.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Renewer exchanges a refresh credential for a new credential pair.
// Implementations return an error matching ErrRefreshRejected only when the
// backend proves the refresh credential invalid; everything else is transient.
type Renewer interface {
	Renew(ctx context.Context, refreshToken string) (Tokens, error)
}

// InvalidationHandler is notified when the session can no longer be renewed.
type InvalidationHandler interface {
	HandleSessionInvalid(ctx context.Context, reason string)
}
