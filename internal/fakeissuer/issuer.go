// Package fakeissuer is an in-process credential-issuance backend speaking
// the same HTTP API as the real one. It backs the integration tests and the
// fakeissuer command.
package fakeissuer

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-client/internal/token"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	RouteSignIn       = "/api/auth/sign-in"
	RouteSecondFactor = "/api/auth/complete-2fa-login"
	RouteRefresh      = "/api/auth/refresh-token"
	RouteLogout       = "/api/auth/logout"
	RouteMe           = "/api/me"

	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

type refreshGrant struct {
	accountID int64
	expiresAt time.Time
}

// Issuer serves the backend API. Refresh credentials are opaque and single
// use: every renewal rotates them.
type Issuer struct {
	mux      *http.ServeMux
	routes   []string
	signer   token.Signer
	accounts *accountStore
	revoked  *revokedAccess
	logger   zerolog.Logger
	nowFunc  func() time.Time

	accessTTL  time.Duration
	refreshTTL time.Duration

	lock           sync.Mutex
	refreshGrants  map[string]refreshGrant
	pendingFactors map[int64]time.Time

	renewals      atomic.Int32
	failRenewals  atomic.Int32
	failStatus    atomic.Int32
	renewalDelay  atomic.Int64
	refuseAccess  atomic.Bool
	protectedHits atomic.Int32
}

// IssuerOption defines a function type to modify the Issuer instance.
type IssuerOption func(*Issuer)

// WithNowFunc sets the clock (primarily for testing)
func WithNowFunc(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		i.nowFunc = now
	}
}

func WithAccessTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		i.accessTTL = ttl
	}
}

func WithRefreshTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		i.refreshTTL = ttl
	}
}

func WithSigningSecret(secret string) IssuerOption {
	return func(i *Issuer) {
		i.signer = token.NewHMACSigner(secret)
	}
}

func WithLogger(logger zerolog.Logger) IssuerOption {
	return func(i *Issuer) {
		i.logger = logger
	}
}

func New(options ...IssuerOption) *Issuer {
	i := &Issuer{
		mux:            http.NewServeMux(),
		accounts:       newAccountStore(),
		revoked:        newRevokedAccess(),
		logger:         log.Logger.With().Str("component", "fakeissuer").Logger(),
		nowFunc:        time.Now,
		accessTTL:      defaultAccessTTL,
		refreshTTL:     defaultRefreshTTL,
		refreshGrants:  make(map[string]refreshGrant),
		pendingFactors: make(map[int64]time.Time),
	}
	for _, opt := range options {
		opt(i)
	}
	if i.signer == nil {
		i.signer = token.NewHMACSigner(uuid.NewString())
	}
	i.initRoutes()
	return i
}

func (i *Issuer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	i.mux.ServeHTTP(w, r)
}

// Routes returns the registered route patterns.
func (i *Issuer) Routes() []string {
	return append([]string(nil), i.routes...)
}

// AddAccount registers a with the given plain-text password.
func (i *Issuer) AddAccount(a Account, password string) (Account, error) {
	if a.Email == "" {
		return Account{}, errors.New("[Issuer.AddAccount] email is required")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return Account{}, errors.Wrap(err, "[Issuer.AddAccount] HashPassword")
	}
	a.PasswordHash = hash
	i.accounts.upsert(&a)
	return a, nil
}

// RenewalCount returns how many renewal requests were received.
func (i *Issuer) RenewalCount() int {
	return int(i.renewals.Load())
}

// ProtectedHits returns how many requests reached protected routes.
func (i *Issuer) ProtectedHits() int {
	return int(i.protectedHits.Load())
}

// FailRenewals answers the next n renewal requests with status without
// consuming their refresh credentials.
func (i *Issuer) FailRenewals(n int, status int) {
	i.failStatus.Store(int32(status))
	i.failRenewals.Store(int32(n))
}

// DelayRenewals holds every renewal request for d before answering it.
func (i *Issuer) DelayRenewals(d time.Duration) {
	i.renewalDelay.Store(int64(d))
}

// RefuseAccess makes protected routes answer 401 regardless of the credential.
func (i *Issuer) RefuseAccess(refuse bool) {
	i.refuseAccess.Store(refuse)
}

// RevokeRefreshTokens invalidates every outstanding refresh credential.
func (i *Issuer) RevokeRefreshTokens() {
	i.lock.Lock()
	defer i.lock.Unlock()
	i.refreshGrants = make(map[string]refreshGrant)
}

// IssueAccess signs an access credential for the account, expiring at expiresAt.
func (i *Issuer) IssueAccess(accountID int64, expiresAt time.Time) (string, error) {
	a, err := i.accounts.byID(accountID)
	if err != nil {
		return "", err
	}
	return token.SignAccess(i.signer, token.AccessClaims{
		UserID:    a.ID,
		Email:     a.Email,
		Role:      a.Role,
		ExpiresAt: expiresAt,
	}, i.nowFunc())
}

// IssueRefresh creates a refresh credential for the account.
func (i *Issuer) IssueRefresh(accountID int64) string {
	raw := uuid.NewString()
	i.lock.Lock()
	defer i.lock.Unlock()
	i.refreshGrants[raw] = refreshGrant{accountID: accountID, expiresAt: i.nowFunc().Add(i.refreshTTL)}
	return raw
}

type tokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (i *Issuer) issuePair(accountID int64) (tokenPair, error) {
	access, err := i.IssueAccess(accountID, i.nowFunc().Add(i.accessTTL))
	if err != nil {
		return tokenPair{}, err
	}
	return tokenPair{AccessToken: access, RefreshToken: i.IssueRefresh(accountID)}, nil
}

// redeemRefresh consumes raw and returns the account it was issued to.
func (i *Issuer) redeemRefresh(raw string) (int64, bool) {
	i.lock.Lock()
	defer i.lock.Unlock()
	grant, ok := i.refreshGrants[raw]
	if !ok {
		return 0, false
	}
	delete(i.refreshGrants, raw)
	if !i.nowFunc().Before(grant.expiresAt) {
		return 0, false
	}
	return grant.accountID, true
}

func (i *Issuer) revokeAccount(accountID int64) {
	i.lock.Lock()
	defer i.lock.Unlock()
	for raw, grant := range i.refreshGrants {
		if grant.accountID == accountID {
			delete(i.refreshGrants, raw)
		}
	}
}
