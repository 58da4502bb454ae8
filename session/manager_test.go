package session_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-client/internal/token"
	"github.com/jrsteele09/go-auth-client/session"
	"github.com/jrsteele09/go-auth-client/vault"
	"github.com/jrsteele09/go-auth-client/vault/vaultfakes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var errNetwork = errors.New("connection reset")

// fakeRenewer counts exchanges and returns a fresh pair unless configured otherwise.
type fakeRenewer struct {
	t       *testing.T
	calls   atomic.Int32
	release chan struct{} // when set, Renew blocks until closed
	err     error
	ttl     time.Duration

	mu        sync.Mutex
	exchanged []string
}

func newFakeRenewer(t *testing.T) *fakeRenewer {
	return &fakeRenewer{t: t, ttl: time.Hour}
}

func (r *fakeRenewer) Renew(ctx context.Context, refreshToken string) (session.Tokens, error) {
	n := r.calls.Add(1)
	r.mu.Lock()
	r.exchanged = append(r.exchanged, refreshToken)
	r.mu.Unlock()
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return session.Tokens{}, ctx.Err()
		}
	}
	if r.err != nil {
		return session.Tokens{}, r.err
	}
	return session.Tokens{
		AccessToken:  accessToken(r.t, testNow.Add(r.ttl), int64(100+n)),
		RefreshToken: "refresh-renewed",
	}, nil
}

type recordingHandler struct {
	m       *session.Manager
	reasons []string
	mu      sync.Mutex
}

func (h *recordingHandler) HandleSessionInvalid(ctx context.Context, reason string) {
	h.mu.Lock()
	h.reasons = append(h.reasons, reason)
	h.mu.Unlock()
	_ = h.m.Discard(ctx)
}

func accessToken(t *testing.T, expiresAt time.Time, userID int64) string {
	t.Helper()
	raw, err := token.SignAccess(token.NewHMACSigner("secret"), token.AccessClaims{
		UserID:    userID,
		Email:     "jane@example.com",
		Role:      "investor",
		ExpiresAt: expiresAt,
	}, testNow.Add(-time.Hour))
	require.NoError(t, err)
	return raw
}

type fixture struct {
	vault   *vaultfakes.FakeVault
	renewer *fakeRenewer
	handler *recordingHandler
	manager *session.Manager
}

func setupFixture(t *testing.T, opts ...session.ManagerOption) *fixture {
	t.Helper()

	v := vaultfakes.NewFakeVault()
	r := newFakeRenewer(t)
	options := append([]session.ManagerOption{
		session.WithNowFunc(func() time.Time { return testNow }),
	}, opts...)
	m, err := session.NewManager(v, r, options...)
	require.NoError(t, err)
	h := &recordingHandler{m: m}
	m.SetInvalidationHandler(h)
	return &fixture{vault: v, renewer: r, handler: h, manager: m}
}

func (f *fixture) signIn(t *testing.T, access string) {
	t.Helper()
	require.NoError(t, f.manager.SetSession(context.Background(), session.Session{
		AccessToken:  access,
		RefreshToken: "refresh-original",
		User:         &session.User{ID: 42, Email: "jane@example.com", Name: "Jane"},
		Role:         "investor",
	}))
}

func TestNewManager_RequiresCollaborators(t *testing.T) {
	_, err := session.NewManager(nil, newFakeRenewer(t))
	require.Error(t, err)
	_, err = session.NewManager(vaultfakes.NewFakeVault(), nil)
	require.Error(t, err)
}

func TestValidAccessToken_NoSession(t *testing.T) {
	f := setupFixture(t)

	_, err := f.manager.ValidAccessToken(context.Background())
	require.ErrorIs(t, err, session.ErrNoSession)
	require.Zero(t, f.renewer.calls.Load())
}

func TestValidAccessToken_ValidTokenNoRenewal(t *testing.T) {
	f := setupFixture(t)
	access := accessToken(t, testNow.Add(time.Hour), 42)
	f.signIn(t, access)

	got, err := f.manager.ValidAccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, access, got)
	require.Zero(t, f.renewer.calls.Load())
}

func TestValidAccessToken_ExpiredTokenRenewed(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	f.signIn(t, accessToken(t, testNow.Add(-10*time.Second), 42))

	got, err := f.manager.ValidAccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(1), f.renewer.calls.Load())
	require.Equal(t, []string{"refresh-original"}, f.renewer.exchanged)

	stored, ok := f.vault.Value(vault.KeyAccessToken)
	require.True(t, ok)
	require.Equal(t, got, stored)
	refresh, ok := f.vault.Value(vault.KeyRefreshToken)
	require.True(t, ok)
	require.Equal(t, "refresh-renewed", refresh)

	snap := f.manager.Snapshot()
	require.Equal(t, got, snap.AccessToken)
	require.Equal(t, "refresh-renewed", snap.RefreshToken)
	require.Equal(t, "investor", snap.Role)
	require.Equal(t, int64(42), snap.User.ID)
}

func TestValidAccessToken_UnreadableTreatedAsExpired(t *testing.T) {
	f := setupFixture(t)
	f.signIn(t, "opaque-garbage")

	got, err := f.manager.ValidAccessToken(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, "opaque-garbage", got)
	require.Equal(t, int32(1), f.renewer.calls.Load())
}

func TestValidAccessToken_RefreshRejectedEndsSession(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	f.renewer.err = session.ErrRefreshRejected
	f.signIn(t, accessToken(t, testNow.Add(-10*time.Second), 42))

	_, err := f.manager.ValidAccessToken(ctx)
	require.ErrorIs(t, err, session.ErrSessionInvalid)
	require.Equal(t, []string{"refresh credential rejected"}, f.handler.reasons)

	_, err = f.manager.ValidAccessToken(ctx)
	require.ErrorIs(t, err, session.ErrNoSession)
	require.Zero(t, f.vault.Len())
	require.False(t, f.manager.HasSession())
	require.Equal(t, int32(1), f.renewer.calls.Load())
}

func TestValidAccessToken_TransientFailureKeepsSession(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	f.renewer.err = errNetwork
	expired := accessToken(t, testNow.Add(-10*time.Second), 42)
	f.signIn(t, expired)

	_, err := f.manager.ValidAccessToken(ctx)
	require.ErrorIs(t, err, session.ErrRenewalFailed)
	require.ErrorIs(t, err, errNetwork)
	require.Empty(t, f.handler.reasons)

	snap := f.manager.Snapshot()
	require.Equal(t, expired, snap.AccessToken)
	require.Equal(t, "refresh-original", snap.RefreshToken)
	stored, _ := f.vault.Value(vault.KeyRefreshToken)
	require.Equal(t, "refresh-original", stored)

	// The next caller retries naturally.
	f.renewer.err = nil
	_, err = f.manager.ValidAccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(2), f.renewer.calls.Load())
}

func TestValidAccessToken_TimeoutIsTransient(t *testing.T) {
	f := setupFixture(t, session.WithRenewalTimeout(20*time.Millisecond))
	f.renewer.release = make(chan struct{})
	defer close(f.renewer.release)
	f.signIn(t, accessToken(t, testNow.Add(-time.Second), 42))

	_, err := f.manager.ValidAccessToken(context.Background())
	require.ErrorIs(t, err, session.ErrRenewalFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, f.manager.HasSession())
	require.Empty(t, f.handler.reasons)
}

func TestValidAccessToken_SingleFlight(t *testing.T) {
	for _, outcome := range []string{"success", "rejected", "transient"} {
		t.Run(outcome, func(t *testing.T) {
			f := setupFixture(t)
			switch outcome {
			case "rejected":
				f.renewer.err = session.ErrRefreshRejected
			case "transient":
				f.renewer.err = errNetwork
			}
			f.renewer.release = make(chan struct{})
			f.signIn(t, accessToken(t, testNow.Add(-10*time.Second), 42))

			const n = 16
			type result struct {
				token string
				err   error
			}
			results := make(chan result, n)
			var started, done sync.WaitGroup
			started.Add(n)
			done.Add(n)
			for i := 0; i < n; i++ {
				go func() {
					defer done.Done()
					started.Done()
					tok, err := f.manager.ValidAccessToken(context.Background())
					results <- result{token: tok, err: err}
				}()
			}
			started.Wait()
			time.Sleep(50 * time.Millisecond)
			close(f.renewer.release)
			done.Wait()
			close(results)

			require.Equal(t, int32(1), f.renewer.calls.Load())

			var first *result
			for r := range results {
				r := r
				if first == nil {
					first = &r
				}
				switch outcome {
				case "success":
					require.NoError(t, r.err)
					require.Equal(t, first.token, r.token)
				default:
					require.Error(t, r.err)
					require.Empty(t, r.token)
				}
			}
			require.Len(t, f.handler.reasons, map[string]int{"success": 0, "rejected": 1, "transient": 0}[outcome])
		})
	}
}

func TestValidAccessToken_TicketReleasedAfterFailure(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	f.renewer.err = errNetwork
	f.signIn(t, accessToken(t, testNow.Add(-time.Second), 42))

	for i := 0; i < 3; i++ {
		_, err := f.manager.ValidAccessToken(ctx)
		require.ErrorIs(t, err, session.ErrRenewalFailed)
	}
	require.Equal(t, int32(3), f.renewer.calls.Load())
}

func TestValidAccessToken_AbandonedCallerDoesNotCancelRenewal(t *testing.T) {
	f := setupFixture(t)
	f.renewer.release = make(chan struct{})
	f.signIn(t, accessToken(t, testNow.Add(-time.Second), 42))

	ctx, cancel := context.WithCancel(context.Background())
	abandoned := make(chan error, 1)
	go func() {
		_, err := f.manager.ValidAccessToken(ctx)
		abandoned <- err
	}()
	require.Eventually(t, func() bool { return f.renewer.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		token string
		err   error
	}
	waiter := make(chan result, 1)
	go func() {
		tok, err := f.manager.ValidAccessToken(context.Background())
		waiter <- result{token: tok, err: err}
	}()

	cancel()
	require.ErrorIs(t, <-abandoned, context.Canceled)

	close(f.renewer.release)
	res := <-waiter
	require.NoError(t, res.err)
	tok := res.token
	require.NotEmpty(t, tok)
	require.Equal(t, tok, f.manager.CachedAccessToken())
	require.Equal(t, int32(1), f.renewer.calls.Load())
}

func TestValidAccessToken_ProactiveRenewal(t *testing.T) {
	f := setupFixture(t, session.WithRefreshThreshold(5*time.Minute))
	soon := accessToken(t, testNow.Add(2*time.Minute), 42)
	f.signIn(t, soon)

	got, err := f.manager.ValidAccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, soon, got)

	require.Eventually(t, func() bool {
		return f.manager.CachedAccessToken() != soon
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), f.renewer.calls.Load())
}

func TestValidAccessToken_ProactiveRenewalDisabled(t *testing.T) {
	f := setupFixture(t, session.WithRefreshThreshold(0))
	soon := accessToken(t, testNow.Add(2*time.Minute), 42)
	f.signIn(t, soon)

	_, err := f.manager.ValidAccessToken(context.Background())
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, f.renewer.calls.Load())
}

func TestRenew_SkipsWhenAlreadyReplaced(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	stale := accessToken(t, testNow.Add(time.Hour), 1)
	f.signIn(t, stale)

	first, err := f.manager.Renew(ctx, stale)
	require.NoError(t, err)
	require.NotEqual(t, stale, first)

	// A second caller holding the same stale credential gets the renewed one.
	second, err := f.manager.Renew(ctx, stale)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, int32(1), f.renewer.calls.Load())
}

func TestRenew_SessionReplacedDuringExchange(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	f.renewer.release = make(chan struct{})
	f.signIn(t, accessToken(t, testNow.Add(-time.Second), 42))

	result := make(chan error, 1)
	go func() {
		_, err := f.manager.ValidAccessToken(ctx)
		result <- err
	}()
	require.Eventually(t, func() bool { return f.renewer.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	fresh := accessToken(t, testNow.Add(time.Hour), 7)
	require.NoError(t, f.manager.SetSession(ctx, session.Session{AccessToken: fresh, RefreshToken: "refresh-login"}))
	close(f.renewer.release)
	require.NoError(t, <-result)

	snap := f.manager.Snapshot()
	require.Equal(t, fresh, snap.AccessToken)
	require.Equal(t, "refresh-login", snap.RefreshToken)
}

func TestRenew_WithoutHandlerDiscardsSession(t *testing.T) {
	v := vaultfakes.NewFakeVault()
	r := newFakeRenewer(t)
	r.err = session.ErrRefreshRejected
	m, err := session.NewManager(v, r, session.WithNowFunc(func() time.Time { return testNow }))
	require.NoError(t, err)
	require.NoError(t, m.SetSession(context.Background(), session.Session{
		AccessToken: accessToken(t, testNow.Add(-time.Second), 1), RefreshToken: "r",
	}))

	_, err = m.ValidAccessToken(context.Background())
	require.ErrorIs(t, err, session.ErrSessionInvalid)
	require.Zero(t, v.Len())
}

func TestTokenSource(t *testing.T) {
	f := setupFixture(t)
	expires := testNow.Add(time.Hour)
	f.signIn(t, accessToken(t, expires, 42))

	tok, err := f.manager.TokenSource(context.Background()).Token()
	require.NoError(t, err)
	require.Equal(t, "Bearer", tok.TokenType)
	require.Equal(t, expires.Unix(), tok.Expiry.Unix())

	require.NoError(t, f.manager.ClearSession(context.Background()))
	_, err = f.manager.TokenSource(context.Background()).Token()
	require.ErrorIs(t, err, session.ErrNoSession)
}

func TestClose_WaitsForProactiveRenewal(t *testing.T) {
	f := setupFixture(t, session.WithRefreshThreshold(5*time.Minute))
	f.renewer.release = make(chan struct{})
	soon := accessToken(t, testNow.Add(2*time.Minute), 42)
	f.signIn(t, soon)

	_, err := f.manager.ValidAccessToken(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.renewer.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = f.manager.Close()
		close(closed)
	}()
	require.Never(t, func() bool {
		select {
		case <-closed:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond)

	close(f.renewer.release)
	<-closed
	refresh, ok := f.vault.Value(vault.KeyRefreshToken)
	require.True(t, ok)
	require.Equal(t, "refresh-renewed", refresh)
}

func TestClose_StopsProactiveRenewal(t *testing.T) {
	f := setupFixture(t, session.WithRefreshThreshold(5*time.Minute))
	f.signIn(t, accessToken(t, testNow.Add(2*time.Minute), 42))
	require.NoError(t, f.manager.Close())

	_, err := f.manager.ValidAccessToken(context.Background())
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, f.renewer.calls.Load())
}

type renewerFunc func(ctx context.Context, refreshToken string) (session.Tokens, error)

func (f renewerFunc) Renew(ctx context.Context, refreshToken string) (session.Tokens, error) {
	return f(ctx, refreshToken)
}

type contextRecordingHandler struct {
	err chan error
}

func (h *contextRecordingHandler) HandleSessionInvalid(ctx context.Context, _ string) {
	h.err <- ctx.Err()
}

func TestValidAccessToken_RejectionAtDeadlineStillClears(t *testing.T) {
	// The backend answers "rejected" only once the renewal deadline has passed.
	late := renewerFunc(func(ctx context.Context, _ string) (session.Tokens, error) {
		<-ctx.Done()
		return session.Tokens{}, session.ErrRefreshRejected
	})
	m, err := session.NewManager(vaultfakes.NewFakeVault(), late,
		session.WithNowFunc(func() time.Time { return testNow }),
		session.WithRenewalTimeout(10*time.Millisecond),
	)
	require.NoError(t, err)
	h := &contextRecordingHandler{err: make(chan error, 1)}
	m.SetInvalidationHandler(h)
	require.NoError(t, m.SetSession(context.Background(), session.Session{
		AccessToken:  accessToken(t, testNow.Add(-time.Minute), 42),
		RefreshToken: "refresh-original",
	}))

	_, err = m.ValidAccessToken(context.Background())
	require.ErrorIs(t, err, session.ErrSessionInvalid)
	require.NoError(t, <-h.err)
}
