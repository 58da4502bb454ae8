package authapi_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-client/authapi"
	"github.com/jrsteele09/go-auth-client/claims"
	"github.com/jrsteele09/go-auth-client/internal/fakeissuer"
	interr "github.com/jrsteele09/go-auth-client/internal/errors"
	"github.com/jrsteele09/go-auth-client/login"
	"github.com/jrsteele09/go-auth-client/session"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	issuer *fakeissuer.Issuer
	client *authapi.Client
	plain  fakeissuer.Account
	guard  fakeissuer.Account
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	issuer := fakeissuer.New(
		fakeissuer.WithNowFunc(func() time.Time { return testNow }),
		fakeissuer.WithSigningSecret("secret"),
	)
	plain, err := issuer.AddAccount(fakeissuer.Account{Email: "jane@example.com", Name: "Jane", Role: "investor", AccountNo: 1001}, "Password1")
	require.NoError(t, err)
	guard, err := issuer.AddAccount(fakeissuer.Account{Email: "max@example.com", SecondFactorCode: "123456"}, "Password2")
	require.NoError(t, err)

	srv := httptest.NewServer(issuer)
	t.Cleanup(srv.Close)
	return &fixture{issuer: issuer, client: authapi.New(srv.URL + "/"), plain: plain, guard: guard}
}

func TestSignIn_Accepted(t *testing.T) {
	f := setupFixture(t)

	grant, err := f.client.SignIn(context.Background(), login.Credentials{Email: "jane@example.com", Password: "Password1"})
	require.NoError(t, err)
	require.Nil(t, grant.SecondFactor)
	require.NotEmpty(t, grant.Session.AccessToken)
	require.NotEmpty(t, grant.Session.RefreshToken)
	require.Equal(t, "investor", grant.Session.Role)
	require.Equal(t, f.plain.ID, grant.Session.User.ID)
	require.Equal(t, "1001", grant.Session.User.AccountNo.String())

	c, ok := claims.Decode(grant.Session.AccessToken)
	require.True(t, ok)
	require.Equal(t, "jane@example.com", c.Email)
	require.False(t, c.Expired(testNow))
}

func TestSignIn_Rejected(t *testing.T) {
	f := setupFixture(t)

	_, err := f.client.SignIn(context.Background(), login.Credentials{Email: "jane@example.com", Password: "wrong"})
	require.ErrorIs(t, err, login.ErrRejected)
	require.EqualError(t, err, "Invalid email or password")
}

func TestSignIn_LockedAccountIsRejected(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	creds := login.Credentials{Email: "jane@example.com", Password: "wrong"}

	for range 5 {
		_, err := f.client.SignIn(ctx, creds)
		require.ErrorIs(t, err, login.ErrRejected)
	}

	// Even the right password is refused while locked.
	_, err := f.client.SignIn(ctx, login.Credentials{Email: "jane@example.com", Password: "Password1"})
	var rejection *login.Rejection
	require.ErrorAs(t, err, &rejection)
	require.Equal(t, "Account is temporarily locked due to too many failed attempts", rejection.Reason)
}

func TestSignIn_SecondFactorThenComplete(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)

	grant, err := f.client.SignIn(ctx, login.Credentials{Email: "max@example.com", Password: "Password2"})
	require.NoError(t, err)
	require.NotNil(t, grant.SecondFactor)
	require.Equal(t, "2", grant.SecondFactor.SubjectID)
	require.Equal(t, "max@example.com", grant.SecondFactor.Email)
	require.True(t, grant.Session.Empty())

	_, err = f.client.CompleteSecondFactor(ctx, grant.SecondFactor.SubjectID, "000000")
	require.ErrorIs(t, err, login.ErrRejected)

	grant, err = f.client.CompleteSecondFactor(ctx, grant.SecondFactor.SubjectID, "123456")
	require.NoError(t, err)
	require.False(t, grant.Session.Empty())
}

func TestRenew_Rotates(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	grant, err := f.client.SignIn(ctx, login.Credentials{Email: "jane@example.com", Password: "Password1"})
	require.NoError(t, err)

	tokens, err := f.client.Renew(ctx, grant.Session.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, grant.Session.RefreshToken, tokens.RefreshToken)

	// The old refresh credential was consumed.
	_, err = f.client.Renew(ctx, grant.Session.RefreshToken)
	require.ErrorIs(t, err, session.ErrRefreshRejected)
	require.False(t, interr.Transient(err))
	require.Equal(t, 2, f.issuer.RenewalCount())
}

func TestRenew_ServerErrorIsTransient(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	f.issuer.FailRenewals(1, http.StatusServiceUnavailable)

	_, err := f.client.Renew(ctx, "whatever")
	var statusErr *authapi.UnexpectedStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	require.True(t, interr.Transient(err))
}

func TestRenew_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := authapi.New(url, authapi.WithTimeout(time.Second)).Renew(context.Background(), "r")
	require.Error(t, err)
	require.True(t, interr.Transient(err))
}

func TestLogout(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	grant, err := f.client.SignIn(ctx, login.Credentials{Email: "jane@example.com", Password: "Password1"})
	require.NoError(t, err)

	require.NoError(t, f.client.Logout(ctx, grant.Session.AccessToken))
	_, err = f.client.Renew(ctx, grant.Session.RefreshToken)
	require.ErrorIs(t, err, session.ErrRefreshRejected)

	err = f.client.Logout(ctx, "not-a-token")
	var statusErr *authapi.UnexpectedStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
}
