package session

import (
	"context"
	"fmt"
	"time"

	"github.com/jrsteele09/go-auth-client/claims"
	"github.com/jrsteele09/go-auth-client/vault"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// ValidAccessToken returns an access credential that has not expired.
//
// A valid cached credential is returned without blocking. An expired or
// unreadable one is renewed through the shared renewal ticket. The error is
// ErrNoSession when nothing is held, ErrSessionInvalid when the backend
// rejected the refresh credential (the session is gone), and ErrRenewalFailed
// for transient failures (the session is kept).
func (m *Manager) ValidAccessToken(ctx context.Context) (string, error) {
	snap := m.Snapshot()
	if snap.Empty() {
		return "", ErrNoSession
	}

	now := m.nowFunc()
	c, ok := claims.Decode(snap.AccessToken)
	if ok && !c.Expired(now) {
		if m.refreshThreshold > 0 && c.ExpiringSoon(now, m.refreshThreshold) {
			m.renewInBackground(snap.AccessToken)
		}
		return snap.AccessToken, nil
	}

	if !ok {
		m.logger.Debug().Msg("Access credential unreadable, treating as expired")
	}
	return m.renew(ctx, snap.AccessToken)
}

// Renew renews the session after the backend refused staleAccess. If another
// caller already replaced staleAccess with a usable credential, that one is
// returned without contacting the backend.
func (m *Manager) Renew(ctx context.Context, staleAccess string) (string, error) {
	return m.renew(ctx, staleAccess)
}

// renew joins the outstanding renewal or starts one. The exchange is detached
// from ctx: a caller giving up does not cancel it for the other waiters.
func (m *Manager) renew(ctx context.Context, staleAccess string) (string, error) {
	detached := context.WithoutCancel(ctx)
	ch := m.renewals.DoChan(renewalKey, func() (any, error) {
		return m.exchange(detached, staleAccess)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) exchange(ctx context.Context, staleAccess string) (string, error) {
	snap := m.Snapshot()
	if snap.Empty() {
		return "", ErrNoSession
	}
	if snap.AccessToken != staleAccess && claims.Usable(snap.AccessToken, m.nowFunc()) {
		return snap.AccessToken, nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.renewalTimeout)
	defer cancel()

	started := m.nowFunc()
	m.logger.Debug().Msg("Renewing access credential")
	tokens, err := m.renewer.Renew(ctx, snap.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrRefreshRejected) {
			if m.Snapshot().RefreshToken != snap.RefreshToken {
				return m.afterReplacement()
			}
			m.logger.Warn().Err(err).Msg("Refresh credential rejected, ending session")
			m.invalidate(ctx, "refresh credential rejected")
			return "", fmt.Errorf("%w: %w", ErrSessionInvalid, err)
		}
		m.logger.Warn().Err(err).Dur("elapsed", m.nowFunc().Sub(started)).Msg("Credential renewal failed, keeping session")
		return "", fmt.Errorf("%w: %w", ErrRenewalFailed, err)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		return "", fmt.Errorf("%w: incomplete credential pair in renewal response", ErrRenewalFailed)
	}

	committed, err := m.commitRenewal(ctx, snap.RefreshToken, tokens)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to persist renewed credentials")
		return "", fmt.Errorf("%w: %w", ErrRenewalFailed, err)
	}
	if !committed {
		return m.afterReplacement()
	}
	m.logger.Info().Dur("elapsed", m.nowFunc().Sub(started)).Msg("Access credential renewed")
	return tokens.AccessToken, nil
}

// commitRenewal stores tokens unless the session was replaced or cleared
// while the exchange was in flight.
func (m *Manager) commitRenewal(ctx context.Context, exchanged string, tokens Tokens) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.RefreshToken != exchanged {
		return false, nil
	}
	sets := map[string]string{
		vault.KeyAccessToken:  tokens.AccessToken,
		vault.KeyRefreshToken: tokens.RefreshToken,
	}
	if err := m.apply(ctx, sets, nil); err != nil {
		return false, err
	}
	m.current.AccessToken = tokens.AccessToken
	m.current.RefreshToken = tokens.RefreshToken
	return true, nil
}

// afterReplacement resolves a renewal whose session changed underneath it.
func (m *Manager) afterReplacement() (string, error) {
	current := m.Snapshot()
	if current.Empty() {
		return "", ErrNoSession
	}
	return current.AccessToken, nil
}

// invalidate ends the session. The cleanup gets its own deadline so a
// rejection arriving late in the exchange still clears the vault.
func (m *Manager) invalidate(ctx context.Context, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), invalidationTimeout)
	defer cancel()
	if ref := m.invalidation.Load(); ref != nil && ref.handler != nil {
		ref.handler.HandleSessionInvalid(ctx, reason)
		return
	}
	if err := m.Discard(ctx); err != nil {
		m.logger.Error().Err(err).Msg("Failed to clear vault after invalid session")
	}
}

// renewInBackground starts at most one proactive renewal at a time and backs
// off after a failure.
func (m *Manager) renewInBackground(current string) {
	if m.nowFunc().UnixNano() < m.proactiveRetryAt.Load() {
		return
	}
	if !m.proactiveRunning.CompareAndSwap(false, true) {
		return
	}
	m.backgroundMu.Lock()
	if m.closed {
		m.backgroundMu.Unlock()
		m.proactiveRunning.Store(false)
		return
	}
	m.background.Add(1)
	m.backgroundMu.Unlock()

	go func() {
		defer m.background.Done()
		defer m.proactiveRunning.Store(false)
		if _, err := m.renew(context.Background(), current); err != nil {
			m.proactiveRetryAt.Store(m.nowFunc().Add(proactiveRetryBackoff).UnixNano())
			m.logger.Debug().Err(err).Msg("Proactive renewal failed")
		}
	}()
}

// Close stops new proactive renewals and waits for a running one to finish,
// so a rotated refresh credential is persisted before the process exits.
func (m *Manager) Close() error {
	m.backgroundMu.Lock()
	m.closed = true
	m.backgroundMu.Unlock()
	m.background.Wait()
	return nil
}

// TokenSource adapts the manager to oauth2.TokenSource. Tokens are obtained
// with ValidAccessToken, so they share the renewal ticket.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, m: m}
}

type tokenSource struct {
	ctx context.Context
	m   *Manager
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	raw, err := ts.m.ValidAccessToken(ts.ctx)
	if err != nil {
		return nil, err
	}
	tok := &oauth2.Token{AccessToken: raw, TokenType: "Bearer"}
	if c, ok := claims.Decode(raw); ok {
		tok.Expiry = time.Unix(c.ExpiresAt, 0)
	}
	return tok, nil
}
