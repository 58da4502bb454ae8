package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jrsteele09/go-auth-client/claims"
	"github.com/jrsteele09/go-auth-client/vault"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	defaultRenewalTimeout = 15 * time.Second
	proactiveRetryBackoff = 30 * time.Second
	invalidationTimeout   = 5 * time.Second
	renewalKey            = "renewal"
)

// Manager owns the in-memory session and is the only writer of the vault.
// Renewals are single-flight: concurrent callers share one exchange.
type Manager struct {
	store            vault.Vault
	renewer          Renewer
	logger           zerolog.Logger
	nowFunc          func() time.Time
	refreshThreshold time.Duration
	renewalTimeout   time.Duration

	mu      sync.RWMutex // guards current and every vault write
	current Session

	invalidation atomic.Pointer[invalidationRef]
	renewals     singleflight.Group

	proactiveRunning atomic.Bool
	proactiveRetryAt atomic.Int64

	backgroundMu sync.Mutex // guards closed and background.Add
	closed       bool
	background   sync.WaitGroup
}

type invalidationRef struct {
	handler InvalidationHandler
}

// ManagerOption defines a function type to modify the Manager instance.
type ManagerOption func(*Manager)

// WithNowFunc sets the clock (primarily for testing)
func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

// WithRefreshThreshold sets how long before expiry a proactive renewal starts.
// Zero disables proactive renewal.
func WithRefreshThreshold(threshold time.Duration) ManagerOption {
	return func(m *Manager) {
		m.refreshThreshold = threshold
	}
}

// WithRenewalTimeout bounds a single renewal exchange.
func WithRenewalTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		m.renewalTimeout = timeout
	}
}

func WithLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithInvalidationHandler(handler InvalidationHandler) ManagerOption {
	return func(m *Manager) {
		m.SetInvalidationHandler(handler)
	}
}

// NewManager creates a Manager with an empty session. Call LoadFromVault to
// pick up a session persisted by a previous process.
func NewManager(store vault.Vault, renewer Renewer, options ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, errors.New("[session.NewManager] vault is required")
	}
	if renewer == nil {
		return nil, errors.New("[session.NewManager] renewer is required")
	}

	m := &Manager{
		store:            store,
		renewer:          renewer,
		logger:           log.Logger.With().Str("component", "session").Logger(),
		nowFunc:          time.Now,
		refreshThreshold: claims.DefaultRefreshThreshold,
		renewalTimeout:   defaultRenewalTimeout,
	}
	for _, opt := range options {
		opt(m)
	}
	if m.renewalTimeout <= 0 {
		m.renewalTimeout = defaultRenewalTimeout
	}
	return m, nil
}

// SetInvalidationHandler registers the handler notified when renewal proves
// the session dead. Without one the manager discards the session itself.
func (m *Manager) SetInvalidationHandler(handler InvalidationHandler) {
	m.invalidation.Store(&invalidationRef{handler: handler})
}

// LoadFromVault replaces the in-memory session with the persisted one without
// checking expiry. A persisted access credential without its refresh partner,
// or vice versa, loads as an empty session.
func (m *Manager) LoadFromVault(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	values := make(map[string]string, len(vault.SessionKeys))
	for _, key := range vault.SessionKeys {
		value, err := m.store.Get(ctx, key)
		if errors.Is(err, vault.ErrNotFound) {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "[Manager.LoadFromVault] vault.Get")
		}
		values[key] = value
	}

	loaded := Session{
		AccessToken:  values[vault.KeyAccessToken],
		RefreshToken: values[vault.KeyRefreshToken],
		Role:         values[vault.KeyRole],
	}
	if loaded.Empty() {
		if len(values) > 0 {
			m.logger.Warn().Int("keys", len(values)).Msg("Ignoring incomplete persisted session")
		}
		m.current = Session{}
		return nil
	}
	if raw, ok := values[vault.KeyUser]; ok {
		var user User
		if err := json.Unmarshal([]byte(raw), &user); err != nil {
			m.logger.Warn().Err(err).Msg("Ignoring unreadable persisted user record")
		} else {
			loaded.User = &user
		}
	}
	m.current = loaded
	m.logger.Debug().Bool("user", loaded.User != nil).Msg("Session loaded from vault")
	return nil
}

// SetSession replaces the session in the vault and in memory. Either both
// are updated or neither is.
func (m *Manager) SetSession(ctx context.Context, s Session) error {
	if s.Empty() {
		return errors.New("[Manager.SetSession] access and refresh credentials are both required")
	}

	sets := map[string]string{
		vault.KeyAccessToken:  s.AccessToken,
		vault.KeyRefreshToken: s.RefreshToken,
	}
	var deletes []string
	if s.User != nil {
		raw, err := json.Marshal(s.User)
		if err != nil {
			return errors.Wrap(err, "[Manager.SetSession] marshal user")
		}
		sets[vault.KeyUser] = string(raw)
	} else {
		deletes = append(deletes, vault.KeyUser)
	}
	if s.Role != "" {
		sets[vault.KeyRole] = s.Role
	} else {
		deletes = append(deletes, vault.KeyRole)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.apply(ctx, sets, deletes); err != nil {
		return errors.Wrap(err, "[Manager.SetSession] vault")
	}
	m.current = s.clone()
	return nil
}

// ClearSession removes the session from the vault and memory. Either both
// are cleared or neither is.
func (m *Manager) ClearSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.apply(ctx, nil, vault.SessionKeys); err != nil {
		return errors.Wrap(err, "[Manager.ClearSession] vault")
	}
	m.current = Session{}
	return nil
}

// UpdateUser replaces the stored profile of the current session, leaving the
// credentials untouched. A nil user removes it.
func (m *Manager) UpdateUser(ctx context.Context, user *User) error {
	sets := map[string]string{}
	var deletes []string
	if user != nil {
		raw, err := json.Marshal(user)
		if err != nil {
			return errors.Wrap(err, "[Manager.UpdateUser] marshal user")
		}
		sets[vault.KeyUser] = string(raw)
	} else {
		deletes = []string{vault.KeyUser}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.Empty() {
		return errors.Wrap(ErrNoSession, "[Manager.UpdateUser]")
	}
	if err := m.apply(ctx, sets, deletes); err != nil {
		return errors.Wrap(err, "[Manager.UpdateUser] vault")
	}
	if user != nil {
		u := *user
		m.current.User = &u
	} else {
		m.current.User = nil
	}
	return nil
}

// UpdateRole replaces the stored role of the current session. An empty role
// removes it.
func (m *Manager) UpdateRole(ctx context.Context, role string) error {
	sets := map[string]string{}
	var deletes []string
	if role != "" {
		sets[vault.KeyRole] = role
	} else {
		deletes = []string{vault.KeyRole}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.Empty() {
		return errors.Wrap(ErrNoSession, "[Manager.UpdateRole]")
	}
	if err := m.apply(ctx, sets, deletes); err != nil {
		return errors.Wrap(err, "[Manager.UpdateRole] vault")
	}
	m.current.Role = role
	return nil
}

// Discard clears memory unconditionally and then removes every session key
// from the vault, continuing past failures. The first storage error is
// returned for the caller to log.
func (m *Manager) Discard(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = Session{}

	if err := m.apply(ctx, nil, vault.SessionKeys); err == nil {
		return nil
	}
	var first error
	for _, key := range vault.SessionKeys {
		if err := m.store.Delete(ctx, key); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Snapshot returns a copy of the in-memory session.
func (m *Manager) Snapshot() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.clone()
}

// HasSession reports whether a credential pair is held in memory.
func (m *Manager) HasSession() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.current.Empty()
}

// CachedAccessToken returns the in-memory access credential as is. It never
// renews; use ValidAccessToken for anything sent to the backend.
func (m *Manager) CachedAccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.AccessToken
}

func (m *Manager) User() *User {
	return m.Snapshot().User
}

func (m *Manager) Role() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Role
}

// apply must be called with mu held.
func (m *Manager) apply(ctx context.Context, sets map[string]string, deletes []string) error {
	if b, ok := m.store.(vault.Batcher); ok {
		return b.Apply(ctx, sets, deletes)
	}
	return m.applySequential(ctx, sets, deletes)
}

// applySequential writes one key at a time and restores the previous values
// if any write fails.
func (m *Manager) applySequential(ctx context.Context, sets map[string]string, deletes []string) error {
	type previous struct {
		value   string
		present bool
	}
	touched := make([]string, 0, len(sets)+len(deletes))
	for _, key := range vault.SessionKeys {
		if _, ok := sets[key]; ok {
			touched = append(touched, key)
		}
	}
	touched = append(touched, deletes...)

	saved := make(map[string]previous, len(touched))
	for _, key := range touched {
		value, err := m.store.Get(ctx, key)
		switch {
		case err == nil:
			saved[key] = previous{value: value, present: true}
		case errors.Is(err, vault.ErrNotFound):
			saved[key] = previous{}
		default:
			return err
		}
	}

	var done []string
	rollback := func() {
		for _, key := range done {
			prev := saved[key]
			var err error
			if prev.present {
				err = m.store.Set(ctx, key, prev.value)
			} else {
				err = m.store.Delete(ctx, key)
			}
			if err != nil {
				m.logger.Error().Err(err).Str("key", key).Msg("Vault rollback failed")
			}
		}
	}

	for _, key := range touched {
		var err error
		if value, ok := sets[key]; ok {
			err = m.store.Set(ctx, key, value)
		} else {
			err = m.store.Delete(ctx, key)
		}
		if err != nil {
			rollback()
			return err
		}
		done = append(done, key)
	}
	return nil
}
