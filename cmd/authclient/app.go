package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jrsteele09/go-auth-client/authapi"
	"github.com/jrsteele09/go-auth-client/claims"
	"github.com/jrsteele09/go-auth-client/failure"
	"github.com/jrsteele09/go-auth-client/internal/config"
	"github.com/jrsteele09/go-auth-client/login"
	"github.com/jrsteele09/go-auth-client/session"
	"github.com/jrsteele09/go-auth-client/transport"
	"github.com/jrsteele09/go-auth-client/vault"
	"github.com/jrsteele09/go-auth-client/vault/redisvault"
	"github.com/jrsteele09/go-auth-client/vault/sqlitevault"
	"github.com/jrsteele09/go-auth-client/vault/vaultfakes"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// app wires the session components for one command.
type app struct {
	manager      *session.Manager
	handler      *failure.Handler
	transport    *transport.Client
	orchestrator *login.Orchestrator
	closers      []func() error
}

func newApp(ctx context.Context, c config.Config) (*app, error) {
	a := &app{}
	store, err := a.openVault(c)
	if err != nil {
		return nil, err
	}

	api := authapi.New(c.GetAPIURL(), authapi.WithTimeout(c.GetRequestTimeout()))
	a.manager, err = session.NewManager(store, api,
		session.WithRefreshThreshold(c.GetRefreshThreshold()),
		session.WithRenewalTimeout(c.GetRenewalTimeout()),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.manager.Close)
	a.handler = failure.NewHandler(a.manager)
	a.manager.SetInvalidationHandler(a.handler)
	a.transport = transport.NewClient(a.manager, a.handler, transport.WithBaseURL(c.GetAPIURL()))
	a.orchestrator, err = login.NewOrchestrator(api, a.manager, a.handler)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, func() error { a.orchestrator.Close(); return nil })

	events, unsubscribe := a.handler.Broadcaster().Subscribe(1)
	a.closers = append(a.closers, func() error { unsubscribe(); return nil })
	go func() {
		for e := range events {
			fmt.Fprintf(os.Stderr, "Session ended: %s. Please sign in again.\n", e.Reason)
		}
	}()

	if _, err := a.orchestrator.Restore(ctx, nil); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openVault(c config.Config) (vault.Vault, error) {
	if c.GetVaultBackend() == config.VaultBackendMemory {
		log.Warn().Msg("Using in-memory vault, the session will not survive this process")
		return vaultfakes.NewFakeVault(), nil
	}

	sealer, err := vault.NewSealer(c.GetVaultSecret(), c.GetAppName())
	if err != nil {
		return nil, err
	}
	switch c.GetVaultBackend() {
	case config.VaultBackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: c.GetRedisAddr()})
		a.closers = append(a.closers, rdb.Close)
		store, err := redisvault.New(rdb, sealer, c.GetRedisPrefix())
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		store, err := sqlitevault.Open(c.GetVaultPath(), sealer)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Close failed")
		}
	}
	a.closers = nil
}

func (a *app) status(ctx context.Context) error {
	snap := a.manager.Snapshot()
	if snap.Empty() {
		fmt.Println("Signed out")
		return nil
	}
	fmt.Printf("State:   %s\n", a.orchestrator.State())
	fmt.Printf("Role:    %s\n", snap.Role)
	if snap.User != nil {
		fmt.Printf("User:    %d %s\n", snap.User.ID, snap.User.Email)
	}
	c, err := claims.Parse(snap.AccessToken)
	if err != nil {
		fmt.Printf("Access:  %s\n", err)
		return nil
	}
	fmt.Printf("Subject: %s\n", c.SubjectID)
	fmt.Printf("Expires: %s (%s left)\n", c.ExpiresAtTime().Local().Format("2006-01-02 15:04:05"), c.Remaining(time.Now()).Round(time.Second))
	return nil
}

func (a *app) get(ctx context.Context, path string) error {
	var out json.RawMessage
	if err := a.transport.GetJSON(ctx, path, &out); err != nil {
		return errors.Wrapf(err, "GET %s", path)
	}
	pretty, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}

func (a *app) logout(ctx context.Context) error {
	if err := a.orchestrator.Logout(ctx); err != nil {
		return err
	}
	fmt.Println("Signed out")
	return nil
}
