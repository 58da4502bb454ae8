package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-auth-client/internal/fakeissuer"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	addr := flag.String("addr", ":5000", "listen address")
	accessTTL := flag.Duration("access-ttl", 2*time.Minute, "access credential lifetime")
	secret := flag.String("secret", "", "signing secret (random when empty)")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	for {
		if err := run(*addr, *accessTTL, *secret); err != nil {
			log.Error().Err(err).Msg("Error running fake issuer")
			time.Sleep(1 * time.Second)
		} else {
			break
		}
	}
	log.Info().Msg("Fake issuer stopped")
}

func run(addr string, accessTTL time.Duration, secret string) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered from panic")
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	options := []fakeissuer.IssuerOption{fakeissuer.WithAccessTTL(accessTTL)}
	if secret != "" {
		options = append(options, fakeissuer.WithSigningSecret(secret))
	}
	issuer := fakeissuer.New(options...)
	if err := seedAccounts(issuer); err != nil {
		return err
	}

	displayAppname("Fake Issuer")
	for _, route := range issuer.Routes() {
		log.Info().Str("route", route).Msg("Registered")
	}

	server := &http.Server{Addr: addr, Handler: issuer, ReadHeaderTimeout: 5 * time.Second}
	errs := make(chan error, 1)
	go func() { errs <- listenAndServe(server) }()

	select {
	case err := <-errs:
		return err
	case <-waitForStopSignal():
	}
	return shutdown(server)
}

// seedAccounts registers one password-only and one second-factor account.
func seedAccounts(issuer *fakeissuer.Issuer) error {
	if _, err := issuer.AddAccount(fakeissuer.Account{
		Email: "jane@example.com", Name: "Jane", Surname: "Doe", Role: "investor", AccountNo: 1001,
	}, "Password1"); err != nil {
		return err
	}
	if _, err := issuer.AddAccount(fakeissuer.Account{
		Email: "max@example.com", Name: "Max", Role: "advisor", AccountNo: 1002, SecondFactorCode: "123456",
	}, "Password2"); err != nil {
		return err
	}
	return nil
}

func listenAndServe(server *http.Server) error {
	log.Info().Str("addr", server.Addr).Msg("Fake issuer listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func waitForStopSignal() <-chan os.Signal {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	return stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
