package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-auth-client/internal/config"
	"github.com/jrsteele09/go-auth-client/login"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const maxCodeAttempts = 3

const usage = `usage: authclient <command> [flags]

commands:
  login   -email <email> [-password <password>] [-code <2fa code>]
  status  show the stored session
  get     <path>  authenticated GET against the API
  logout  sign out and clear the vault
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Error().Err(err).Msg("authclient failed")
		os.Exit(1)
	}
}

func run(args []string) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered from panic")
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("no command given")
	}

	c, err := config.New()
	if err != nil {
		return err
	}
	setupLogging(c)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, c)
	if err != nil {
		return err
	}
	defer a.Close()

	switch args[0] {
	case "login":
		displayAppname(c.GetAppName())
		return a.login(ctx, args[1:])
	case "status":
		return a.status(ctx)
	case "get":
		if len(args) < 2 {
			return errors.New("get needs a path")
		}
		return a.get(ctx, args[1])
	case "logout":
		return a.logout(ctx)
	}
	fmt.Fprint(os.Stderr, usage)
	return fmt.Errorf("unknown command %q", args[0])
}

func setupLogging(c config.Config) {
	zerolog.SetGlobalLevel(c.GetLogLevel())
	if c.GetEnv() == "DEV" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password (prompted when empty)")
	code := fs.String("code", "", "second-factor code (prompted when required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		return errors.New("-email is required")
	}

	in := bufio.NewReader(os.Stdin)
	if *password == "" {
		*password = prompt(in, "Password: ")
	}

	res, err := a.orchestrator.SubmitPrimary(ctx, login.Credentials{Email: *email, Password: *password})
	if err != nil {
		return err
	}
	if res.Outcome == login.SecondFactorRequired {
		challenge := *res.Challenge
		fmt.Println(strings.TrimSpace(challenge.Message))
		for attempt := 1; ; attempt++ {
			if *code == "" {
				*code = prompt(in, "Verification code: ")
			}
			res, err = a.orchestrator.SubmitSecondFactor(ctx, challenge, *code)
			if err != nil {
				return err
			}
			if res.Outcome != login.Rejected || attempt == maxCodeAttempts {
				break
			}
			fmt.Println(res.Reason)
			*code = ""
		}
	}
	if res.Outcome == login.Rejected {
		return errors.New(res.Reason)
	}
	fmt.Printf("Signed in (%s)\n", a.manager.Role())
	return nil
}

func prompt(in *bufio.Reader, label string) string {
	fmt.Print(label)
	line, _ := in.ReadString('\n')
	return strings.TrimSpace(line)
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
