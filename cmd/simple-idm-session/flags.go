package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
)

const usage = `usage: simple-idm-session <command> [flags]

commands:
  status   restore the stored session and print its state
  login    sign in with -email and -password
  logout   end the session on this device
  me       print the signed-in user's profile
  watch    keep the session renewed until interrupted (SIGUSR1 simulates foreground resume)
`

type flags struct {
	command  string
	email    string
	password string
}

func initFlags(args []string) (flags, error) {
	if len(args) == 0 {
		return flags{}, errors.New(usage)
	}

	f := flags{command: args[0]}
	fs := flag.NewFlagSet(f.command, flag.ContinueOnError)
	fs.StringVar(&f.email, "email", "", "Account email (login)")
	fs.StringVar(&f.password, "password", "", "Account password (login); falls back to IDM_PASSWORD")

	if err := fs.Parse(args[1:]); err != nil {
		return flags{}, err
	}

	switch f.command {
	case "status", "logout", "me", "watch":
	case "login":
		if f.password == "" {
			f.password = os.Getenv("IDM_PASSWORD")
		}
		if f.email == "" || f.password == "" {
			return flags{}, errors.New("login requires -email and -password")
		}
	default:
		return flags{}, fmt.Errorf("unknown command %q\n\n%s", f.command, usage)
	}

	return f, nil
}
