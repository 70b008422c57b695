package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/socialhost/internal/client"
	"github.com/agentworkforce/socialhost/internal/httpapi"
	"github.com/agentworkforce/socialhost/internal/social"
)

type usageError struct {
	message string
}

func (e *usageError) Error() string {
	return e.message
}

func usagef(format string, args ...any) error {
	return &usageError{message: fmt.Sprintf(format, args...)}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var usage *usageError
		if errors.As(err, &usage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var (
		serverURL string
		token     string
		timeout   time.Duration
		system    bool
		category  string
		secret    string
		subject   string
		ttl       time.Duration
		scopes    []string
	)
	flagSet := pflag.NewFlagSet("socialctl", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&serverURL, "server", envOrDefault("SOCIALHOST_URL", "http://127.0.0.1:8080"), "socialhost base URL")
	flagSet.StringVar(&token, "token", strings.TrimSpace(os.Getenv("SOCIALHOST_TOKEN")), "bearer token")
	flagSet.DurationVar(&timeout, "timeout", 15*time.Second, "per-request timeout")
	flagSet.BoolVar(&system, "system", false, "install without the consent checks (install)")
	flagSet.StringVar(&category, "category", "", "event category to stream: browsing or service (events)")
	flagSet.StringVar(&secret, "secret", strings.TrimSpace(os.Getenv("SOCIALHOST_JWT_SECRET")), "signing secret (token)")
	flagSet.StringVar(&subject, "subject", "socialctl", "token subject (token)")
	flagSet.DurationVar(&ttl, "ttl", time.Hour, "token lifetime (token)")
	flagSet.StringSliceVar(&scopes, "scope", []string{httpapi.ScopeRead, httpapi.ScopeWrite}, "token scopes (token)")
	flagSet.Usage = func() { printHelp(stderr, flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return &usageError{message: err.Error()}
	}
	rest := flagSet.Args()
	if len(rest) == 0 {
		printHelp(stderr, flagSet)
		return usagef("a command is required")
	}
	command, rest := rest[0], rest[1:]

	if command == "token" {
		if secret == "" {
			return usagef("--secret or SOCIALHOST_JWT_SECRET is required")
		}
		signed, err := httpapi.IssueToken(secret, "socialhost", subject, scopes, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, signed)
		return nil
	}

	c := client.NewHTTPClient(serverURL, token, &http.Client{Timeout: timeout})
	switch command {
	case "providers":
		if len(rest) > 1 {
			return usagef("usage: providers [origin]")
		}
		if len(rest) == 1 {
			return printResult(c.GetProvider(ctx, rest[0]))(stdout)
		}
		return printResult(c.ListProviders(ctx))(stdout)
	case "enable", "disable", "remove":
		if len(rest) != 1 {
			return usagef("usage: %s <origin>", command)
		}
		switch command {
		case "enable":
			return printResult(c.EnableProvider(ctx, rest[0]))(stdout)
		case "disable":
			return printResult(c.DisableProvider(ctx, rest[0]))(stdout)
		default:
			if err := c.RemoveProvider(ctx, rest[0]); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "removed %s\n", rest[0])
			return nil
		}
	case "browsing":
		if len(rest) == 0 {
			return printResult(c.Browsing(ctx))(stdout)
		}
		if len(rest) != 1 || (rest[0] != "on" && rest[0] != "off") {
			return usagef("usage: browsing [on|off]")
		}
		state, err := c.SetBrowsing(ctx, rest[0] == "on")
		if err != nil {
			return err
		}
		if rest[0] == "on" && !state.Enabled {
			fmt.Fprintln(stderr, "browsing stayed off: no enabled providers or private browsing is active")
		}
		return printJSON(stdout, state)
	case "private":
		if len(rest) != 1 || (rest[0] != "on" && rest[0] != "off") {
			return usagef("usage: private on|off")
		}
		return printResult(c.SetPrivate(ctx, rest[0] == "on"))(stdout)
	case "current":
		if len(rest) == 0 {
			state, err := c.Browsing(ctx)
			if err != nil {
				return err
			}
			if state.Current == "" {
				fmt.Fprintln(stdout, "none")
				return nil
			}
			fmt.Fprintln(stdout, state.Current)
			return nil
		}
		if len(rest) != 1 {
			return usagef("usage: current [origin]")
		}
		return printResult(c.SetCurrent(ctx, rest[0]))(stdout)
	case "install":
		if len(rest) != 1 {
			return usagef("usage: install <url> [--system]")
		}
		return printResult(c.InstallManifest(ctx, rest[0], system))(stdout)
	case "events":
		if len(rest) != 0 {
			return usagef("usage: events [--category browsing|service]")
		}
		err := c.StreamEvents(ctx, social.Category(category), func(e social.Event) {
			_ = printJSON(stdout, e)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	default:
		return usagef("unknown command %q", command)
	}
}

// printResult adapts a (value, error) pair so call sites can pass a client
// call straight through.
func printResult[T any](v T, err error) func(io.Writer) error {
	return func(w io.Writer) error {
		if err != nil {
			return err
		}
		return printJSON(w, v)
	}
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `socialctl drives a socialhost server.

Usage:
  socialctl [flags] <command> [args]

Commands:
  providers [origin]       list providers, or show one
  enable <origin>          enable a provider
  disable <origin>         disable a provider
  remove <origin>          uninstall a provider
  browsing [on|off]        show or toggle social browsing
  private on|off           enter or leave private browsing
  current [origin]         show or select the current provider
  install <url>            install the manifest at url (--system skips consent)
  events                   stream registry events (--category narrows)
  token                    print a signed bearer token (--secret, --scope)

Flags:
%s`, flagSet.FlagUsages())
}
