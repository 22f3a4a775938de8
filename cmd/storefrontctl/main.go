// storefrontctl drives the storefront transport from the command line: REST calls
// with the configured bearer credential and an interactive realtime session.
//
// Usage:
//
//	storefrontctl [global flags] get <path> [--query k=v] [--jsonpath expr] [--retries n]
//	storefrontctl [global flags] post <path> <json> [--method PUT|PATCH] [--jsonpath expr]
//	storefrontctl [global flags] delete <path>
//	storefrontctl [global flags] listen <identity> [--linger d]
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/R3E-Network/storefront_transport/internal/config"
	"github.com/R3E-Network/storefront_transport/storefront/client"
)

// Exit codes by failure kind.
const (
	exitUsage        = 2
	exitNetwork      = 3
	exitUnauthorized = 4
	exitClientError  = 5
	exitServerError  = 6
	exitInternal     = 7
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
func (e *exitError) ExitCode() int { return e.code }

func usageError(format string, args ...any) error {
	return &exitError{code: exitUsage, err: fmt.Errorf(format, args...)}
}

// exitCodeFor maps a classified failure to the process exit code.
func exitCodeFor(err error) int {
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	cerr, ok := client.AsClassified(err)
	if !ok {
		return 1
	}
	switch cerr.Kind {
	case client.KindNetwork:
		return exitNetwork
	case client.KindUnauthorized:
		return exitUnauthorized
	case client.KindClientError:
		return exitClientError
	case client.KindServerError:
		return exitServerError
	default:
		return exitInternal
	}
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// globals are the flags shared by every subcommand.
type globals struct {
	configPath string
	envFiles   []string
	baseURL    string
	realtime   string
	token      string
	username   string
	password   string
	logLevel   string
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var g globals
	flags := pflag.NewFlagSet("storefrontctl", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.SetInterspersed(false)
	flags.StringVarP(&g.configPath, "config", "c", "", "YAML config file")
	flags.StringSliceVar(&g.envFiles, "env-file", nil, ".env files to load (repeatable)")
	flags.StringVar(&g.baseURL, "api", "", "REST base URL (overrides config)")
	flags.StringVar(&g.realtime, "realtime", "", "realtime URL template (overrides config)")
	flags.StringVar(&g.token, "token", "", "bearer token (overrides config)")
	flags.StringVar(&g.username, "username", "", "log in with this username via POST /auth/token")
	flags.StringVar(&g.password, "password", "", "password for --username")
	flags.StringVar(&g.logLevel, "log-level", "", "log level (overrides config)")
	flags.Usage = func() {
		fmt.Fprintln(stderr, "usage: storefrontctl [flags] get|post|delete|listen ...")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return &exitError{code: exitUsage, err: err}
	}

	rest := flags.Args()
	if len(rest) == 0 {
		flags.Usage()
		return usageError("a subcommand is required")
	}

	env, err := newEnvironment(g, stdin, stdout, stderr)
	if err != nil {
		return err
	}
	defer env.close()

	switch cmd, cmdArgs := rest[0], rest[1:]; cmd {
	case "get":
		return env.runGet(cmdArgs)
	case "post":
		return env.runPost(cmdArgs)
	case "delete":
		return env.runDelete(cmdArgs)
	case "listen":
		return env.runListen(cmdArgs)
	default:
		return usageError("unknown subcommand %q", cmd)
	}
}

// loadConfig applies global flag overrides on top of the loaded configuration.
func loadConfig(g globals) (*config.TransportConfig, error) {
	cfg, err := config.Load(config.LoadOptions{
		Path:     g.configPath,
		EnvFiles: g.envFiles,
		Override: func(c *config.TransportConfig) {
			if g.baseURL != "" {
				c.REST.BaseURL = g.baseURL
			}
			if g.realtime != "" {
				c.Realtime.URLTemplate = g.realtime
			}
			if g.token != "" {
				c.Credentials.Token = g.token
			}
			if g.logLevel != "" {
				c.LogLevel = g.logLevel
			}
		},
	})
	if err != nil {
		return nil, usageError("%v", err)
	}
	return cfg, nil
}
