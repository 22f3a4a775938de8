// mockbackend serves an in-memory storefront backend for local development: the
// products and orders REST API, token login and the realtime assistant channel.
package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/R3E-Network/storefront_transport/internal/mockbackend"
	"github.com/R3E-Network/storefront_transport/pkg/logger"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		addr      string
		secret    string
		users     []string
		admins    []string
		broadcast string
		logLevel  string
		envFile   string
		origins   []string
		rateLimit float64
		rateBurst int
		keyFile   string
	)

	flags := pflag.NewFlagSet("mockbackend", pflag.ContinueOnError)
	flags.StringVar(&addr, "addr", ":8080", "listen address")
	flags.StringVar(&secret, "secret", "", "HS256 token secret (default $MOCKBACKEND_SECRET)")
	flags.StringSliceVar(&users, "user", []string{"demo:demo"}, "username:password accepted by POST /auth/token (repeatable)")
	flags.StringSliceVar(&admins, "admin", nil, "username granted the admin role (repeatable)")
	flags.StringVar(&broadcast, "broadcast", "@every 30s", "cron schedule for the system broadcast; empty disables it")
	flags.StringVar(&logLevel, "log-level", "info", "log level")
	flags.StringVar(&envFile, "env-file", "", "optional .env file to load first")
	flags.StringSliceVar(&origins, "cors-origin", nil, "allowed CORS origin; \"*\" allows any, \".example.com\" a domain (repeatable)")
	flags.Float64Var(&rateLimit, "rate-limit", 0, "per-identity requests per second on the API; zero disables")
	flags.IntVar(&rateBurst, "rate-burst", 10, "rate limiter burst")
	flags.StringVar(&keyFile, "service-key", "", "PEM RSA public key accepted for RS256 service tokens")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env (%s): %w", envFile, err)
		}
	}
	if secret == "" {
		secret = os.Getenv("MOCKBACKEND_SECRET")
	}
	if secret == "" {
		return fmt.Errorf("--secret or MOCKBACKEND_SECRET is required")
	}

	accounts := make(map[string]string, len(users))
	for _, u := range users {
		name, password, ok := strings.Cut(u, ":")
		if !ok || name == "" {
			return fmt.Errorf("invalid --user %q, want name:password", u)
		}
		accounts[name] = password
	}

	var serviceKey *rsa.PublicKey
	if keyFile != "" {
		pemData, err := os.ReadFile(keyFile)
		if err != nil {
			return fmt.Errorf("read service key: %w", err)
		}
		serviceKey, err = jwt.ParseRSAPublicKeyFromPEM(pemData)
		if err != nil {
			return fmt.Errorf("parse service key: %w", err)
		}
	}

	log := logger.New("mockbackend", logLevel, "text")
	backend, err := mockbackend.New(mockbackend.Config{
		Secret:            []byte(secret),
		ServiceKey:        serviceKey,
		Users:             accounts,
		Admins:            admins,
		BroadcastSchedule: broadcast,
		AllowedOrigins:    origins,
		RateLimit:         rateLimit,
		RateBurst:         rateBurst,
		Logger:            log,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           backend.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend.Start()
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("mock backend listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		backend.Stop()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	backend.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
