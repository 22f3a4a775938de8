package main

import (
	"context"
	"io"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/storefront_transport/internal/config"
	"github.com/R3E-Network/storefront_transport/pkg/logger"
	"github.com/R3E-Network/storefront_transport/storefront/client"
)

// environment is the wiring shared by every subcommand.
type environment struct {
	cfg    *config.TransportConfig
	log    *logger.Logger
	creds  client.CredentialProvider
	client *client.Client

	stdin          io.Reader
	stdout, stderr io.Writer
	closers        []func() error
}

func newEnvironment(g globals, stdin io.Reader, stdout, stderr io.Writer) (*environment, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}

	log := cfg.NewLogger("storefrontctl")
	log.SetOutput(stderr)

	env := &environment{
		cfg:    cfg,
		log:    log,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}

	env.creds, err = env.credentials(g)
	if err != nil {
		return nil, err
	}

	env.client, err = client.New(cfg.ClientConfig(env.creds, log))
	if err != nil {
		return nil, usageError("%v", err)
	}
	return env, nil
}

// credentials picks the bearer source: an interactive login, then a static token,
// then a Redis key. Without any of them requests go out unauthenticated.
func (e *environment) credentials(g globals) (client.CredentialProvider, error) {
	switch {
	case g.username != "":
		anon, err := client.New(e.cfg.ClientConfig(nil, e.log))
		if err != nil {
			return nil, usageError("%v", err)
		}
		return client.NewRefreshingProvider(loginFunc(anon, g.username, g.password), 30*time.Second), nil

	case e.cfg.Credentials.Token != "":
		return client.StaticCredential(e.cfg.Credentials.Token), nil

	case e.cfg.Credentials.RedisAddr != "":
		rdb := redis.NewClient(&redis.Options{
			Addr:     e.cfg.Credentials.RedisAddr,
			Password: e.cfg.Credentials.RedisPassword,
			DB:       e.cfg.Credentials.RedisDB,
		})
		e.closers = append(e.closers, rdb.Close)
		return client.NewRedisCredentialProvider(rdb, e.cfg.Credentials.RedisKey), nil
	}
	return nil, nil
}

func loginFunc(anon *client.Client, username, password string) client.RefreshFunc {
	return func(ctx context.Context) (string, error) {
		var out struct {
			AccessToken string `json:"access_token"`
		}
		err := anon.Post(ctx, "/auth/token", map[string]string{
			"username": username,
			"password": password,
		}, &out)
		return out.AccessToken, err
	}
}

func (e *environment) close() {
	for _, fn := range e.closers {
		if err := fn(); err != nil {
			e.log.WithError(err).Debug("cleanup failed")
		}
	}
}
