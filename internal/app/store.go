package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/aussiebroadwan/sessionkeeper/pkg/credstore"
	"github.com/aussiebroadwan/sessionkeeper/pkg/credstore/drivers/keyring"
	"github.com/aussiebroadwan/sessionkeeper/pkg/credstore/drivers/redis"
	"github.com/aussiebroadwan/sessionkeeper/pkg/credstore/drivers/sqlite"
	"github.com/aussiebroadwan/sessionkeeper/pkg/refresh"
)

// initStore opens the configured credential store.
func (app *Application) initStore(ctx context.Context) error {
	switch app.cfg.StoreDriver {
	case "", "memory":
		app.store = credstore.NewMemory()

	case "sqlite":
		db, err := sqlite.Open(sqlite.DSN(app.cfg.DatabaseFile))
		if err != nil {
			return fmt.Errorf("failed to open sqlite store: %w", err)
		}
		app.store = db
		app.closers = append(app.closers, db.Close)
		app.logger.Info("database migrations applied successfully", "file", app.cfg.DatabaseFile)

	case "redis":
		rdb := goredis.NewClient(&goredis.Options{Addr: app.cfg.RedisAddr})
		st, err := redis.New(ctx, rdb, redis.Options{Key: app.cfg.RedisKey, Logger: app.logger})
		if err != nil {
			_ = rdb.Close()
			return fmt.Errorf("failed to open redis store: %w", err)
		}
		app.store = st
		app.closers = append(app.closers, st.Close, rdb.Close)

	case "keyring":
		user := app.cfg.Username
		if user == "" {
			user = "default"
		}
		app.store = keyring.New(app.cfg.KeyringService, user)

	default:
		return fmt.Errorf("unknown credential store %q", app.cfg.StoreDriver)
	}

	app.logger.Info("credential store ready", "driver", app.cfg.StoreDriver)
	return nil
}

func (app *Application) newRenewer() (refresh.Renewer, error) {
	switch app.cfg.Renewer {
	case "", "json":
		r := refresh.NewHTTPRenewer(app.cfg.BaseURL)
		if app.cfg.RefreshTimeout > 0 {
			r.HTTPClient.Timeout = app.cfg.RefreshTimeout
		}
		return r, nil

	case "oauth2":
		if app.cfg.OAuth2TokenURL == "" {
			return nil, errors.New("oauth2 renewer requires a token URL")
		}
		return &refresh.OAuth2Renewer{
			Config: &oauth2.Config{
				ClientID:     app.cfg.OAuth2ClientID,
				ClientSecret: app.cfg.OAuth2ClientSecret,
				Endpoint: oauth2.Endpoint{
					TokenURL:  app.cfg.OAuth2TokenURL,
					AuthStyle: oauth2.AuthStyleInParams,
				},
			},
			HTTPClient: &http.Client{Timeout: app.cfg.RefreshTimeout},
		}, nil

	default:
		return nil, fmt.Errorf("unknown renewer %q", app.cfg.Renewer)
	}
}
