// Command esid runs a standalone token manager daemon: it serves the
// SSO login and callback routes, sweeps abandoned callback flows and
// periodically refreshes expired tokens in the configured store.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	esi "go.pilab.hu/esi"
	echoapi "go.pilab.hu/esi/api/echo"
	"go.pilab.hu/esi/cache"
	rediscache "go.pilab.hu/esi/cache/redis"
	"go.pilab.hu/esi/config"
	"go.pilab.hu/esi/memory"
	"go.pilab.hu/esi/mongodb"
	"go.pilab.hu/esi/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
		log.Warn().Str("configured", cfg.LogLevel).Msg("invalid log level, defaulting to info")
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokenRepo, scopeRepo, callbackRepo, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.Store).Msg("failed to open token store")
	}
	defer closeStore()

	tokenCache := openCache(cfg)

	exchange := esi.NewExchangeClient(cfg)
	tokens := esi.NewTokenService(cfg, tokenRepo, scopeRepo, exchange, tokenCache)
	callbacks := esi.NewCallbackService(cfg, callbackRepo, tokens, exchange)

	callbacks.StartSweeper(ctx, cfg.CallbackMaxAge)
	go refreshLoop(ctx, cfg, tokens)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	echoapi.NewSSOAPI(callbacks, nil).RegisterRoutes(e)

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("http server listening")
		if err := e.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
}

// openStore wires the repositories for the configured backend and
// returns a close function for whatever resources it opened.
func openStore(ctx context.Context, cfg *config.Config) (esi.TokenRepository, esi.ScopeRepository, esi.CallbackRepository, func(), error) {
	switch cfg.Store {
	case "mongodb":
		db, err := mongodb.Connect(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		closer := func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := db.Client().Disconnect(disconnectCtx); err != nil {
				log.Error().Err(err).Msg("mongodb disconnect error")
			}
		}
		return mongodb.NewTokenRepository(db), mongodb.NewScopeRepository(db), mongodb.NewCallbackRepository(db), closer, nil

	case "memory":
		return memory.NewTokenRepository(), memory.NewScopeRepository(), memory.NewCallbackRepository(), func() {}, nil

	default:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		closer := func() {
			if err := db.Close(); err != nil {
				log.Error().Err(err).Msg("sqlite close error")
			}
		}
		return sqlite.NewTokenRepository(db), sqlite.NewScopeRepository(db), sqlite.NewCallbackRepository(db), closer, nil
	}
}

// openCache returns the Redis-backed access-token cache when an address
// is configured; nil selects the in-process cache.
func openCache(cfg *config.Config) cache.AccessTokenCache {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	log.Info().Str("addr", cfg.RedisAddr).Msg("using redis access-token cache")
	return rediscache.New(client, cfg.RedisPrefix)
}

// refreshLoop keeps stored tokens fresh: each pass refreshes every
// record past its validity window and drops the terminally dead ones.
func refreshLoop(ctx context.Context, cfg *config.Config, tokens *esi.TokenService) {
	interval := cfg.TokenValidDuration / 2
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			expired, err := tokens.GetExpired(ctx)
			if err != nil {
				log.Error().Err(err).Msg("failed to list expired tokens")
				continue
			}
			if len(expired) == 0 {
				continue
			}
			healthy, err := tokens.BulkRefresh(ctx, expired)
			if err != nil {
				log.Error().Err(err).Msg("bulk refresh pass failed")
				continue
			}
			log.Debug().
				Int("expired", len(expired)).
				Int("healthy", len(healthy)).
				Msg("refresh pass completed")
		case <-ctx.Done():
			return
		}
	}
}
