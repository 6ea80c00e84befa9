// Command authfetch-bff runs the backend-for-frontend gateway.
//
// With redis configured, sessions and credentials live in redis so several
// gateway instances can share them, and session lifecycle events are
// published to redis streams.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/alexedwards/scs/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/panyam/authfetch"
	"github.com/panyam/authfetch/bff"
	"github.com/panyam/authfetch/config"
	"github.com/panyam/authfetch/events"
	redisstore "github.com/panyam/authfetch/stores/redis"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	cfg := config.MustLoad(configPath)

	log := config.NewLogger(cfg.Env)
	slog.SetDefault(log)
	if err := cfg.ValidateBFF(); err != nil {
		log.Error("invalid_config", slog.String("err", err.Error()))
		os.Exit(1)
	}
	log.Info("starting authfetch-bff", "env", cfg.Env, "backend", cfg.Backend.APIURL)

	rootCtx, rootCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCancel()

	sm := scs.New()
	sm.Lifetime = cfg.Session.Lifetime
	sm.Cookie.Name = cfg.Session.CookieName
	sm.Cookie.Secure = cfg.Session.CookieSecure
	sm.Cookie.HttpOnly = true
	sm.Cookie.SameSite = http.SameSiteLaxMode

	renewer := authfetch.NewJSONRenewer(cfg.Backend.TokenURL, cfg.Backend.ClientID)
	renewer.LogoutURL = cfg.Backend.LogoutURL

	listeners := authfetch.Listeners{authfetch.LogListener{Logger: log}}
	opts := []authfetch.ClientOption{
		authfetch.WithRefreshThreshold(cfg.Backend.RefreshThreshold),
		authfetch.WithRenewTimeout(cfg.Backend.RenewTimeout),
	}
	if cfg.Backend.RetryIdempotent {
		opts = append(opts, authfetch.WithRetryPolicy(authfetch.DefaultRetryPolicy()))
	}

	gateway := &bff.Gateway{
		Session:  sm,
		Renewer:  renewer,
		APIURL:   cfg.Backend.APIURL,
		LoginURL: cfg.Backend.LoginURL,
		Logger:   log,
	}

	if cfg.Redis.Enabled() {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(rootCtx).Err(); err != nil {
			log.Error("redis_ping_failed", slog.String("addr", cfg.Redis.Addr), slog.String("err", err.Error()))
			os.Exit(1)
		}

		sm.Store = redisstore.NewSessionStore(rdb)
		gateway.Credentials = redisstore.NewCredentialStore(rdb).WithPrefix("authfetch:bff:credential:")

		publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{Client: rdb}, watermill.NewStdLogger(false, false))
		if err != nil {
			log.Error("event_publisher_init_failed", slog.String("err", err.Error()))
			os.Exit(1)
		}
		defer publisher.Close()
		listeners = append(listeners, events.NewPublisher(publisher, log))
		log.Info("redis_enabled", slog.String("addr", cfg.Redis.Addr))
	}
	gateway.ClientOptions = append(opts, authfetch.WithSessionListener(listeners))

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/", gateway.Handler())

	httpAddr := cfg.HTTP.Addr()
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", httpAddr)
	if err != nil {
		log.Error("http_listen_failed", slog.String("addr", httpAddr), slog.String("err", err.Error()))
		os.Exit(1)
	}
	log.Info("http_listen_start", slog.String("addr", httpAddr))

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
		}
		close(serveErrCh)
	}()

	select {
	case <-rootCtx.Done():
		log.Info("shutdown_requested")
	case err := <-serveErrCh:
		if err != nil {
			log.Error("http_serve_failed", slog.String("err", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http_shutdown_incomplete", slog.String("err", err.Error()))
	}
	log.Info("service_stopped")
}
