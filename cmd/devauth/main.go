// Command devauth runs the development token server.
//
// Users come from devauth.users ("username:password" pairs). Refresh tokens
// are kept in memory unless devauth.database_path names a SQLite file or
// devauth.storage_path a directory.
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
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/panyam/authfetch/config"
	"github.com/panyam/authfetch/devauth"
	fsstore "github.com/panyam/authfetch/stores/fs"
	gormstore "github.com/panyam/authfetch/stores/gorm"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	cfg := config.MustLoad(configPath)

	log := config.NewLogger(cfg.Env)
	slog.SetDefault(log)
	if err := cfg.ValidateDevAuth(); err != nil {
		log.Error("invalid_config", slog.String("err", err.Error()))
		os.Exit(1)
	}

	server := &devauth.Server{
		Users:              devauth.NewUsers(),
		JWTSecretKey:       cfg.DevAuth.JWTSecret,
		JWTIssuer:          cfg.DevAuth.Issuer,
		AccessTokenExpiry:  cfg.DevAuth.AccessTokenTTL,
		RefreshTokenExpiry: cfg.DevAuth.RefreshTokenTTL,
		Logger:             log,
	}

	if cfg.DevAuth.DatabasePath != "" {
		db, err := gorm.Open(sqlite.Open(cfg.DevAuth.DatabasePath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		})
		if err != nil {
			log.Error("database_open_failed", slog.String("path", cfg.DevAuth.DatabasePath), slog.String("err", err.Error()))
			os.Exit(1)
		}
		if err := gormstore.AutoMigrate(db); err != nil {
			log.Error("database_migrate_failed", slog.String("err", err.Error()))
			os.Exit(1)
		}
		server.RefreshTokens = gormstore.NewRefreshTokenStore(db)
		log.Info("refresh_tokens_persisted", slog.String("path", cfg.DevAuth.DatabasePath))
	} else if cfg.DevAuth.StoragePath != "" {
		server.RefreshTokens = fsstore.NewRefreshTokenStore(cfg.DevAuth.StoragePath)
		log.Info("refresh_tokens_persisted", slog.String("path", cfg.DevAuth.StoragePath))
	}
	server.EnsureReasonableDefaults()

	for _, entry := range cfg.DevAuth.Users {
		username, password, ok := strings.Cut(entry, ":")
		if !ok {
			log.Error("invalid_user_entry", slog.String("entry", username))
			os.Exit(1)
		}
		id, err := server.Users.Add(username, password)
		if err != nil {
			log.Error("user_add_failed", slog.String("username", username), slog.String("err", err.Error()))
			os.Exit(1)
		}
		log.Info("user_added", slog.String("username", username), slog.String("user_id", id))
	}

	rootCtx, rootCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCancel()

	httpAddr := cfg.HTTP.Addr()
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           server.Handler(),
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
