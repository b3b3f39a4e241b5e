package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatclient/internal/api"
	"github.com/chatclient/internal/config"
	"github.com/chatclient/internal/devserver"
	"github.com/chatclient/internal/engine"
	"github.com/chatclient/internal/logger"
	"github.com/chatclient/internal/storage"
	"github.com/chatclient/internal/storage/memory"
	"github.com/chatclient/internal/storage/redis"
	"github.com/chatclient/internal/ws"
)

func main() {
	logger.SetPrefix("client")
	dev := flag.Bool("dev", false, "start an in-process dev server (no external backend required)")
	username := flag.String("user", "", "username to log in as")
	password := flag.String("password", "", "password (ignored by the dev server)")
	flag.Parse()

	logger.Info("starting chat client")
	cfg := config.Load()

	var devSrv *http.Server
	var devWg sync.WaitGroup
	if *dev {
		devSrv = startDevServer(cfg, &devWg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := devSrv.Shutdown(shutdownCtx); err != nil {
				logger.Errorf("dev server shutdown: %v", err)
			}
			devWg.Wait()
		}()
		if *username == "" {
			*username = "alice"
		}
	}

	store := openStore(cfg)
	defer store.Close()

	apiClient, err := api.New(cfg.ServerURL, cfg.HTTPTimeout)
	if err != nil {
		logger.Errorf("api client: %v", err)
		os.Exit(1)
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Jar:              apiClient.Jar(),
	}
	conn := ws.NewManager(cfg.WSURL, dialer, cfg.ReconnectMaxAttempts)
	eng := engine.New(apiClient, conn, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := eng.Login(ctx); err != nil {
		if !errors.Is(err, api.ErrUnauthorized) || *username == "" {
			logger.Errorf("login: %v", err)
			fmt.Fprintln(os.Stderr, "not logged in; pass -user (and -password against a real backend)")
			os.Exit(1)
		}
		if err := apiClient.Login(ctx, *username, *password); err != nil {
			logger.Errorf("login as %s: %v", *username, err)
			os.Exit(1)
		}
		if _, err := eng.Login(ctx); err != nil {
			logger.Errorf("login: %v", err)
			os.Exit(1)
		}
	}
	logger.Infof("logged in as user %d", eng.Self())

	var engWg sync.WaitGroup
	engWg.Add(1)
	go func() {
		defer engWg.Done()
		eng.Run(ctx)
	}()

	replDone := make(chan struct{})
	go func() {
		defer close(replDone)
		runREPL(ctx, eng, apiClient)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case <-replDone:
		logger.Info("input closed")
	}

	cancel()
	engWg.Wait()
	logger.Info("engine stopped")
}

func startDevServer(cfg *config.Config, wg *sync.WaitGroup) *http.Server {
	srv := &http.Server{
		Addr:         cfg.DevAddr,
		Handler:      devserver.New().Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Infof("dev server listening on %s", cfg.DevAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("dev server: %v", err)
		}
	}()
	cfg.ServerURL = "http://" + cfg.DevAddr
	cfg.WSURL = "ws://" + cfg.DevAddr + "/ws"
	// Give the listener a moment before the first request.
	time.Sleep(100 * time.Millisecond)
	return srv
}

func openStore(cfg *config.Config) storage.LastRoomStore {
	if cfg.RedisURL == "" {
		return memory.New()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		logger.Errorf("redis unavailable, falling back to in-memory store: %v", err)
		return memory.New()
	}
	logger.Info("using redis for conversation state")
	return store
}
