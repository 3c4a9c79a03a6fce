package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fairlance/arbitration"
	"fairlance/auth"
	"fairlance/config"
	"fairlance/db"
	"fairlance/escrow"
	"fairlance/ledger"
	"fairlance/lib"
)

func main() {
	var cfg config.Config
	if err := config.LoadConfig(&cfg, &os.Args); err != nil {
		panic(err)
	}

	log, err := lib.NewLogger(cfg.Log.Level, cfg.Log.Color, cfg.Log.IsProd, cfg.Log.JSON)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	log.Infow("starting api", "config", cfg.GetSanitized())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DB.URL, cfg.DB.MaxConns)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	authService := auth.NewService(auth.NewRepository(pool), cfg.JWT.Secret).
		WithTokenTTL(cfg.JWT.TTL)
	walletService := ledger.NewService(pool, nil)
	jobService := escrow.NewService(pool, nil, nil)
	disputeService := arbitration.NewService(pool, nil, nil, jobService)

	server := NewServer(log.Named("http"), authService, walletService, jobService, disputeService)

	httpServer := &http.Server{
		Addr:              cfg.Web.Address,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Errorf("http shutdown: %v", err)
		}
	}()

	log.Infof("api listening on %s", cfg.Web.Address)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server: %v", err)
	}
	log.Infof("api stopped")
}
