// cmd/compliance-service/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mdmproxy/internal/compliance"
	"mdmproxy/internal/consent"
	"mdmproxy/internal/provisioning"
	"mdmproxy/internal/tokenbroker"
	"mdmproxy/pkg/config"
	"mdmproxy/pkg/db"
	"mdmproxy/pkg/logger"
	"mdmproxy/pkg/middleware"
	"mdmproxy/pkg/registry"
	"mdmproxy/pkg/secrets"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Env)
	if err := cfg.ValidateCompliance(); err != nil {
		log.Fatalw("startup", "err", err)
	}

	pool := db.MustConnect(cfg, log)
	var store registry.Store
	if pool != nil {
		if err := registry.EnsureSchema(context.Background(), pool); err != nil {
			log.Fatalw("schema", "err", err)
		}
		store = registry.NewPostgresStore(pool, secrets.NewBox(cfg.EncryptionKey), log)
	} else {
		store = registry.NewMemoryStore(log)
	}

	broker := tokenbroker.New(store, cfg.Entra, nil, cfg.TokenSafetyGap, log)
	svc := compliance.NewService(store, broker, cfg, nil, log)
	ctrl := provisioning.NewController(store, registry.VariantCompliance, svc, nil, log)
	coord := consent.NewCoordinator(store, cfg.Entra, cfg.ConsentRedirect, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.Tracing("compliance-service"))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Route("/api/v1/compliance", func(r chi.Router) {
		provisioning.NewHandler(ctrl, log).Routes(r)
		consent.NewHandler(coord, log).Routes(r)
		compliance.NewHandler(svc, log).Routes(r)
	})

	srv := &http.Server{Addr: cfg.ComplianceAddr, Handler: r}
	go func() {
		log.Infow("compliance-service listening", "addr", cfg.ComplianceAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	if pool != nil {
		pool.Close()
	}
	fmt.Println("compliance-service stopped")
}
