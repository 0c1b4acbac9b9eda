// cmd/emm-service/main.go
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

	"mdmproxy/internal/emm"
	"mdmproxy/internal/provisioning"
	"mdmproxy/pkg/cache"
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
	if err := cfg.ValidateEMM(); err != nil {
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

	var c cache.Cache
	if cli := db.MustRedis(cfg, log); cli != nil {
		c = cache.NewRedis(cli)
	} else {
		c = cache.NewMemory()
	}

	tokens, err := emm.NewServiceTokenSource(cfg.EMM, nil, c, cfg.TokenSafetyGap, log)
	if err != nil {
		log.Fatalw("startup", "err", err)
	}
	verifier := emm.NewVerifier(tokens, cfg.EMMAPIBase, nil, c, cfg.ManagedCacheTTL, log)
	svc := emm.NewService(store, tokens, cfg, nil, log)
	ctrl := provisioning.NewController(store, registry.VariantEMM, svc, verifier, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.Tracing("emm-service"))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Route("/api/v1/android", func(r chi.Router) {
		emm.NewHandler(ctrl, svc, log).Routes(r)
	})

	srv := &http.Server{Addr: cfg.EMMAddr, Handler: r}
	go func() {
		log.Infow("emm-service listening", "addr", cfg.EMMAddr)
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
	fmt.Println("emm-service stopped")
}
