package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"conformeo.io/internal/authz"
	"conformeo.io/internal/httpapi"
	"conformeo.io/internal/obs"
	"conformeo.io/internal/store/pg"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	// With a DSN the service runs on postgres; without one it falls back to
	// the in-memory store, which is enough for local runs and demos.
	var (
		store authz.Store
		probe httpapi.ReadyProbe
	)
	if dsn := os.Getenv("CONFORMEO_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
		defer pgStore.Close()
	} else {
		log.Println("CONFORMEO_PG_DSN is empty, using in-memory store")
		store = authz.NewInMemory()
	}

	api, err := httpapi.New(probe, version, store)
	if err != nil {
		log.Fatalf("init api: %v", err)
	}

	addr := os.Getenv("CONFORMEO_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting conformeo-authz %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
