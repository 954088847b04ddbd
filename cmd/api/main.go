package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"warden.gg/internal/audit"
	"warden.gg/internal/auth"
	"warden.gg/internal/authority"
	"warden.gg/internal/feed"
	"warden.gg/internal/grant"
	"warden.gg/internal/httpapi"
	"warden.gg/internal/identity"
	"warden.gg/internal/obs"
	"warden.gg/internal/rolemap"
	"warden.gg/internal/rolesync"
	"warden.gg/internal/store/pg"
)

var version = "0.3.0"

func main() {
	log.SetFlags(0)
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("WARDEN_COMMIT"))

	roles := rolemap.Default()
	if path := os.Getenv("WARDEN_ROLEMAP"); path != "" {
		var err error
		roles, err = rolemap.LoadFile(path)
		if err != nil {
			log.Fatalf("load rolemap: %v", err)
		}
	}

	// Storage: Postgres when a DSN is configured, otherwise in-memory demo
	// mode with the same wiring the tests use.
	var (
		grantStore grant.Store
		linkStore  identity.Store
		sinks      []audit.Recorder
		probe      httpapi.ReadyProbe
		closeStore func()
	)
	if dsn := os.Getenv("WARDEN_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		grantStore = store
		linkStore = store
		sinks = append(sinks, store)
		probe = httpapi.ReadyProbe{DB: store.DB()}
		closeStore = func() { _ = store.Close() }
	} else {
		log.Println("WARDEN_PG_DSN not set; running on in-memory stores")
		grantStore = grant.NewInMemory()
		linkStore = identity.NewInMemory()
		closeStore = func() {}
	}
	sinks = append(sinks, audit.NewLogRecorder(nil))
	trail := audit.NewTee(sinks...)

	grants := grant.NewService(grantStore, trail, nil)
	links := identity.NewRegistry(linkStore, trail, nil)
	resolver := authority.NewResolver(grants, links, roles, trail, nil)

	ttl := feed.DefaultTTL
	if raw := os.Getenv("WARDEN_FEED_TTL_SECONDS"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			log.Fatalf("invalid WARDEN_FEED_TTL_SECONDS %q", raw)
		}
		ttl = time.Duration(secs) * time.Second
	}
	builder := feed.NewBuilder(grants, links, roles, nil)
	cache := feed.NewCache(builder, ttl)

	sync := rolesync.New(grants.Store(), links, roles, trail, cache.Invalidate, nil)

	if !auth.Enabled() {
		log.Println("WARNING: WARDEN_AUTH_SECRET not set; management API is unauthenticated")
	}

	api := httpapi.New(httpapi.Config{
		Feed:       cache,
		Grants:     grants,
		Links:      links,
		Sync:       sync,
		Resolver:   resolver,
		Roles:      roles,
		Trail:      trail,
		ReadyProbe: probe,
		Version:    version,
	})

	addr := os.Getenv("WARDEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// The audit SSE stream holds its response open; no write deadline.
		IdleTimeout: 60 * time.Second,
	}

	log.Printf("Starting warden %s on %s (feed ttl %s)", version, srv.Addr, ttl)

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
	closeStore()
	log.Println("Stopped")
}
