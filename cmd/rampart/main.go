package main

import (
	"log"
	"net/http"
	"os"
	"time"

	"rampart/internal/canon"
	"rampart/internal/config"
	"rampart/internal/distcache"
	"rampart/internal/metrics"
	"rampart/internal/rampart"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	canonicaliser, err := canon.New(cfg.Upstream, cfg.RemoveQueryKeys)
	if err != nil {
		log.Fatal(err)
	}
	cache := distcache.New(cfg.Memcached)
	go logCacheFailures(cache)

	m := metrics.New()

	handler, err := rampart.New(canonicaliser, cache, cfg.Upstream, nil, rampart.Config{
		LockTTL:               cfg.LockTTL,
		ForwardTimeout:        cfg.ForwardTimeout,
		MaxConcurrentForwards: cfg.MaxConcurrentForwards,
	}, m)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			log.Printf("metrics listening on %s", cfg.MetricsAddr)
			metricsServer := &http.Server{
				Addr:         cfg.MetricsAddr,
				Handler:      m,
				ReadTimeout:  5 * time.Second,
				WriteTimeout: 5 * time.Second,
			}
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server exited: %v", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      withServerHeaders(handler),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // origin forwards can stream arbitrarily long
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("rampart listening on %s, upstream=%s, memcached=%v", cfg.ListenAddr, cfg.Upstream, cfg.Memcached)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

// logCacheFailures drains the cache's failure channel so cluster node
// failures show up in the process log even though they never reach a
// client; the cache keeps serving best-effort on the remaining nodes.
func logCacheFailures(cache distcache.Cache) {
	for ev := range cache.Failures() {
		log.Printf("cache node failure op=%s key=%s err=%v", ev.Op, ev.Key, ev.Err)
	}
}

func withServerHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "rampart/0.1")
		next.ServeHTTP(w, r)
	})
}
