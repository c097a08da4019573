package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"live-mirror/internal/matchstore"
	"live-mirror/internal/mirror"
	"live-mirror/internal/platform/config"
	"live-mirror/internal/platform/httpclient"
	"live-mirror/internal/platform/logger"
	"live-mirror/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const (
	shutdownTimeout = 10 * time.Second
	mediaPrefix     = "/media/"
)

func main() {
	configErr := config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	mediaDir := config.GetEnv("MEDIA_DIR", "public")
	dbPath := config.GetEnv("DB_PATH", "events.db")

	refreshInterval := config.GetEnvDuration("REFRESH_INTERVAL", 3*time.Second)
	cleanupInterval := config.GetEnvDuration("CLEANUP_INTERVAL", time.Minute)
	retention := config.GetEnvDuration("RETENTION", time.Minute)
	segmentConcurrency := config.GetEnvInt("SEGMENT_CONCURRENCY", 4)
	segmentTimeout := config.GetEnvDuration("SEGMENT_TIMEOUT", 20*time.Second)
	pageTimeout := config.GetEnvDuration("PAGE_TIMEOUT", 15*time.Second)
	manifestTimeout := config.GetEnvDuration("MANIFEST_TIMEOUT", 10*time.Second)
	manifestAttempts := config.GetEnvInt("MANIFEST_ATTEMPTS", 3)
	manifestBackoff := config.GetEnvDuration("MANIFEST_BACKOFF", 500*time.Millisecond)
	cycleTimeout := config.GetEnvDuration("CYCLE_TIMEOUT", 45*time.Second)
	failureThreshold := config.GetEnvInt("FAILURE_THRESHOLD", mirror.DefaultFailureThreshold)
	idleTimeout := config.GetEnvDuration("IDLE_TIMEOUT", 10*time.Minute)
	maxConcurrentCycles := config.GetEnvInt("MAX_CONCURRENT_CYCLES", 32)
	upstreamRPS := config.GetEnvInt("UPSTREAM_RPS", 0)
	matchWindow := config.GetEnvDuration("MATCH_WINDOW", 5*time.Hour)
	orphanSweep := config.GetEnvBool("ORPHAN_SWEEP", true)

	log := logger.New(logLevel, logFormat)
	if configErr != nil {
		log.Warn("ignoring .env", "error", configErr)
	}

	lock, err := mirror.LockMediaDir(mediaDir)
	if err != nil {
		log.Error("cannot lock media dir", "media_dir", mediaDir, "error", err)
		os.Exit(1)
	}
	defer lock.Unlock()

	store, err := matchstore.Open(dbPath)
	if err != nil {
		log.Error("cannot open match store", "db_path", dbPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	client := httpclient.New(httpclient.Options{
		UserAgent:         config.GetEnv("USER_AGENT", ""),
		Referer:           config.GetEnv("UPSTREAM_REFERER", "https://1stream.eu/"),
		Origin:            config.GetEnv("UPSTREAM_ORIGIN", "null"),
		RequestsPerSecond: upstreamRPS,
	})

	met := metrics.New()
	reg := mirror.NewRegistry(mediaDir)
	svc := mirror.NewService(
		reg,
		mirror.NewResolver(client, pageTimeout, log),
		mirror.NewFetcher(client, mirror.FetcherOptions{
			Attempts: manifestAttempts,
			Timeout:  manifestTimeout,
			Backoff:  manifestBackoff,
		}, log),
		mirror.NewLocalizer(client, mirror.LocalizerOptions{
			Concurrency:    segmentConcurrency,
			SegmentTimeout: segmentTimeout,
			ReuseTTL:       retention / 2,
		}, log),
		mirror.Options{
			FailureThreshold: failureThreshold,
			CycleTimeout:     cycleTimeout,
			IdleTimeout:      idleTimeout,
		},
		log, met,
	)
	defer svc.Close()

	sched, err := mirror.NewScheduler(svc, refreshInterval, maxConcurrentCycles, log, met)
	if err != nil {
		log.Error("cannot start scheduler", "error", err)
		os.Exit(1)
	}
	var registered func(mirror.SessionID) bool
	if orphanSweep {
		registered = reg.Contains
	}
	janitor := mirror.NewJanitor(mediaDir, retention, cleanupInterval, registered, log, met)

	h := mirror.NewHandler(svc, store, mirror.HandlerOptions{
		MediaPrefix: mediaPrefix,
		MatchWindow: matchWindow,
	}, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(svc.UpdateGauges).ServeHTTP(w, r)
	})
	h.Routes(r)
	r.Handle(mediaPrefix+"*", http.StripPrefix(strings.TrimSuffix(mediaPrefix, "/"), mediaHandler(http.FileServer(http.Dir(mediaDir)))))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go sched.Run(ctx)
	go janitor.Run(ctx)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"media_dir", mediaDir,
		"db_path", dbPath,
		"refresh_interval", refreshInterval.String(),
		"retention", retention.String(),
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}

	stop()
	svc.Close()
	<-sched.Done()
	sched.Release()

	log.Info("server stopped")
}

// mediaHandler serves the published tree with HLS content types. Playlists
// change every cycle and must not be cached; the process lock is hidden.
func mediaHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch p := r.URL.Path; {
		case strings.HasSuffix(p, "/"+mirror.LockFileName):
			http.NotFound(w, r)
			return
		case strings.HasSuffix(p, ".m3u8"):
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			w.Header().Set("Cache-Control", "no-cache")
		case strings.HasSuffix(p, mirror.SegmentExt):
			w.Header().Set("Content-Type", "video/mp2t")
		}
		next.ServeHTTP(w, r)
	})
}
