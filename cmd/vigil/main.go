// Command vigil is the collector daemon: it ingests connection batches
// from node agents, maintains the connection ledger, scores users for
// sharing violations and mirrors control-plane entities.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vigil-net/vigil/internal/api"
	"github.com/vigil-net/vigil/internal/buildinfo"
	"github.com/vigil-net/vigil/internal/config"
	"github.com/vigil-net/vigil/internal/detector"
	"github.com/vigil-net/vigil/internal/enrich"
	"github.com/vigil-net/vigil/internal/ledger"
	"github.com/vigil-net/vigil/internal/monitor"
	"github.com/vigil-net/vigil/internal/notify"
	"github.com/vigil-net/vigil/internal/state"
	"github.com/vigil-net/vigil/internal/syncworker"
	"github.com/vigil-net/vigil/internal/upstream"
	"github.com/vigil-net/vigil/internal/webhook"
)

func main() {
	// 1. Load and validate environment config
	cfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.RequireCollector(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	log.Printf("vigil %s (%s) starting", buildinfo.Version, buildinfo.GitCommit)

	// 2. Open state and run migrations
	db, err := state.OpenDB(cfg.DatabaseURL, cfg.DBPoolMinSize, cfg.DBPoolMaxSize)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := state.Migrate(db); err != nil {
		log.Fatalf("migrate database: %v", err)
	}
	store := state.NewStore(db)

	// 3. Wire the scoring pipeline
	l := ledger.New(db, nil)
	mon := monitor.New(l)

	enricher := enrich.New(enrich.Config{
		APIURL:      cfg.EnrichAPIURL,
		MinInterval: cfg.EnrichMinInterval,
		MMDBPath:    cfg.GeoIPMMDBPath,
	})
	defer enricher.Close()

	det := detector.New(l, enricher, nil)

	routes := loadRoutes(cfg)
	var sender notify.Sender
	if cfg.NotifyRelayURL != "" {
		sender = notify.NewHTTPSender(cfg.NotifyRelayURL)
	}
	dispatcher := notify.New(sender, routes, nil)
	defer dispatcher.Stop()

	metrics := api.NewMetrics()
	pipeline := api.NewPipeline(store, l, mon, det, dispatcher, metrics)

	// 4. Sync worker and webhook listener
	stopCh := make(chan struct{})
	worker := newWorker(cfg, store)
	go worker.Run(context.Background(), stopCh)

	hookSrv := webhook.NewServer(cfg.WebhookPort, cfg.WebhookSecret, worker, dispatcher)
	go func() {
		log.Printf("[webhook] listening on :%d", cfg.WebhookPort)
		if err := hookSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("webhook server error: %v", err)
		}
	}()

	// 5. Scheduled jobs: ASN registry sync, geoip database reload
	scheduler := startSchedules(cfg, store, enricher)

	// 6. Collector API server
	srv := api.NewServer(cfg.CollectorPort, store, pipeline, metrics)
	go func() {
		log.Printf("[collector] listening on :%d", cfg.CollectorPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("collector server error: %v", err)
		}
	}()

	// 7. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("received signal %s, shutting down", sig)

	close(stopCh)
	if scheduler != nil {
		scheduler.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("collector shutdown error: %v", err)
	}
	if err := hookSrv.Shutdown(ctx); err != nil {
		log.Printf("webhook shutdown error: %v", err)
	}
	log.Println("stopped")
}

func loadRoutes(cfg *config.EnvConfig) *notify.Routes {
	if cfg.NotifyRoutesFile != "" {
		routes, err := notify.LoadRoutes(cfg.NotifyRoutesFile)
		if err == nil {
			return routes
		}
		log.Printf("[notify] routes file unusable, falling back to env: %v", err)
	}
	return notify.RoutesFromEnv(cfg.NotificationsChatID, cfg.TopicChatIDs)
}

func newWorker(cfg *config.EnvConfig, store *state.Store) *syncworker.Worker {
	var client *upstream.Client
	if cfg.APIBaseURL != "" {
		client = upstream.New(cfg.APIBaseURL, cfg.APIToken, nil)
	} else {
		log.Printf("[sync] API_BASE_URL not set, mirror sync disabled")
	}
	return syncworker.New(client, store, cfg.SyncInterval, nil)
}

// geoipReloadSchedule re-opens the mmdb daily so an externally refreshed
// database file is picked up without a restart.
const geoipReloadSchedule = "30 4 * * *"

func startSchedules(cfg *config.EnvConfig, store *state.Store, enricher *enrich.Enricher) *cron.Cron {
	c := cron.New()
	jobs := 0

	if cfg.ASNSyncCountry != "" {
		syncer := enrich.NewASNSyncer(enrich.ASNSyncConfig{
			RegistryURL: cfg.ASNRegistryURL,
			Country:     cfg.ASNSyncCountry,
			Limit:       cfg.ASNSyncLimit,
		}, store)
		_, err := c.AddFunc(cfg.ASNSyncSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()
			if err := syncer.Run(ctx); err != nil {
				log.Printf("[asnsync] scheduled run: %v", err)
			}
		})
		if err != nil {
			log.Printf("[asnsync] schedule %q rejected: %v", cfg.ASNSyncSchedule, err)
		} else {
			jobs++
			log.Printf("[asnsync] %s scheduled at %q", cfg.ASNSyncCountry, cfg.ASNSyncSchedule)
		}
	}

	if cfg.GeoIPMMDBPath != "" {
		_, err := c.AddFunc(geoipReloadSchedule, func() {
			if err := enricher.ReloadMMDB(cfg.GeoIPMMDBPath); err != nil {
				log.Printf("[enrich] mmdb reload: %v", err)
			}
		})
		if err != nil {
			log.Printf("[enrich] mmdb reload schedule rejected: %v", err)
		} else {
			jobs++
		}
	}

	if jobs == 0 {
		return nil
	}
	c.Start()
	return c
}
