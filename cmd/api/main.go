package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"farmtrace.org/internal/access"
	"farmtrace.org/internal/audit"
	"farmtrace.org/internal/httpapi"
	"farmtrace.org/internal/obs"
	"farmtrace.org/internal/ratelimit"
	"farmtrace.org/internal/store/memory"
	"farmtrace.org/internal/store/pg"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		actors  access.ActorStore
		roles   access.RoleStore
		windows ratelimit.WindowStore
		records audit.RecordStore
		pgStore *pg.Store
	)

	if dsn := os.Getenv("FARMTRACE_PG_DSN"); dsn != "" {
		var err error
		pgStore, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		actors = pgStore.Actors()
		roles = pgStore.Roles()
		windows = pgStore.Windows()
		records = pgStore.Audit()
	} else {
		// Dev mode: everything in memory, nothing survives a restart.
		log.Println("FARMTRACE_PG_DSN not set, using in-memory stores")
		actors = memory.NewActorStore()
		roles = memory.NewRoleStore()
		windows = memory.NewWindowStore()
		records = memory.NewAuditStore()
	}

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelBoot()

	if err := roles.Seed(bootCtx, access.BuiltinDefinitions()); err != nil {
		log.Fatalf("seed roles: %v", err)
	}
	defs, err := roles.List(bootCtx)
	if err != nil {
		log.Fatalf("load roles: %v", err)
	}
	registry, err := access.NewRegistry(access.BuiltinCatalog(), defs)
	if err != nil {
		log.Fatalf("build role registry: %v", err)
	}

	var (
		reconciler *access.Reconciler
		evalOpts   []access.EvaluatorOption
	)
	if url := os.Getenv("FARMTRACE_ROLE_SYNC_URL"); url != "" {
		reconciler = access.NewReconciler(&webhookSyncer{
			url:    url,
			client: &http.Client{Timeout: 10 * time.Second},
		})
		reconciler.Start()
		evalOpts = append(evalOpts, access.WithReconciler(reconciler))
	}

	evaluator, err := access.NewEvaluator(registry, actors, evalOpts...)
	if err != nil {
		log.Fatalf("build evaluator: %v", err)
	}

	tracker, err := ratelimit.NewTracker(windows)
	if err != nil {
		log.Fatalf("build rate limit tracker: %v", err)
	}
	tracker.Start()

	recorder := audit.NewRecorder(records)
	recorder.Start()

	fallback := ratelimit.NewFallback(60, time.Minute)
	fallback.Start()

	var probe httpapi.ReadyProbe
	if pgStore != nil {
		probe.DB = pgStore.DB()
	}

	api := httpapi.New(httpapi.Config{
		ReadyProbe: probe,
		Version:    version,
		Evaluator:  evaluator,
		Tracker:    tracker,
		Recorder:   recorder,
		Fallback:   fallback,
	})

	addr := os.Getenv("FARMTRACE_ADDR")
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

	log.Printf("Starting farmtrace-api %s on %s", version, srv.Addr)

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
	tracker.Stop()
	recorder.Stop()
	fallback.Stop()
	if reconciler != nil {
		reconciler.Stop()
	}
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}

// webhookSyncer mirrors role snapshots to an external registry over HTTP.
type webhookSyncer struct {
	url    string
	client *http.Client
}

func (s *webhookSyncer) SyncRoles(ctx context.Context, actorID string, roles []access.RoleName) error {
	payload, err := json.Marshal(map[string]any{
		"actor_id": actorID,
		"roles":    roles,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("role sync endpoint answered %d", resp.StatusCode)
	}
	return nil
}
