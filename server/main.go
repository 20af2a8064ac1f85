package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/convoylink/convoyd/server/cache"
	"github.com/convoylink/convoyd/server/config"
	"github.com/convoylink/convoyd/server/delivery"
	"github.com/convoylink/convoyd/server/detect"
	"github.com/convoylink/convoyd/server/idempotency"
	"github.com/convoylink/convoyd/server/journey"
	"github.com/convoylink/convoyd/server/middleware"
	"github.com/convoylink/convoyd/server/pipeline"
	"github.com/convoylink/convoyd/server/priority"
	"github.com/convoylink/convoyd/server/resilience"
	"github.com/convoylink/convoyd/server/store"
	"github.com/convoylink/convoyd/server/streaming"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	// Redis holds every hot structure: sequence counters, rosters, cursors,
	// pending queues, rooms, rate counters. The process cannot run without it.
	redisCache, err := cache.NewRedis(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0, cfg.HotLocationTTL, cfg.PendingTTL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
	}
	log.Printf("Connected to Redis at %s", cfg.RedisAddr)

	// Postgres is the durable store. Without DATABASE_URL the process runs on
	// the in-memory store (single-node dev only).
	var s store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		if err := pg.InitSchema(ctx); err != nil {
			log.Fatalf("Failed to ensure schema: %v", err)
		}
		defer pg.Close()
		s = pg
		log.Println("Connected to Postgres for durable storage")
	} else {
		s = store.NewMemoryStore()
		log.Println("DATABASE_URL not set. Using in-memory store (single-node dev mode).")
	}

	publisher := streaming.NewLogPublisher()
	defer publisher.Close()

	journeyManager := journey.NewManager(s, redisCache, publisher, nil, cfg)
	classifier := priority.NewEngine(cfg)
	deliveryEngine := delivery.NewEngine(redisCache, s, cfg)
	detector := detect.NewDetector(s, redisCache, publisher, cfg)
	pipe := pipeline.New(s, redisCache, classifier, deliveryEngine, detector, cfg)

	idemStore := idempotency.NewStore(redisCache)
	api := NewAPI(journeyManager, pipe, s, idemStore)
	hub := NewHub(s, redisCache, pipe, deliveryEngine, journeyManager, cfg)

	go hub.Run(ctx)

	// Background loops: overdue HIGH-priority redelivery and cache-vs-store
	// roster repair.
	delivery.NewRetryScheduler(deliveryEngine, hub).Start(ctx)
	resilience.NewRosterReconciler(s, redisCache, 30*time.Second).Start(ctx)

	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	http.Handle("/metrics", promhttp.Handler())

	// Realtime channel. Credential is carried in the handshake.
	http.HandleFunc("/ws", hub.HandleWS)

	// REST surface.
	http.Handle("/journeys", middleware.AuthMiddleware(http.HandlerFunc(
		api.withIdempotency(api.handleCreateJourney))))
	http.Handle("/journeys/active", middleware.AuthMiddleware(http.HandlerFunc(api.handleActiveJourneys)))
	http.Handle("/journeys/invitations", middleware.AuthMiddleware(http.HandlerFunc(api.handleInvitations)))
	http.Handle("/journeys/", middleware.AuthMiddleware(http.HandlerFunc(api.handleJourney)))

	http.Handle("/locations", middleware.AuthMiddleware(http.HandlerFunc(api.handlePostLocation)))
	http.Handle("/locations/journeys/", middleware.AuthMiddleware(http.HandlerFunc(api.handleJourneyLocations)))

	// Debug snapshot: live cache view of one journey.
	http.HandleFunc("/debug/journeys/", func(w http.ResponseWriter, r *http.Request) {
		journeyID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/debug/journeys/"), "/")
		if journeyID == "" {
			http.Error(w, "journey id required", http.StatusBadRequest)
			return
		}
		seq, _ := redisCache.CurrentSequence(r.Context(), journeyID)
		roster, _ := redisCache.RosterMembers(r.Context(), journeyID)
		conns, _ := redisCache.RoomConns(r.Context(), journeyID)
		connUsers := make(map[string]string, len(conns))
		for _, connID := range conns {
			if uid, err := redisCache.GetConnUser(r.Context(), connID); err == nil {
				connUsers[connID] = uid
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"journey_id": journeyID,
			"sequence":   seq,
			"roster":     roster,
			"room_conns": connUsers,
		})
	})

	handler := middleware.CORSMiddleware(cfg.CORSOrigin)(http.DefaultServeMux)

	log.Printf("convoyd listening on :%s", cfg.Port)
	log.Fatal(http.ListenAndServe(":"+cfg.Port, handler))
}
