package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/crm-backend/internal/archive"
	"github.com/ignite/crm-backend/internal/config"
	"github.com/ignite/crm-backend/internal/dedupe"
	"github.com/ignite/crm-backend/internal/pkg/distlock"
	"github.com/ignite/crm-backend/internal/pkg/httputil"
	"github.com/ignite/crm-backend/internal/pkg/logger"
	"github.com/ignite/crm-backend/internal/repository/postgres"
)

// importLockTTL bounds how long a crashed import can hold an org's lock.
const importLockTTL = 15 * time.Minute

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to reach database: %v", err)
	}
	defer db.Close()

	var redisClient *redis.Client
	var progress *dedupe.ProgressTracker
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		if err := client.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis unavailable, progress tracking disabled", "error", err.Error())
		} else {
			redisClient = client
			progress = dedupe.NewProgressTracker(client)
			defer client.Close()
		}
	}

	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		archiver, err = archive.New(context.Background(),
			cfg.Archive.S3Bucket, cfg.Archive.AuditTable, cfg.Archive.Region, cfg.Archive.AWSProfile)
		if err != nil {
			logger.Warn("import archive disabled", "error", err.Error())
			archiver = nil
		}
	}

	srv := &server{
		db:    db,
		redis: redisClient,
		store: postgres.NewContactStore(db),
		tags:  postgres.NewTagStore(db),
		engineCfg: dedupe.Config{
			ChunkSize:       cfg.Import.ChunkSize,
			LookupChunkSize: cfg.Import.LookupChunkSize,
			MaxSampleErrors: cfg.Import.MaxSampleErrors,
		},
		progress: progress,
		archiver: archiver,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/orgs/{orgID}/imports/classify", srv.handleClassify)
		r.Post("/orgs/{orgID}/imports", srv.handleExecute)
		r.Post("/imports/suggest-mapping", srv.handleSuggestMapping)
		r.Get("/imports/{importID}/progress", srv.handleProgress)
		r.Post("/orgs/{orgID}/tags", srv.handleCreateTag)
		r.Get("/contacts/{contactID}/tags", srv.handleContactTags)
		r.Post("/contacts/{contactID}/tags", srv.handleApplyTags)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: r}

	go func() {
		log.Printf("[Server] listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("[Server] shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
}

type server struct {
	db        *sql.DB
	redis     *redis.Client
	store     dedupe.ContactStore
	tags      *postgres.TagStore
	engineCfg dedupe.Config
	progress  *dedupe.ProgressTracker
	archiver  *archive.Archiver
}

type rowPayload struct {
	ID      int               `json:"id"`
	Columns []string          `json:"columns"`
	Values  map[string]string `json:"values"`
}

type classifyRequest struct {
	Rows         []rowPayload      `json:"rows"`
	FieldMapping map[string]string `json:"field_mapping"`
}

type executeRequest struct {
	Rows         []rowPayload                 `json:"rows"`
	FieldMapping map[string]string            `json:"field_mapping"`
	Decisions    map[int]dedupe.MergeDecision `json:"decisions"`
	TagIDs       []string                     `json:"tag_ids"`
	ActorID      string                       `json:"actor_id"`
}

func toRows(payload []rowPayload) []dedupe.Row {
	rows := make([]dedupe.Row, 0, len(payload))
	for _, p := range payload {
		rows = append(rows, dedupe.NewRow(p.ID, p.Columns, p.Values))
	}
	return rows
}

func (s *server) engine(orgID string) *dedupe.Engine {
	engine := dedupe.NewEngine(s.store, orgID, s.engineCfg)
	if s.progress != nil {
		engine.SetProgressTracker(s.progress)
	}
	return engine
}

func (s *server) handleClassify(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	var req classifyRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	summary, err := s.engine(orgID).Classify(r.Context(), toRows(req.Rows), req.FieldMapping)
	if err != nil {
		logger.Error("classification failed", "org_id", orgID, "error", err.Error())
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, summary)
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	var req executeRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	// One import per organization at a time. Concurrent imports would
	// race each other's classification snapshots.
	lock := distlock.ForImport(s.redis, s.db, orgID, importLockTTL)
	acquired, err := lock.TryAcquire(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if !acquired {
		httputil.Conflict(w, "an import is already running for this organization")
		return
	}
	defer lock.Release(r.Context())

	result, err := s.engine(orgID).Execute(r.Context(), toRows(req.Rows), req.FieldMapping, req.Decisions, req.TagIDs, req.ActorID)
	if err != nil {
		logger.Error("import failed", "org_id", orgID, "error", err.Error())
		httputil.InternalError(w, err)
		return
	}

	if s.archiver != nil {
		if err := s.archiver.ArchiveResult(r.Context(), orgID, result.ImportID, req.ActorID, result); err != nil {
			logger.Warn("archive import result failed", "import_id", result.ImportID, "error", err.Error())
		}
	}

	httputil.OK(w, result)
}

func (s *server) handleSuggestMapping(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Header []string `json:"header"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	httputil.OK(w, dedupe.SuggestMapping(req.Header))
}

func (s *server) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	var req struct {
		Name string `json:"name"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.BadRequest(w, "tag name is required")
		return
	}

	tag, err := s.tags.Create(r.Context(), orgID, req.Name)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.JSON(w, http.StatusCreated, tag)
}

func (s *server) handleContactTags(w http.ResponseWriter, r *http.Request) {
	contactID := chi.URLParam(r, "contactID")
	tags, err := s.tags.TagsFor(r.Context(), contactID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, tags)
}

func (s *server) handleApplyTags(w http.ResponseWriter, r *http.Request) {
	contactID := chi.URLParam(r, "contactID")
	var req struct {
		TagIDs  []string `json:"tag_ids"`
		ActorID string   `json:"actor_id"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.TagIDs) == 0 {
		httputil.BadRequest(w, "tag_ids is required")
		return
	}

	applied, err := s.tags.ApplyTags(r.Context(), contactID, req.TagIDs, req.ActorID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, applied)
}

func (s *server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if s.progress == nil {
		httputil.NotFound(w, "progress tracking disabled")
		return
	}
	importID := chi.URLParam(r, "importID")
	snap, ok := s.progress.Get(r.Context(), importID)
	if !ok {
		httputil.NotFound(w, "unknown import")
		return
	}
	httputil.OK(w, snap)
}
