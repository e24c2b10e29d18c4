package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"discredit/internal/adapters/repo"
	"discredit/internal/domain"
	"discredit/internal/infra/config"
	"discredit/internal/infra/db"
	apphttp "discredit/internal/infra/http"
	applog "discredit/internal/infra/log"
	"discredit/internal/infra/metrics"
	"discredit/internal/infra/queue"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "api")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9092")

	pool, err := db.Connect(ctx, cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	if cfg.RabbitURL == "" {
		logger.Fatal().Msg("api: не указан адрес RabbitMQ (RABBITMQ_URL)")
	}
	ingestQueue, err := queue.NewRabbitIngestQueue(cfg.RabbitURL, cfg.Queues.Ingest)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось инициализировать очередь RabbitMQ")
	}
	defer ingestQueue.Close()

	srv := apphttp.NewServer(logger)
	handlers := &apiHandlers{
		log:         logger,
		stats:       repoAdapter,
		checkpoints: repoAdapter,
		annotations: repoAdapter,
		queue:       ingestQueue,
	}
	handlers.Register(srv.Router)

	addr := fmt.Sprintf(":%d", cfg.Port)
	go func() {
		if err := srv.Start(addr); err != nil {
			logger.Fatal().Err(err).Msg("api: сервер остановлен")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: некорректное завершение сервера")
	}
	logger.Info().Msg("api: остановлен")
}

type apiHandlers struct {
	log         zerolog.Logger
	stats       domain.StatsRepo
	checkpoints domain.CheckpointRepo
	annotations domain.AnnotationRepo
	queue       domain.IngestQueue
}

// Register вешает операторские маршруты на роутер. Маршруты annotations
// обслуживают нижестоящие этапы анализа: они дописывают аннотации по
// существующим id и никогда не трогают сами сообщения.
func (h *apiHandlers) Register(r chi.Router) {
	r.Get("/healthz", h.health)
	r.Get("/stats", h.storeStats)
	r.Get("/checkpoints", h.listCheckpoints)
	r.Delete("/checkpoints/{platform}/{source}", h.resetCheckpoint)
	r.Post("/jobs", h.createJob)
	r.Get("/annotations/pending", h.pendingEmbeddings)
	r.Post("/annotations/entities", h.createEntity)
	r.Post("/annotations/embeddings", h.createEmbeddingRef)
}

func (h *apiHandlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *apiHandlers) storeStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.StoreStats(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("api: не удалось получить статистику")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "статистика недоступна"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages":             stats.Messages,
		"users":                stats.Users,
		"messages_by_platform": stats.MessagesByPlatform,
		"users_by_platform":    stats.UsersByPlatform,
	})
}

func (h *apiHandlers) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	checkpoints, err := h.checkpoints.ListCheckpoints(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("api: не удалось получить чекпоинты")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "чекпоинты недоступны"})
		return
	}
	type checkpointView struct {
		Platform       string    `json:"platform"`
		Source         string    `json:"source"`
		Cursor         string    `json:"cursor"`
		ItemsProcessed int64     `json:"items_processed"`
		UpdatedAt      time.Time `json:"updated_at"`
	}
	views := make([]checkpointView, 0, len(checkpoints))
	for _, cp := range checkpoints {
		views = append(views, checkpointView{
			Platform:       string(cp.Platform),
			Source:         cp.Source,
			Cursor:         cp.Cursor,
			ItemsProcessed: cp.ItemsProcessed,
			UpdatedAt:      cp.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *apiHandlers) resetCheckpoint(w http.ResponseWriter, r *http.Request) {
	platform := domain.Platform(chi.URLParam(r, "platform"))
	source := chi.URLParam(r, "source")
	if platform != domain.PlatformDiscord && platform != domain.PlatformReddit {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "неизвестная платформа"})
		return
	}
	if err := h.checkpoints.ResetCheckpoint(r.Context(), platform, source); err != nil {
		h.log.Error().Err(err).Msg("api: не удалось сбросить чекпоинт")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "сброс не выполнен"})
		return
	}
	h.log.Info().Str("platform", string(platform)).Str("source", source).Msg("api: чекпоинт сброшен оператором")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *apiHandlers) createJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Platform string `json:"platform"`
		Source   string `json:"source"`
		Reset    bool   `json:"reset"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "нечитаемое тело запроса"})
		return
	}
	platform := domain.Platform(req.Platform)
	if platform != domain.PlatformDiscord && platform != domain.PlatformReddit {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "неизвестная платформа"})
		return
	}
	if req.Source == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "не указан источник"})
		return
	}

	job := domain.IngestJob{
		ID:          uuid.NewString(),
		Platform:    platform,
		Source:      req.Source,
		Reset:       req.Reset,
		RequestedAt: time.Now().UTC(),
		Cause:       domain.IngestCauseManual,
	}
	if err := h.queue.Enqueue(r.Context(), job); err != nil {
		h.log.Error().Err(err).Msg("api: не удалось поставить задачу")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "очередь недоступна"})
		return
	}
	h.log.Info().Str("job_id", job.ID).Str("platform", req.Platform).Str("source", req.Source).Msg("api: задача поставлена оператором")
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

func (h *apiHandlers) pendingEmbeddings(w http.ResponseWriter, r *http.Request) {
	minLength, _ := strconv.Atoi(r.URL.Query().Get("min_length"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	messages, err := h.annotations.ListMessagesWithoutEmbedding(r.Context(), minLength, limit)
	if err != nil {
		h.log.Error().Err(err).Msg("api: не удалось получить сообщения без векторов")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "выборка недоступна"})
		return
	}
	type messageView struct {
		ID        string `json:"id"`
		Platform  string `json:"platform"`
		Content   string `json:"content"`
		Timestamp int64  `json:"timestamp"`
	}
	views := make([]messageView, 0, len(messages))
	for _, m := range messages {
		views = append(views, messageView{
			ID:        m.ID,
			Platform:  string(m.Platform),
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *apiHandlers) createEntity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageID  string  `json:"message_id"`
		EntityType string  `json:"entity_type"`
		EntityName string  `json:"entity_name"`
		Confidence float64 `json:"confidence"`
		Context    string  `json:"context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "нечитаемое тело запроса"})
		return
	}
	if req.MessageID == "" || req.EntityType == "" || req.EntityName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "не указаны обязательные поля"})
		return
	}
	id, err := h.annotations.InsertEntity(r.Context(), domain.ExtractedEntity{
		MessageID:  req.MessageID,
		EntityType: req.EntityType,
		EntityName: req.EntityName,
		Confidence: req.Confidence,
		Context:    req.Context,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("api: не удалось сохранить сущность")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "запись не выполнена"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (h *apiHandlers) createEmbeddingRef(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageID string `json:"message_id"`
		VectorID  string `json:"vector_id"`
		Model     string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "нечитаемое тело запроса"})
		return
	}
	if req.MessageID == "" || req.VectorID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "не указаны обязательные поля"})
		return
	}
	err := h.annotations.InsertEmbeddingRef(r.Context(), domain.EmbeddingRef{
		MessageID: req.MessageID,
		VectorID:  req.VectorID,
		Model:     req.Model,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("api: не удалось сохранить ссылку на вектор")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "запись не выполнена"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
