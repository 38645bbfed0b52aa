package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"callpipe/internal/config"
	"callpipe/internal/export"
	"callpipe/internal/models"
	"callpipe/internal/store"
	"callpipe/internal/telemetry"
	"callpipe/internal/webhook"
	"callpipe/internal/worker"
)

const providerMeetingBot = "meetingbot"

// Store is the persistence surface the HTTP layer needs.
type Store interface {
	CreateCall(ctx context.Context, p store.CreateCallParams) (models.Call, error)
	GetCall(ctx context.Context, id string) (models.Call, error)
	SetCallStatus(ctx context.Context, id, status string) error
	SetCallBot(ctx context.Context, id, botID string) error
	LatestRecordingForCall(ctx context.Context, callID string) (*models.Recording, error)
	MediaAssetsForCall(ctx context.Context, callID string) ([]models.MediaAsset, error)
	SegmentsForCall(ctx context.Context, callID string) ([]models.Segment, error)
	GetSummary(ctx context.Context, callID string) (*models.Summary, error)
	ActionItemsForCall(ctx context.Context, callID string) ([]models.ActionItem, error)
	GetCRMNote(ctx context.Context, callID string) (*models.CRMNote, error)
	LatestScoreForCall(ctx context.Context, callID string) (*models.FrameworkScore, error)
	InsertWebhookEvent(ctx context.Context, provider, eventID, eventType string, payload []byte) (bool, error)
	Enqueue(ctx context.Context, p store.EnqueueParams) (*models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	LatestJobForCall(ctx context.Context, callID, jobType string) (*models.Job, error)
}

// BotCreator schedules a recording bot with the meeting provider.
type BotCreator interface {
	CreateBot(ctx context.Context, meetingURL string, retentionHours int) (string, error)
}

// URLSigner issues expiring download links for archived media.
type URLSigner interface {
	SignedDownloadURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Limiter gates inbound webhook deliveries.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// JobRunner drains due jobs on demand, satisfied by *scheduler.Runner.
type JobRunner interface {
	RunDueOnce(ctx context.Context, limit int) (int, error)
}

// Server wires HTTP handlers for the ingest and read API.
type Server struct {
	cfg     config.Config
	store   Store
	bots    BotCreator
	signer  URLSigner
	limiter Limiter
	runner  JobRunner
	log     *logrus.Logger
}

// New constructs the API server. limiter and runner may be nil; the webhook
// route skips rate limiting and the cron route reports unavailable.
func New(cfg config.Config, st Store, bots BotCreator, signer URLSigner, limiter Limiter, runner JobRunner, log *logrus.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		bots:    bots,
		signer:  signer,
		limiter: limiter,
		runner:  runner,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhooks/meetingbot", s.handleWebhook)
	r.Post("/internal/jobs/run", s.handleRunJobs)

	r.Post("/calls", s.handleCreateCall)
	r.Get("/calls/{id}", s.handleGetCall)
	r.Post("/calls/{id}/reprocess", s.handleReprocess)
	r.Get("/calls/{id}/export", s.handleExport)

	r.Get("/jobs/{id}", s.handleGetJob)
	return r
}

// recordingDoneData is the payload of a recording.done delivery.
type recordingDoneData struct {
	CallID      string `json:"call_id"`
	RecordingID string `json:"recording_id"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:webhook:"+providerMeetingBot)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	ev, err := webhook.Verify(rawBody, r.Header, s.cfg.WebhookSecret, s.cfg.WebhookTolerance)
	if err != nil {
		telemetry.WebhookRejected.Inc()
		s.log.WithError(err).Warn("webhook rejected")
		status := http.StatusUnauthorized
		if errors.Is(err, webhook.ErrMalformedPayload) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	isNew, err := s.store.InsertWebhookEvent(r.Context(), providerMeetingBot, ev.EventID, ev.Type, rawBody)
	if err != nil {
		http.Error(w, "persist event", http.StatusInternalServerError)
		return
	}
	if !isNew {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	telemetry.WebhookAccepted.Inc()

	if err := s.routeEvent(r.Context(), ev); err != nil {
		// The event row is already persisted; reconciliation picks up the
		// work if this enqueue is lost.
		s.log.WithError(err).WithField("event_id", ev.EventID).Error("webhook event routing failed")
		http.Error(w, "process event", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) routeEvent(ctx context.Context, ev webhook.Event) error {
	switch ev.Type {
	case "recording.done":
		var data recordingDoneData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return fmt.Errorf("decode recording.done data: %w", err)
		}
		if data.CallID == "" || data.RecordingID == "" {
			return fmt.Errorf("recording.done missing call_id or recording_id")
		}
		call, err := s.store.GetCall(ctx, data.CallID)
		if err != nil {
			return fmt.Errorf("load call %s: %w", data.CallID, err)
		}
		_, err = s.store.Enqueue(ctx, store.EnqueueParams{
			TenantID:  call.TenantID,
			CallID:    &call.ID,
			Type:      models.JobFinalizeRecording,
			Payload:   models.FinalizeRecordingPayload{RecordingID: data.RecordingID},
			DedupeKey: worker.FinalizeDedupeKey(data.RecordingID),
		})
		return err
	case "bot.joined":
		var data recordingDoneData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return fmt.Errorf("decode bot.joined data: %w", err)
		}
		if data.CallID == "" {
			return fmt.Errorf("bot.joined missing call_id")
		}
		return s.store.SetCallStatus(ctx, data.CallID, models.CallInProgress)
	default:
		// Unknown event types are persisted for audit and otherwise ignored.
		s.log.WithField("event_type", ev.Type).Debug("ignoring webhook event")
		return nil
	}
}

type runJobsRequest struct {
	Limit int `json:"limit"`
}

// handleRunJobs is the cron entry point: an external scheduler hits it on an
// interval and the runner drains one batch of due jobs.
func (s *Server) handleRunJobs(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get("X-Cron-Secret")
	if secret == "" {
		secret = r.URL.Query().Get("secret")
	}
	if s.cfg.CronSecret == "" || secret != s.cfg.CronSecret {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if s.runner == nil {
		http.Error(w, "runner unavailable", http.StatusServiceUnavailable)
		return
	}

	var req runJobsRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Limit <= 0 {
		req.Limit = s.cfg.RunnerBatchSize
	}

	processed, err := s.runner.RunDueOnce(r.Context(), req.Limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"processed": processed})
}

type createCallRequest struct {
	Title       string  `json:"title"`
	MeetingURL  string  `json:"meeting_url"`
	FrameworkID *string `json:"framework_id,omitempty"`
}

func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.MeetingURL == "" {
		http.Error(w, "meeting_url is required", http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		req.Title = "Untitled call"
	}

	call, err := s.store.CreateCall(r.Context(), store.CreateCallParams{
		TenantID:    tenantFromRequest(r),
		Title:       req.Title,
		MeetingURL:  req.MeetingURL,
		FrameworkID: req.FrameworkID,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	botID, err := s.bots.CreateBot(r.Context(), req.MeetingURL, s.cfg.BotRetentionHours)
	if err != nil {
		s.log.WithError(err).WithField("call_id", call.ID).Error("bot creation failed")
		_ = s.store.SetCallStatus(r.Context(), call.ID, models.CallFailed)
		http.Error(w, "bot creation failed", http.StatusBadGateway)
		return
	}
	if err := s.store.SetCallBot(r.Context(), call.ID, botID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	call.BotID = &botID

	writeJSON(w, http.StatusCreated, call)
}

type assetResponse struct {
	Kind        string `json:"kind"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	Verified    bool   `json:"verified"`
	DownloadURL string `json:"download_url,omitempty"`
}

type callResponse struct {
	Call        models.Call            `json:"call"`
	Assets      []assetResponse        `json:"assets"`
	Summary     *models.Summary        `json:"summary,omitempty"`
	ActionItems []models.ActionItem    `json:"action_items,omitempty"`
	CRMNote     *models.CRMNote        `json:"crm_note,omitempty"`
	Score       *models.FrameworkScore `json:"score,omitempty"`
	LastError   *string                `json:"last_error,omitempty"`
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	call, err := s.store.GetCall(ctx, id)
	if err != nil {
		http.Error(w, "call not found", http.StatusNotFound)
		return
	}

	resp := callResponse{Call: call, Assets: []assetResponse{}}

	assets, err := s.store.MediaAssetsForCall(ctx, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, a := range assets {
		item := assetResponse{
			Kind:        a.Kind,
			ContentType: a.ContentType,
			SizeBytes:   a.SizeBytes,
			Verified:    a.Verified(),
		}
		if a.Verified() && s.signer != nil {
			url, err := s.signer.SignedDownloadURL(ctx, a.Bucket, a.Path, s.cfg.SignedURLTTL)
			if err != nil {
				s.log.WithError(err).WithField("path", a.Path).Warn("signing download url failed")
			} else {
				item.DownloadURL = url
			}
		}
		resp.Assets = append(resp.Assets, item)
	}

	if resp.Summary, err = s.store.GetSummary(ctx, id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if resp.ActionItems, err = s.store.ActionItemsForCall(ctx, id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if resp.CRMNote, err = s.store.GetCRMNote(ctx, id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if resp.Score, err = s.store.LatestScoreForCall(ctx, id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if call.Status == models.CallFailed {
		resp.LastError = s.lastPipelineError(ctx, id)
	}

	writeJSON(w, http.StatusOK, resp)
}

// lastPipelineError surfaces the most recent job error for a failed call.
func (s *Server) lastPipelineError(ctx context.Context, callID string) *string {
	for _, jobType := range []string{models.JobAnalyzeCall, models.JobFinalizeRecording} {
		job, err := s.store.LatestJobForCall(ctx, callID, jobType)
		if err != nil || job == nil {
			continue
		}
		if job.LastError != nil {
			return job.LastError
		}
	}
	return nil
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	call, err := s.store.GetCall(ctx, id)
	if err != nil {
		http.Error(w, "call not found", http.StatusNotFound)
		return
	}

	rec, err := s.store.LatestRecordingForCall(ctx, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "call has no recording to reprocess", http.StatusConflict)
		return
	}

	job, err := s.store.Enqueue(ctx, store.EnqueueParams{
		TenantID:  call.TenantID,
		CallID:    &call.ID,
		Type:      models.JobFinalizeRecording,
		Payload:   models.FinalizeRecordingPayload{RecordingID: rec.ProviderRecordingID},
		DedupeKey: worker.RerunDedupeKey(rec.ProviderRecordingID, time.Now()),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_scheduled"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled", "job_id": job.ID})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	call, err := s.store.GetCall(ctx, id)
	if err != nil {
		http.Error(w, "call not found", http.StatusNotFound)
		return
	}

	artifacts := export.CallArtifacts{Call: call}
	if artifacts.Summary, err = s.store.GetSummary(ctx, id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if artifacts.ActionItems, err = s.store.ActionItemsForCall(ctx, id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if artifacts.Segments, err = s.store.SegmentsForCall(ctx, id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if artifacts.Score, err = s.store.LatestScoreForCall(ctx, id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	book, err := export.Workbook(artifacts)
	if err != nil {
		http.Error(w, "build workbook", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="call-%s.xlsx"`, call.ID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(book)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
