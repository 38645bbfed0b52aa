package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"callpipe/internal/ai"
	"callpipe/internal/config"
	"callpipe/internal/models"
	"callpipe/internal/store"
	"callpipe/internal/transcript"
)

// ErrNoTranscriptAsset marks a call with no verified transcript artifact to
// normalize from.
var ErrNoTranscriptAsset = errors.New("call has no verified transcript asset")

// Completer is the slice of the AI client the analysis pipeline uses.
type Completer interface {
	Complete(ctx context.Context, model string, messages []ai.Message, schema ai.Schema, out any) error
}

// ObjectDownloader fetches archived artifacts for normalization.
type ObjectDownloader interface {
	DownloadToBuffer(ctx context.Context, bucket, key string) ([]byte, error)
}

// AnalyzeStore is the persistence slice the analysis pipeline uses.
// *store.Store satisfies it.
type AnalyzeStore interface {
	SetCallStatus(ctx context.Context, id, status string) error
	MediaAssetsForCall(ctx context.Context, callID string) ([]models.MediaAsset, error)
	LatestTranscript(ctx context.Context, callID string) (*models.Transcript, error)
	SegmentCount(ctx context.Context, transcriptID string) (int, error)
	SegmentsForCall(ctx context.Context, callID string) ([]models.Segment, error)
	CreateTranscript(ctx context.Context, callID string, doc transcript.Document) (models.Transcript, error)
	FrameworkForCall(ctx context.Context, callID string) (*models.Framework, error)
	SaveAnalysis(ctx context.Context, p store.SaveAnalysisParams) error
}

// AnalyzeHandler normalizes the archived transcript and derives the analysis
// artifacts through structured-output completion requests, persisting them in
// one transaction before moving the call to ready.
type AnalyzeHandler struct {
	store   AnalyzeStore
	objects ObjectDownloader
	ai      Completer
	cfg     config.Config
	log     *logrus.Logger
}

func NewAnalyzeHandler(cfg config.Config, st AnalyzeStore, objects ObjectDownloader, completer Completer, log *logrus.Logger) *AnalyzeHandler {
	return &AnalyzeHandler{
		store:   st,
		objects: objects,
		ai:      completer,
		cfg:     cfg,
		log:     log,
	}
}

func (h *AnalyzeHandler) Handle(ctx context.Context, job models.Job) error {
	var payload models.AnalyzeCallPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode analyze payload: %w", err)
	}
	callID := payload.CallID
	if callID == "" && job.CallID != nil {
		callID = *job.CallID
	}
	if callID == "" {
		return errors.New("analyze job has no call")
	}

	if err := h.ensureTranscript(ctx, callID); err != nil {
		return err
	}

	segments, err := h.store.SegmentsForCall(ctx, callID)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return fmt.Errorf("call %s has no transcript segments", callID)
	}
	rendered := transcript.Render(segments)

	var summary ai.SummaryResult
	if err := h.complete(ctx, "medium", ai.SummaryMessages(rendered), ai.SummarySchema, &summary); err != nil {
		return fmt.Errorf("summary: %w", err)
	}

	var actions ai.ActionItemsResult
	if err := h.complete(ctx, "cheap", ai.ActionItemMessages(rendered), ai.ActionItemsSchema, &actions); err != nil {
		return fmt.Errorf("action items: %w", err)
	}

	var note ai.CRMNoteResult
	if err := h.complete(ctx, "cheap", ai.CRMNoteMessages(rendered), ai.CRMNoteSchema, &note); err != nil {
		return fmt.Errorf("crm note: %w", err)
	}

	framework, err := h.store.FrameworkForCall(ctx, callID)
	if err != nil {
		return err
	}
	var score *models.FrameworkScore
	if framework != nil {
		var result ai.ScoreResult
		if err := h.complete(ctx, "complex", ai.ScoreMessages(rendered, *framework), ai.ScoreSchema, &result); err != nil {
			return fmt.Errorf("framework score: %w", err)
		}
		score = scoreModel(callID, *framework, result)
	}

	if err := h.store.SaveAnalysis(ctx, store.SaveAnalysisParams{
		CallID:      callID,
		Summary:     summaryModel(callID, summary),
		ActionItems: actionItemModels(callID, actions),
		CRMNote:     noteModel(callID, note),
		Score:       score,
	}); err != nil {
		return fmt.Errorf("persist analysis: %w", err)
	}

	return h.store.SetCallStatus(ctx, callID, models.CallReady)
}

// ensureTranscript normalizes the archived transcript artifact unless the
// call's latest transcript already has segments, in which case the step is a
// no-op.
func (h *AnalyzeHandler) ensureTranscript(ctx context.Context, callID string) error {
	if existing, err := h.store.LatestTranscript(ctx, callID); err != nil {
		return err
	} else if existing != nil {
		n, err := h.store.SegmentCount(ctx, existing.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
	}

	assets, err := h.store.MediaAssetsForCall(ctx, callID)
	if err != nil {
		return err
	}
	var asset *models.MediaAsset
	for i := range assets {
		if assets[i].Kind == models.MediaTranscript && assets[i].Verified() {
			asset = &assets[i]
			break
		}
	}
	if asset == nil {
		return fmt.Errorf("%w: call %s", ErrNoTranscriptAsset, callID)
	}

	raw, err := h.objects.DownloadToBuffer(ctx, asset.Bucket, asset.Path)
	if err != nil {
		return fmt.Errorf("download transcript: %w", err)
	}
	doc, err := transcript.Normalize(raw)
	if err != nil {
		return err
	}
	if _, err := h.store.CreateTranscript(ctx, callID, doc); err != nil {
		return err
	}
	h.log.WithFields(logrus.Fields{"call_id": callID, "segments": len(doc.Segments)}).Info("transcript normalized")
	return nil
}

// complete runs one structured request and validates the decoded result
// before it is accepted.
func (h *AnalyzeHandler) complete(ctx context.Context, tier string, messages []ai.Message, schema ai.Schema, out interface{ Validate() error }) error {
	if err := h.ai.Complete(ctx, h.cfg.ModelFor(tier), messages, schema, out); err != nil {
		return err
	}
	return out.Validate()
}

func summaryModel(callID string, r ai.SummaryResult) models.Summary {
	return models.Summary{
		CallID:     callID,
		Overview:   r.Overview,
		KeyMoments: r.KeyMoments,
		Objections: r.Objections,
		NextSteps:  r.NextSteps,
	}
}

func actionItemModels(callID string, r ai.ActionItemsResult) []models.ActionItem {
	items := make([]models.ActionItem, 0, len(r.Items))
	for _, item := range r.Items {
		m := models.ActionItem{CallID: callID, Text: item.Text}
		if item.Owner != "" {
			owner := item.Owner
			m.Owner = &owner
		}
		if item.DueDate != "" {
			due := item.DueDate
			m.DueDate = &due
		}
		items = append(items, m)
	}
	return items
}

func noteModel(callID string, r ai.CRMNoteResult) models.CRMNote {
	return models.CRMNote{
		CallID:    callID,
		Subject:   r.Subject,
		Summary:   r.Summary,
		KeyPoints: r.KeyPoints,
		NextSteps: r.NextSteps,
	}
}

func scoreModel(callID string, fw models.Framework, r ai.ScoreResult) *models.FrameworkScore {
	phases := make([]models.PhaseCoverage, 0, len(r.Phases))
	for _, p := range r.Phases {
		phases = append(phases, models.PhaseCoverage{Phase: p.Phase, Covered: p.Covered, Total: p.Total})
	}
	return &models.FrameworkScore{
		CallID:           callID,
		FrameworkID:      fw.ID,
		FrameworkVersion: fw.Version,
		Overall:          r.Overall,
		Phases:           phases,
		MissedQuestions:  r.MissedQuestions,
		CoachingPlan: models.CoachingPlan{
			NextCallAgenda: r.CoachingPlan.NextCallAgenda,
			QuestionsToAsk: r.CoachingPlan.QuestionsToAsk,
		},
	}
}
