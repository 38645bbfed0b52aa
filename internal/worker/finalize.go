package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"callpipe/internal/config"
	"callpipe/internal/meetingbot"
	"callpipe/internal/models"
	"callpipe/internal/objectstore"
	"callpipe/internal/store"
	"callpipe/internal/telemetry"
)

// ErrMissingArtifact marks a required artifact kind the manifest never
// exposed. It is a hard pipeline error, terminal once retries run out.
var ErrMissingArtifact = errors.New("missing required artifact")

// Artifact kinds a finalize pass must archive, and the ones it archives only
// when present.
var (
	requiredKinds = []string{models.MediaVideoMixed, models.MediaAudioMixed, models.MediaTranscript}
	optionalKinds = []string{models.MediaParticipantEvents, models.MediaMeetingMetadata}
)

var defaultFilenames = map[string]string{
	models.MediaVideoMixed:        "video.mp4",
	models.MediaAudioMixed:        "audio.mp3",
	models.MediaTranscript:        "transcript.json",
	models.MediaParticipantEvents: "participant_events.json",
	models.MediaMeetingMetadata:   "metadata.json",
}

// RecordingProvider is the slice of the meeting-bot client the finalize
// pipeline uses.
type RecordingProvider interface {
	GetRecordingManifest(ctx context.Context, recordingID string) (meetingbot.Manifest, error)
	DeleteRecording(ctx context.Context, recordingID string) error
	FetchArtifact(ctx context.Context, url string) (io.ReadCloser, string, error)
}

// ObjectUploader is the slice of object storage the finalize pipeline uses.
type ObjectUploader interface {
	UploadStream(ctx context.Context, bucket, key string, body io.Reader, contentType string) (string, error)
	HeadObject(ctx context.Context, bucket, key string) (objectstore.ObjectInfo, error)
}

// FinalizeStore is the persistence slice the finalize pipeline uses.
// *store.Store satisfies it.
type FinalizeStore interface {
	SetCallStatus(ctx context.Context, id, status string) error
	UpsertRecording(ctx context.Context, callID, providerRecordingID string, manifest json.RawMessage) (models.Recording, error)
	MarkRecordingDeleted(ctx context.Context, providerRecordingID string) error
	FindMediaAsset(ctx context.Context, bucket, path string) (*models.MediaAsset, error)
	UpsertMediaAsset(ctx context.Context, p store.UpsertMediaAssetParams) (models.MediaAsset, error)
	Enqueue(ctx context.Context, p store.EnqueueParams) (*models.Job, error)
}

// FinalizeHandler archives a completed provider recording: download each
// artifact, upload to durable storage, verify the write, delete the upstream
// copy, then chain into analysis. Every step is idempotent so a retry after
// partial failure never redoes durably completed work.
type FinalizeHandler struct {
	store    FinalizeStore
	provider RecordingProvider
	objects  ObjectUploader
	bucket   string
	log      *logrus.Logger
}

func NewFinalizeHandler(cfg config.Config, st FinalizeStore, provider RecordingProvider, objects ObjectUploader, log *logrus.Logger) *FinalizeHandler {
	return &FinalizeHandler{
		store:    st,
		provider: provider,
		objects:  objects,
		bucket:   cfg.MediaBucket,
		log:      log,
	}
}

func (h *FinalizeHandler) Handle(ctx context.Context, job models.Job) error {
	var payload models.FinalizeRecordingPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode finalize payload: %w", err)
	}
	if job.CallID == nil {
		return errors.New("finalize job has no call")
	}
	callID := *job.CallID

	if err := h.store.SetCallStatus(ctx, callID, models.CallProcessing); err != nil {
		return err
	}

	manifest, err := h.provider.GetRecordingManifest(ctx, payload.RecordingID)
	if err != nil {
		return fmt.Errorf("fetch manifest for %s: %w", payload.RecordingID, err)
	}
	if _, err := h.store.UpsertRecording(ctx, callID, payload.RecordingID, manifest.Raw); err != nil {
		return err
	}

	for _, kind := range requiredKinds {
		shortcut, ok := manifest.MediaShortcuts[kind]
		if !ok || shortcut.URL == "" {
			return fmt.Errorf("%w: %s", ErrMissingArtifact, kind)
		}
		if err := h.archive(ctx, job.TenantID, callID, payload.RecordingID, kind, shortcut); err != nil {
			return err
		}
	}
	for _, kind := range optionalKinds {
		shortcut, ok := manifest.MediaShortcuts[kind]
		if !ok || shortcut.URL == "" {
			continue
		}
		if err := h.archive(ctx, job.TenantID, callID, payload.RecordingID, kind, shortcut); err != nil {
			return err
		}
	}

	// Storage minimization: drop the provider copy once ours is verified.
	if err := h.provider.DeleteRecording(ctx, payload.RecordingID); err != nil {
		return fmt.Errorf("delete upstream recording %s: %w", payload.RecordingID, err)
	}
	if err := h.store.MarkRecordingDeleted(ctx, payload.RecordingID); err != nil {
		return err
	}

	// The dedup key guarantees at most one analysis pass per call even under
	// duplicate finalize events.
	_, err = h.store.Enqueue(ctx, store.EnqueueParams{
		TenantID:  job.TenantID,
		CallID:    &callID,
		Type:      models.JobAnalyzeCall,
		Payload:   models.AnalyzeCallPayload{CallID: callID},
		DedupeKey: AnalyzeDedupeKey(callID),
	})
	if err != nil {
		return fmt.Errorf("enqueue analysis: %w", err)
	}
	return nil
}

// archive uploads one artifact unless a verified asset already exists for its
// deterministic (bucket, path) identity.
func (h *FinalizeHandler) archive(ctx context.Context, tenantID, callID, recordingID, kind string, shortcut meetingbot.MediaShortcut) error {
	path := ObjectKey(tenantID, callID, recordingID, artifactFilename(kind, shortcut))

	existing, err := h.store.FindMediaAsset(ctx, h.bucket, path)
	if err != nil {
		return err
	}
	if existing != nil && existing.Verified() {
		h.log.WithFields(logrus.Fields{"call_id": callID, "kind": kind}).Debug("asset already verified, skipping")
		return nil
	}

	body, contentType, err := h.provider.FetchArtifact(ctx, shortcut.URL)
	if err != nil {
		return fmt.Errorf("fetch %s artifact: %w", kind, err)
	}
	defer body.Close()

	if _, err := h.objects.UploadStream(ctx, h.bucket, path, body, contentType); err != nil {
		return fmt.Errorf("upload %s artifact: %w", kind, err)
	}

	// Read the metadata back to confirm the write landed before marking the
	// asset verified.
	info, err := h.objects.HeadObject(ctx, h.bucket, path)
	if err != nil {
		return fmt.Errorf("verify %s artifact: %w", kind, err)
	}
	if _, err := h.store.UpsertMediaAsset(ctx, store.UpsertMediaAssetParams{
		CallID:      callID,
		Kind:        kind,
		Bucket:      h.bucket,
		Path:        path,
		ContentType: info.ContentType,
		SizeBytes:   info.SizeBytes,
		ETag:        info.ETag,
	}); err != nil {
		return err
	}
	telemetry.MediaUploads.Inc()
	return nil
}

// ObjectKey derives the deterministic storage key of one recording artifact.
func ObjectKey(tenantID, callID, recordingID, filename string) string {
	return fmt.Sprintf("tenants/%s/calls/%s/recordings/%s/%s", tenantID, callID, recordingID, filename)
}

// AnalyzeDedupeKey scopes the analysis job to its call.
func AnalyzeDedupeKey(callID string) string {
	return "analyze:" + callID
}

// FinalizeDedupeKey scopes a finalize job to its recording.
func FinalizeDedupeKey(recordingID string) string {
	return "finalize:" + recordingID
}

func artifactFilename(kind string, shortcut meetingbot.MediaShortcut) string {
	if shortcut.Filename != "" {
		return shortcut.Filename
	}
	if name, ok := defaultFilenames[kind]; ok {
		return name
	}
	return kind
}
